// Package protocol defines the JSON envelopes exchanged on POST /api/v1/sync.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

// SyncPath is the single endpoint a sync cycle talks to.
const SyncPath = "/api/v1/sync"

// HealthPath is the liveness endpoint used by connectivity probes.
const HealthPath = "/healthz"

var (
	// ErrMissingOwnerGroup indicates a request without ownerGroupId or warehouseId.
	ErrMissingOwnerGroup = errors.New("protocol: ownerGroupId is required")
	// ErrInvalidLastSync indicates an unparseable lastSyncDate.
	ErrInvalidLastSync = errors.New("protocol: invalid lastSyncDate")
)

// SyncRequest carries the client's dirty records and its pull window.
type SyncRequest struct {
	OwnerGroupID string                       `json:"ownerGroupId,omitempty"`
	WarehouseID  string                       `json:"warehouseId,omitempty"`
	LastSyncDate *string                      `json:"lastSyncDate"`
	Collections  map[string][]json.RawMessage `json:"collections"`
}

// Rejection explains why the server refused one record.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SyncResponse reports the outcome of a push and the records pulled since lastSyncDate.
type SyncResponse struct {
	AcceptedIDs   map[string][]string          `json:"acceptedIds"`
	ServerUpdates map[string][]json.RawMessage `json:"serverUpdates"`
	ServerIDs     map[string]map[string]string `json:"serverIds,omitempty"`
	Rejected      map[string][]Rejection       `json:"rejected,omitempty"`
	ServerTime    string                       `json:"serverTime,omitempty"`
}

// NewSyncRequest encodes a push set. A zero since sends a null lastSyncDate.
func NewSyncRequest(ownerGroupID string, since time.Time, pull bool, push map[records.Collection][]records.Record) (SyncRequest, error) {
	request := SyncRequest{
		OwnerGroupID: ownerGroupID,
		Collections:  make(map[string][]json.RawMessage),
	}
	if pull {
		formatted := records.FormatTime(since)
		if since.IsZero() {
			formatted = records.FormatTime(time.UnixMilli(0))
		}
		request.LastSyncDate = &formatted
	}
	for _, collection := range records.Collections() {
		batch := push[collection]
		if len(batch) == 0 {
			continue
		}
		encoded := make([]json.RawMessage, 0, len(batch))
		for _, record := range batch {
			raw, err := records.MarshalWire(record)
			if err != nil {
				return SyncRequest{}, fmt.Errorf("protocol: encode %s/%s: %w", collection, record.ID, err)
			}
			encoded = append(encoded, raw)
		}
		request.Collections[collection.WireName()] = encoded
	}
	return request, nil
}

// Owner returns the owner group, accepting the legacy warehouseId field.
func (r SyncRequest) Owner() string {
	if owner := strings.TrimSpace(r.OwnerGroupID); owner != "" {
		return owner
	}
	return strings.TrimSpace(r.WarehouseID)
}

// Since parses lastSyncDate; ok is false when the client asked for no pull.
func (r SyncRequest) Since() (time.Time, bool, error) {
	if r.LastSyncDate == nil || strings.TrimSpace(*r.LastSyncDate) == "" {
		return time.Time{}, false, nil
	}
	parsed, err := records.ParseTime(*r.LastSyncDate)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidLastSync, err)
	}
	return parsed, true, nil
}

// Decoded is a pushed collection after wire decoding.
type Decoded struct {
	Collection records.Collection
	Records    []records.Record
	Rejected   []Rejection
}

// Decode parses every pushed collection in sync order. Records that fail wire decoding
// are reported as rejections instead of failing the request; unknown collection names
// fail the whole request.
func (r SyncRequest) Decode() ([]Decoded, error) {
	byCollection := make(map[records.Collection][]json.RawMessage, len(r.Collections))
	for wireName, batch := range r.Collections {
		collection, err := records.ParseWireName(wireName)
		if err != nil {
			return nil, err
		}
		byCollection[collection] = batch
	}

	out := make([]Decoded, 0, len(byCollection))
	for _, collection := range records.Collections() {
		batch, ok := byCollection[collection]
		if !ok {
			continue
		}
		decoded := Decoded{Collection: collection}
		for index, raw := range batch {
			record, err := records.UnmarshalWire(raw)
			if err != nil {
				decoded.Rejected = append(decoded.Rejected, Rejection{ID: rejectedID(raw, index), Reason: err.Error()})
				continue
			}
			decoded.Records = append(decoded.Records, record)
		}
		out = append(out, decoded)
	}
	return out, nil
}

func rejectedID(raw json.RawMessage, index int) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.ID != "" {
		return envelope.ID
	}
	return fmt.Sprintf("#%d", index)
}

// NewSyncResponse returns an empty response stamped with the server time.
func NewSyncResponse(serverTime time.Time) SyncResponse {
	return SyncResponse{
		AcceptedIDs:   make(map[string][]string),
		ServerUpdates: make(map[string][]json.RawMessage),
		ServerIDs:     make(map[string]map[string]string),
		Rejected:      make(map[string][]Rejection),
		ServerTime:    records.FormatTime(serverTime),
	}
}

// Accept records that the server stored id under serverID.
func (r *SyncResponse) Accept(collection records.Collection, id, serverID string) {
	wireName := collection.WireName()
	r.AcceptedIDs[wireName] = append(r.AcceptedIDs[wireName], id)
	if serverID == "" {
		return
	}
	if r.ServerIDs[wireName] == nil {
		r.ServerIDs[wireName] = make(map[string]string)
	}
	r.ServerIDs[wireName][id] = serverID
}

// Reject records a per-record refusal.
func (r *SyncResponse) Reject(collection records.Collection, rejection Rejection) {
	wireName := collection.WireName()
	r.Rejected[wireName] = append(r.Rejected[wireName], rejection)
}

// AddUpdate appends a pulled record and its server id.
func (r *SyncResponse) AddUpdate(collection records.Collection, record records.Record) error {
	raw, err := records.MarshalWire(record)
	if err != nil {
		return err
	}
	wireName := collection.WireName()
	r.ServerUpdates[wireName] = append(r.ServerUpdates[wireName], raw)
	if record.ServerID != "" {
		if r.ServerIDs == nil {
			r.ServerIDs = make(map[string]map[string]string)
		}
		if r.ServerIDs[wireName] == nil {
			r.ServerIDs[wireName] = make(map[string]string)
		}
		r.ServerIDs[wireName][record.ID] = record.ServerID
	}
	return nil
}

// Accepted returns the ids the server accepted for collection.
func (r SyncResponse) Accepted(collection records.Collection) []string {
	return r.AcceptedIDs[collection.WireName()]
}

// ServerID returns the server id for an accepted record, falling back to the record id.
func (r SyncResponse) ServerID(collection records.Collection, id string) string {
	if serverID := r.ServerIDs[collection.WireName()][id]; serverID != "" {
		return serverID
	}
	return id
}

// RejectedCount returns the number of refused records across collections.
func (r SyncResponse) RejectedCount() int {
	total := 0
	for _, batch := range r.Rejected {
		total += len(batch)
	}
	return total
}

// Updates decodes the pulled records per collection, carrying the server ids listed in
// serverIds. Unknown collections are ignored so that older clients tolerate newer servers.
func (r SyncResponse) Updates() (map[records.Collection][]records.Record, error) {
	out := make(map[records.Collection][]records.Record)
	for wireName, batch := range r.ServerUpdates {
		collection, err := records.ParseWireName(wireName)
		if err != nil {
			continue
		}
		for _, raw := range batch {
			record, err := records.UnmarshalWire(raw)
			if err != nil {
				return nil, fmt.Errorf("protocol: decode %s update: %w", wireName, err)
			}
			record.ServerID = r.ServerIDs[wireName][record.ID]
			out[collection] = append(out[collection], record)
		}
	}
	return out, nil
}

// Time parses serverTime; ok is false when the server did not report it.
func (r SyncResponse) Time() (time.Time, bool) {
	if strings.TrimSpace(r.ServerTime) == "" {
		return time.Time{}, false
	}
	parsed, err := records.ParseTime(r.ServerTime)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
