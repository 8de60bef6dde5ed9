package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WireTimeLayout is the ISO-8601 layout used for lastModified and sync dates.
const WireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	wireKeyID           = "id"
	wireKeyOwnerGroupID = "ownerGroupId"
	wireKeyWarehouseID  = "warehouseId"
	wireKeyLastModified = "lastModified"
	wireKeyServerID     = "serverId"
	wireKeySyncStatus   = "syncStatus"
)

// ErrInvalidWireRecord indicates a record received from the wire cannot be decoded.
var ErrInvalidWireRecord = errors.New("records: invalid wire record")

// FormatTime renders a timestamp with the wire layout.
func FormatTime(t time.Time) string {
	return Timestamp(t).Format(WireTimeLayout)
}

// ParseTime accepts RFC 3339 strings (any fractional precision) and unix milliseconds.
func ParseTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidWireRecord)
	}
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return FromMillis(ms), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidWireRecord, raw)
	}
	return Timestamp(parsed), nil
}

// MarshalWire flattens the payload and the envelope into the object sent to the server.
// Client bookkeeping (serverId, syncStatus) never leaves the device.
func MarshalWire(record Record) (json.RawMessage, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: id %s: %v", ErrInvalidPayload, record.ID, err)
		}
	}
	delete(fields, wireKeyServerID)
	delete(fields, wireKeySyncStatus)

	id, err := json.Marshal(record.ID)
	if err != nil {
		return nil, err
	}
	fields[wireKeyID] = id
	if record.OwnerGroupID != "" {
		owner, err := json.Marshal(record.OwnerGroupID)
		if err != nil {
			return nil, err
		}
		fields[wireKeyOwnerGroupID] = owner
		fields[wireKeyWarehouseID] = owner
	}
	if !record.LastModified.IsZero() {
		stamp, err := json.Marshal(FormatTime(record.LastModified))
		if err != nil {
			return nil, err
		}
		fields[wireKeyLastModified] = stamp
	}
	return json.Marshal(fields)
}

// UnmarshalWire rebuilds a record from its wire object. The returned record carries
// no sync status; the caller derives it.
func UnmarshalWire(raw json.RawMessage) (Record, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidWireRecord, err)
	}

	var record Record
	if err := decodeString(fields, wireKeyID, &record.ID); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(record.ID) == "" {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidWireRecord, ErrMissingID)
	}
	if err := decodeString(fields, wireKeyOwnerGroupID, &record.OwnerGroupID); err != nil {
		return Record{}, err
	}
	if record.OwnerGroupID == "" {
		if err := decodeString(fields, wireKeyWarehouseID, &record.OwnerGroupID); err != nil {
			return Record{}, err
		}
	}
	if stamp, ok := fields[wireKeyLastModified]; ok {
		parsed, err := parseWireTime(stamp)
		if err != nil {
			return Record{}, err
		}
		record.LastModified = parsed
	}

	for _, key := range []string{wireKeyID, wireKeyOwnerGroupID, wireKeyWarehouseID, wireKeyLastModified, wireKeyServerID, wireKeySyncStatus} {
		delete(fields, key)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return Record{}, err
	}
	record.Payload = payload
	return record, nil
}

func decodeString(fields map[string]json.RawMessage, key string, target *string) error {
	value, ok := fields[key]
	if !ok || string(value) == "null" {
		return nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("%w: field %s", ErrInvalidWireRecord, key)
	}
	return nil
}

func parseWireTime(value json.RawMessage) (time.Time, error) {
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return ParseTime(text)
	}
	var ms int64
	if err := json.Unmarshal(value, &ms); err == nil {
		return FromMillis(ms), nil
	}
	return time.Time{}, fmt.Errorf("%w: field %s", ErrInvalidWireRecord, wireKeyLastModified)
}
