package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingID indicates that a record has no identifier.
	ErrMissingID = errors.New("records: missing id")
	// ErrInvalidSyncStatus indicates an unknown sync status value.
	ErrInvalidSyncStatus = errors.New("records: invalid sync status")
	// ErrInvalidPayload indicates that a payload is not a JSON object.
	ErrInvalidPayload = errors.New("records: payload must be a json object")
)

// SyncStatus tracks whether a record still has to be pushed.
type SyncStatus string

const (
	// StatusPendingCreate marks a record the server has never acknowledged.
	StatusPendingCreate SyncStatus = "pending_create"
	// StatusPendingUpdate marks an acknowledged record edited locally since.
	StatusPendingUpdate SyncStatus = "pending_update"
	// StatusSynced marks a record matching the last known server state.
	StatusSynced SyncStatus = "synced"
)

// ParseSyncStatus validates a stored sync status.
func ParseSyncStatus(raw string) (SyncStatus, error) {
	switch SyncStatus(strings.TrimSpace(raw)) {
	case StatusPendingCreate:
		return StatusPendingCreate, nil
	case StatusPendingUpdate:
		return StatusPendingUpdate, nil
	case StatusSynced:
		return StatusSynced, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncStatus, raw)
	}
}

// Dirty reports whether the status requires a push.
func (s SyncStatus) Dirty() bool {
	return s != StatusSynced
}

// Record is the envelope shared by every synchronized entity.
type Record struct {
	ID           string          `json:"id"`
	OwnerGroupID string          `json:"ownerGroupId"`
	LastModified time.Time       `json:"lastModified"`
	SyncStatus   SyncStatus      `json:"syncStatus"`
	ServerID     string          `json:"serverId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope fields the store relies on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrMissingID
	}
	if len(r.Payload) > 0 {
		trimmed := bytes.TrimSpace(r.Payload)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("%w: id %s", ErrInvalidPayload, r.ID)
		}
	}
	return nil
}

// HasServerID reports whether the server acknowledged the record at least once.
func (r Record) HasServerID() bool {
	return r.ServerID != ""
}

// Clone returns a deep copy, so callers never share payload buffers with the store.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}

// SamePayload reports whether both records carry byte-identical payloads.
func (r Record) SamePayload(other Record) bool {
	return bytes.Equal(r.Payload, other.Payload)
}

// Timestamp normalizes a time to the millisecond UTC precision used on the wire and on disk.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Millisecond)
}

// FromMillis converts stored unix milliseconds into a Timestamp.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Millis converts a timestamp into unix milliseconds; zero maps to zero.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
