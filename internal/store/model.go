package store

import (
	"encoding/json"

	"github.com/datosfinca/agrobodega/internal/records"
)

// LocalRecord is the on-device row of any synchronized collection.
type LocalRecord struct {
	OwnerGroupID       string  `gorm:"column:owner_group_id;primaryKey;size:190;not null;index:idx_local_records_scope_status,priority:1"`
	Collection         string  `gorm:"column:collection;primaryKey;size:64;not null"`
	RecordID           string  `gorm:"column:record_id;primaryKey;size:190;not null"`
	LastModifiedMillis int64   `gorm:"column:last_modified_ms;not null"`
	SyncStatus         string  `gorm:"column:sync_status;size:32;not null;index:idx_local_records_scope_status,priority:2"`
	ServerID           *string `gorm:"column:server_id;size:190"`
	PayloadJSON        string  `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalRecord) TableName() string {
	return "local_records"
}

// SyncMetadata stores per-scope sync bookkeeping such as the last successful sync.
type SyncMetadata struct {
	OwnerGroupID string `gorm:"column:owner_group_id;primaryKey;size:190;not null"`
	Key          string `gorm:"column:meta_key;primaryKey;size:64;not null"`
	Value        string `gorm:"column:meta_value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// AuditEntry is one row of the local technical audit trail.
type AuditEntry struct {
	EntryID         string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	OwnerGroupID    string `gorm:"column:owner_group_id;size:190;not null;index:idx_audit_scope_time,priority:1"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_audit_scope_time,priority:2"`
	Action          string `gorm:"column:action;size:16;not null"`
	Entity          string `gorm:"column:entity;size:32;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;default:''"`
	Status          string `gorm:"column:status;size:16;not null"`
	Details         string `gorm:"column:details;type:text;not null;default:''"`
	PreviousData    string `gorm:"column:previous_data;type:text;not null;default:''"`
	NewData         string `gorm:"column:new_data;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "audit_logs"
}

// StoreLease marks the owner group as open by one live Store. Holders renew it while open
// and delete it on Close; an expired lease may be taken over.
type StoreLease struct {
	OwnerGroupID    string `gorm:"column:owner_group_id;primaryKey;size:190;not null"`
	HolderID        string `gorm:"column:holder_id;size:64;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoreLease) TableName() string {
	return "store_leases"
}

// Models lists every table owned by the store, for schema migration.
func Models() []any {
	return []any{&LocalRecord{}, &SyncMetadata{}, &AuditEntry{}, &StoreLease{}}
}

func toRow(collection records.Collection, record records.Record) LocalRecord {
	row := LocalRecord{
		OwnerGroupID:       record.OwnerGroupID,
		Collection:         string(collection),
		RecordID:           record.ID,
		LastModifiedMillis: records.Millis(record.LastModified),
		SyncStatus:         string(record.SyncStatus),
		PayloadJSON:        string(record.Payload),
	}
	if row.PayloadJSON == "" {
		row.PayloadJSON = "{}"
	}
	if record.ServerID != "" {
		serverID := record.ServerID
		row.ServerID = &serverID
	}
	return row
}

// fromRow converts a row; legacy or corrupt statuses fall back to a pending state so
// the record is pushed again rather than silently considered synced.
func fromRow(row LocalRecord) (records.Collection, records.Record, bool) {
	collection, err := records.ParseCollection(row.Collection)
	if err != nil {
		return "", records.Record{}, false
	}
	record := records.Record{
		ID:           row.RecordID,
		OwnerGroupID: row.OwnerGroupID,
		LastModified: records.FromMillis(row.LastModifiedMillis),
		Payload:      json.RawMessage(row.PayloadJSON),
	}
	if row.ServerID != nil {
		record.ServerID = *row.ServerID
	}
	status, err := records.ParseSyncStatus(row.SyncStatus)
	if err != nil {
		status = records.StatusPendingUpdate
		if !record.HasServerID() {
			status = records.StatusPendingCreate
		}
	}
	record.SyncStatus = status
	return collection, record, true
}
