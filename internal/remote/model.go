package remote

import (
	"encoding/json"

	"github.com/datosfinca/agrobodega/internal/records"
)

// Record is the server copy of a synchronized record.
type Record struct {
	WarehouseID        string `gorm:"column:warehouse_id;primaryKey;size:190;not null;index:idx_sync_records_received,priority:1"`
	Collection         string `gorm:"column:collection;primaryKey;size:64;not null"`
	RecordID           string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ServerID           string `gorm:"column:server_id;size:190;not null;uniqueIndex"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null"`
	ReceivedAtMillis   int64  `gorm:"column:received_at_ms;not null;default:0;index:idx_sync_records_received,priority:2"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	Version            int64  `gorm:"column:version;not null;default:1"`
	LastWriterUserID   string `gorm:"column:last_writer_user_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}

// RecordChange captures an append-only audit trail of accepted pushes.
type RecordChange struct {
	ChangeID             string `gorm:"column:change_id;primaryKey;size:190;not null"`
	WarehouseID          string `gorm:"column:warehouse_id;size:190;not null;index:idx_sync_changes_time,priority:1"`
	Collection           string `gorm:"column:collection;size:64;not null"`
	RecordID             string `gorm:"column:record_id;size:190;not null"`
	AppliedAtMillis      int64  `gorm:"column:applied_at_ms;not null;index:idx_sync_changes_time,priority:2"`
	UserID               string `gorm:"column:user_id;size:190;not null"`
	ClientModifiedMillis int64  `gorm:"column:client_modified_ms;not null"`
	PayloadJSON          string `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion      *int64 `gorm:"column:prev_version"`
	NewVersion           *int64 `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "sync_record_changes"
}

// Models lists every table owned by the remote service, for schema migration.
func Models() []any {
	return []any{&Record{}, &RecordChange{}}
}

// toDomain converts a stored row into the wire-level record envelope.
func (r Record) toDomain() records.Record {
	return records.Record{
		ID:           r.RecordID,
		OwnerGroupID: r.WarehouseID,
		LastModified: records.FromMillis(r.LastModifiedMillis),
		SyncStatus:   records.StatusSynced,
		ServerID:     r.ServerID,
		Payload:      json.RawMessage(r.PayloadJSON),
	}
}
