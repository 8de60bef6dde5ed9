package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRetention bounds how long audit entries are kept.
const AuditRetention = 90 * 24 * time.Hour

// AuditAction names the kind of change recorded in the audit log.
type AuditAction string

const (
	AuditCreate AuditAction = "CREATE"
	AuditUpdate AuditAction = "UPDATE"
	AuditDelete AuditAction = "DELETE"
	AuditSync   AuditAction = "SYNC"
	AuditImport AuditAction = "IMPORT"
	AuditExport AuditAction = "EXPORT"
)

// AuditStatus is the outcome of an audited action.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditRecord is one technical audit trail entry.
type AuditRecord struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       AuditAction     `json:"action"`
	Entity       string          `json:"entity"`
	EntityID     string          `json:"entityId,omitempty"`
	Status       AuditStatus     `json:"status"`
	Details      string          `json:"details,omitempty"`
	PreviousData json.RawMessage `json:"previousData,omitempty"`
	NewData      json.RawMessage `json:"newData,omitempty"`
}

// AppendAudit stores an entry and prunes entries past AuditRetention.
// Failures are logged and reported as warnings; the audit trail never blocks a mutation.
func (s *Store) AppendAudit(ctx context.Context, entry AuditRecord) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}

	now := s.clock().UTC()
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			s.auditFailed(entry, fmt.Errorf("generate audit id: %w", err))
			return
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.Status == "" {
		entry.Status = AuditSuccess
	}

	row := AuditEntry{
		EntryID:         entry.ID,
		OwnerGroupID:    s.scope,
		TimestampMillis: entry.Timestamp.UnixMilli(),
		Action:          string(entry.Action),
		Entity:          entry.Entity,
		EntityID:        entry.EntityID,
		Status:          string(entry.Status),
		Details:         entry.Details,
		PreviousData:    string(entry.PreviousData),
		NewData:         string(entry.NewData),
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(&row).Error; err != nil {
		s.auditFailed(entry, err)
		return
	}
	cutoff := now.Add(-AuditRetention).UnixMilli()
	if err := db.Where("owner_group_id = ? AND timestamp_ms < ?", s.scope, cutoff).Delete(&AuditEntry{}).Error; err != nil {
		s.logger.Warn("audit prune failed", zap.String("owner_group_id", s.scope), zap.Error(err))
	}
}

// AuditLog returns up to limit entries, newest first. A non-positive limit returns all.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditRecord, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	query := s.db.WithContext(ctx).
		Where("owner_group_id = ?", s.scope).
		Order("timestamp_ms DESC").
		Order("entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []AuditEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load audit log: %w", err)
	}
	out := make([]AuditRecord, 0, len(rows))
	for _, row := range rows {
		entry := AuditRecord{
			ID:        row.EntryID,
			Timestamp: time.UnixMilli(row.TimestampMillis).UTC(),
			Action:    AuditAction(row.Action),
			Entity:    row.Entity,
			EntityID:  row.EntityID,
			Status:    AuditStatus(row.Status),
			Details:   row.Details,
		}
		if row.PreviousData != "" {
			entry.PreviousData = json.RawMessage(row.PreviousData)
		}
		if row.NewData != "" {
			entry.NewData = json.RawMessage(row.NewData)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) auditFailed(entry AuditRecord, err error) {
	s.logger.Warn("audit entry dropped",
		zap.String("owner_group_id", s.scope),
		zap.String("action", string(entry.Action)),
		zap.String("entity", entry.Entity),
		zap.Error(err))
	if s.onWarning != nil {
		s.onWarning(Warning{Operation: opAppendAudit, Err: err})
	}
}
