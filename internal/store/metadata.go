package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datosfinca/agrobodega/internal/records"
)

const metaKeyLastSync = "last_sync_ms"

// LastSync returns the server time of the last fully successful sync, if any.
func (s *Store) LastSync(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	return s.lastSync, !s.lastSync.IsZero(), nil
}

// SetLastSync records a successful sync. Persistence failures degrade like record writes.
func (s *Store) SetLastSync(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lastSync = records.Timestamp(at)
	if err := writeLastSync(s.db.WithContext(ctx), s.scope, s.lastSync); err != nil {
		s.lastSyncDirty = true
		s.degradeLocked(opSetLastSync, "", nil, err)
		return nil
	}
	s.lastSyncDirty = false
	s.recoverLocked(ctx)
	return nil
}

// ClearLastSync forgets the last sync so the next cycle performs no incremental pull.
func (s *Store) ClearLastSync(ctx context.Context) error {
	return s.SetLastSync(ctx, time.Time{})
}

// RewindLastSync moves the last sync back to the Unix epoch so the next cycle pulls
// everything the server holds.
func (s *Store) RewindLastSync(ctx context.Context) error {
	return s.SetLastSync(ctx, records.FromMillis(0))
}

func (s *Store) loadLastSync(ctx context.Context) (time.Time, error) {
	var meta SyncMetadata
	err := s.db.WithContext(ctx).
		Where("owner_group_id = ? AND meta_key = ?", s.scope, metaKeyLastSync).
		Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(meta.Value, 10, 64)
	if err != nil {
		s.logger.Warn("ignoring corrupt last sync value",
			zap.String("owner_group_id", s.scope),
			zap.String("value", meta.Value))
		return time.Time{}, nil
	}
	return records.FromMillis(ms), nil
}

func writeLastSync(db *gorm.DB, scope string, at time.Time) error {
	if at.IsZero() {
		return db.Where("owner_group_id = ? AND meta_key = ?", scope, metaKeyLastSync).
			Delete(&SyncMetadata{}).Error
	}
	meta := SyncMetadata{
		OwnerGroupID: scope,
		Key:          metaKeyLastSync,
		Value:        strconv.FormatInt(records.Millis(at), 10),
	}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error
}
