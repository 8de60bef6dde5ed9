package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/remote"
	"github.com/datosfinca/agrobodega/internal/store"
)

const (
	migrationNormalizeLegacyStatuses = "2026-03-01_normalize_legacy_sync_statuses"
	migrationBackfillReceivedAt      = "2026-03-01_backfill_received_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeLegacyStatuses, apply: normalizeLegacyStatuses},
	}
}

func remoteMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillReceivedAt, apply: backfillReceivedAt},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeLegacyStatuses rewrites statuses written by older clients ("pending_sync",
// "failed") into the pending state implied by the server id.
func normalizeLegacyStatuses(db *gorm.DB) error {
	known := []string{
		string(records.StatusPendingCreate),
		string(records.StatusPendingUpdate),
		string(records.StatusSynced),
	}
	if err := db.Model(&store.LocalRecord{}).
		Where("sync_status NOT IN ? AND (server_id IS NULL OR server_id = '')", known).
		Update("sync_status", string(records.StatusPendingCreate)).Error; err != nil {
		return err
	}
	return db.Model(&store.LocalRecord{}).
		Where("sync_status NOT IN ?", known).
		Update("sync_status", string(records.StatusPendingUpdate)).Error
}

// backfillReceivedAt gives rows stored before received_at existed a pull position.
func backfillReceivedAt(db *gorm.DB) error {
	return db.Model(&remote.Record{}).
		Where("received_at_ms = 0").
		Update("received_at_ms", gorm.Expr("last_modified_ms")).Error
}
