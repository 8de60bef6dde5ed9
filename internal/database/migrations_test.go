package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datosfinca/agrobodega/internal/remote"
	"github.com/datosfinca/agrobodega/internal/store"
)

func TestApplyMigrationsNormalizesLegacyStatuses(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(store.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	serverID := "srv-9"
	rows := []store.LocalRecord{
		{OwnerGroupID: "finca-norte", Collection: "inventory", RecordID: "a", LastModifiedMillis: 1, SyncStatus: "pending_sync", PayloadJSON: "{}"},
		{OwnerGroupID: "finca-norte", Collection: "inventory", RecordID: "b", LastModifiedMillis: 1, SyncStatus: "failed", ServerID: &serverID, PayloadJSON: "{}"},
		{OwnerGroupID: "finca-norte", Collection: "inventory", RecordID: "c", LastModifiedMillis: 1, SyncStatus: "synced", ServerID: &serverID, PayloadJSON: "{}"},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert rows: %v", err)
	}

	if err := applyMigrations(database, localMigrations(), zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]string{"a": "pending_create", "b": "pending_update", "c": "synced"}
	var stored []store.LocalRecord
	if err := database.Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload rows: %v", err)
	}
	for _, row := range stored {
		if row.SyncStatus != expected[row.RecordID] {
			testContext.Fatalf("record %s: expected status %s, got %s", row.RecordID, expected[row.RecordID], row.SyncStatus)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeLegacyStatuses).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := OpenRemote(filepath.Join(testContext.TempDir(), "nested", "server.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open remote database: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(database) })

	row := remote.Record{
		WarehouseID:        "finca-norte",
		Collection:         "inventory",
		RecordID:           "item-1",
		ServerID:           "srv-1",
		LastModifiedMillis: 1700000000000,
		PayloadJSON:        "{}",
		Version:            1,
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}

	if err := applyMigrations(database, remoteMigrations(), zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	var stored remote.Record
	if err := database.Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.ReceivedAtMillis != 0 {
		testContext.Fatalf("expected an applied migration to be skipped, got received_at %d", stored.ReceivedAtMillis)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != int64(len(remoteMigrations())) {
		testContext.Fatalf("expected %d migration records, got %d", len(remoteMigrations()), count)
	}
}

func TestBackfillReceivedAtUsesLastModified(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "backfill.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(remote.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	row := remote.Record{
		WarehouseID:        "finca-norte",
		Collection:         "inventory",
		RecordID:           "item-1",
		ServerID:           "srv-1",
		LastModifiedMillis: 1700000000000,
		PayloadJSON:        "{}",
		Version:            1,
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}
	if err := backfillReceivedAt(database); err != nil {
		testContext.Fatalf("backfill failed: %v", err)
	}
	var stored remote.Record
	if err := database.Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.ReceivedAtMillis != row.LastModifiedMillis {
		testContext.Fatalf("expected received_at to be backfilled, got %d", stored.ReceivedAtMillis)
	}
}

func TestOpenLocalRequiresPath(testContext *testing.T) {
	if _, err := OpenLocal(" ", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
