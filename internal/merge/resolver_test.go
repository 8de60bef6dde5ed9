package merge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
)

var baseTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(store.Models()...))
	s, err := store.Open(context.Background(), store.Config{Database: db, OwnerGroupID: "finca"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id string, at time.Time, status records.SyncStatus, payload string) records.Record {
	return records.Record{ID: id, OwnerGroupID: "finca", LastModified: at, SyncStatus: status, Payload: json.RawMessage(payload)}
}

func TestMergeAppliesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, records.CollectionInventory, record("newer-local", baseTime.Add(time.Hour), records.StatusPendingUpdate, `{"stock":5}`)))
	require.NoError(t, s.Put(ctx, records.CollectionInventory, record("older-local", baseTime, records.StatusSynced, `{"stock":1}`)))

	resolver, err := NewResolver(s, nil)
	require.NoError(t, err)
	outcome, err := resolver.Merge(ctx, map[records.Collection][]records.Record{
		records.CollectionInventory: {
			record("newer-local", baseTime, "", `{"stock":0}`),
			record("older-local", baseTime.Add(time.Minute), "", `{"stock":9}`),
			record("fresh", baseTime, "", `{"stock":3}`),
		},
	})
	require.NoError(t, err)
	require.Equal(t, Outcome{Inserted: 1, Overwritten: 1, KeptLocal: 1}, outcome)

	kept, _, err := s.Get(ctx, records.CollectionInventory, "newer-local")
	require.NoError(t, err)
	require.JSONEq(t, `{"stock":5}`, string(kept.Payload))
	require.Equal(t, records.StatusPendingUpdate, kept.SyncStatus)

	overwritten, _, err := s.Get(ctx, records.CollectionInventory, "older-local")
	require.NoError(t, err)
	require.JSONEq(t, `{"stock":9}`, string(overwritten.Payload))
	require.Equal(t, records.StatusSynced, overwritten.SyncStatus)

	fresh, found, err := s.Get(ctx, records.CollectionInventory, "fresh")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, records.StatusSynced, fresh.SyncStatus)
	require.Equal(t, "fresh", fresh.ServerID)
}

func TestAcknowledgeDetectsEditsDuringFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	unchanged := record("a", baseTime, records.StatusPendingCreate, `{"name":"Urea"}`)
	edited := record("b", baseTime, records.StatusPendingCreate, `{"name":"Cal"}`)
	rejected := record("c", baseTime, records.StatusPendingCreate, `{"name":""}`)
	require.NoError(t, s.BulkPut(ctx, records.CollectionInventory, []records.Record{unchanged, edited, rejected}))
	pushed := map[records.Collection][]records.Record{records.CollectionInventory: {unchanged, edited, rejected}}

	require.NoError(t, s.Put(ctx, records.CollectionInventory, record("b", baseTime.Add(time.Second), records.StatusPendingCreate, `{"name":"Cal dolomita"}`)))

	response := protocol.NewSyncResponse(baseTime)
	response.Accept(records.CollectionInventory, "a", "srv-a")
	response.Accept(records.CollectionInventory, "b", "")
	response.Reject(records.CollectionInventory, protocol.Rejection{ID: "c", Reason: "name required"})

	resolver, err := NewResolver(s, nil)
	require.NoError(t, err)
	outcome, err := resolver.Acknowledge(ctx, pushed, response)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Acknowledged)
	require.Equal(t, 1, outcome.Requeued)

	a, _, _ := s.Get(ctx, records.CollectionInventory, "a")
	require.Equal(t, records.StatusSynced, a.SyncStatus)
	require.Equal(t, "srv-a", a.ServerID)

	b, _, _ := s.Get(ctx, records.CollectionInventory, "b")
	require.Equal(t, records.StatusPendingUpdate, b.SyncStatus)
	require.Equal(t, "b", b.ServerID)
	require.JSONEq(t, `{"name":"Cal dolomita"}`, string(b.Payload))

	c, _, _ := s.Get(ctx, records.CollectionInventory, "c")
	require.Equal(t, records.StatusPendingCreate, c.SyncStatus)
}
