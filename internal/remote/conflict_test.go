package remote

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

func pushed(id string, modifiedMillis int64, payload string) records.Record {
	return records.Record{
		ID:           id,
		OwnerGroupID: "finca-norte",
		LastModified: records.FromMillis(modifiedMillis),
		Payload:      json.RawMessage(payload),
	}
}

func TestResolvePushCreatesFirstVersion(t *testing.T) {
	appliedAt := time.UnixMilli(1700000009000).UTC()
	outcome := resolvePush(nil, records.CollectionInventory, pushed("item-1", 1700000000000, `{"name":"Urea"}`), "finca-norte", "user-1", appliedAt)

	if !outcome.Accepted || !outcome.Changed {
		t.Fatalf("expected new record to be accepted and changed, got %#v", outcome)
	}
	if outcome.Stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", outcome.Stored.Version)
	}
	if outcome.Stored.ReceivedAtMillis != appliedAt.UnixMilli() {
		t.Fatalf("expected received_at to be the applied time")
	}
	if outcome.Audit == nil || outcome.Audit.PreviousVersion != nil {
		t.Fatalf("expected audit without previous version, got %#v", outcome.Audit)
	}
	if outcome.Audit.NewVersion == nil || *outcome.Audit.NewVersion != 1 {
		t.Fatalf("unexpected new version %#v", outcome.Audit.NewVersion)
	}
}

func TestResolvePushAcceptsNewerWrite(t *testing.T) {
	existing := &Record{
		WarehouseID:        "finca-norte",
		Collection:         string(records.CollectionInventory),
		RecordID:           "item-1",
		ServerID:           "srv-1",
		LastModifiedMillis: 1700000000000,
		PayloadJSON:        `{"name":"Urea"}`,
		Version:            3,
		LastWriterUserID:   "user-1",
	}
	outcome := resolvePush(existing, records.CollectionInventory, pushed("item-1", 1700000005000, `{"name":"Urea 46%"}`), "finca-norte", "user-2", time.UnixMilli(1700000009000))

	if !outcome.Accepted || !outcome.Changed {
		t.Fatalf("expected newer push to be applied")
	}
	if outcome.Stored.ServerID != "srv-1" {
		t.Fatalf("expected server id to be preserved, got %s", outcome.Stored.ServerID)
	}
	if outcome.Stored.Version != 4 || outcome.Stored.LastWriterUserID != "user-2" {
		t.Fatalf("unexpected stored record %#v", outcome.Stored)
	}
	if outcome.Audit.PreviousVersion == nil || *outcome.Audit.PreviousVersion != 3 {
		t.Fatalf("unexpected previous version %#v", outcome.Audit.PreviousVersion)
	}
}

func TestResolvePushRejectsStaleWrite(t *testing.T) {
	existing := &Record{
		WarehouseID:        "finca-norte",
		Collection:         string(records.CollectionInventory),
		RecordID:           "item-1",
		LastModifiedMillis: 1700000005000,
		PayloadJSON:        `{"name":"Urea 46%"}`,
		Version:            2,
	}
	outcome := resolvePush(existing, records.CollectionInventory, pushed("item-1", 1700000000000, `{"name":"Urea"}`), "finca-norte", "user-1", time.UnixMilli(1700000009000))

	if outcome.Accepted {
		t.Fatalf("expected stale push to lose")
	}
	if outcome.Stored.PayloadJSON != existing.PayloadJSON {
		t.Fatalf("expected stored version to be returned")
	}
	if outcome.Audit != nil {
		t.Fatalf("expected no audit record for a stale push")
	}
}

func TestResolvePushTreatsRepushAsIdempotent(t *testing.T) {
	existing := &Record{
		WarehouseID:        "finca-norte",
		Collection:         string(records.CollectionInventory),
		RecordID:           "item-1",
		LastModifiedMillis: 1700000000000,
		PayloadJSON:        `{"name":"Urea"}`,
		Version:            1,
	}
	outcome := resolvePush(existing, records.CollectionInventory, pushed("item-1", 1700000000000, `{"name":"Urea"}`), "finca-norte", "user-1", time.UnixMilli(1700000009000))

	if !outcome.Accepted || outcome.Changed {
		t.Fatalf("expected idempotent accept, got %#v", outcome)
	}
	if outcome.Stored.Version != 1 {
		t.Fatalf("expected version to stay at 1, got %d", outcome.Stored.Version)
	}
}

func TestResolvePushTieWithDifferentPayloadOverwrites(t *testing.T) {
	existing := &Record{
		WarehouseID:        "finca-norte",
		Collection:         string(records.CollectionInventory),
		RecordID:           "item-1",
		LastModifiedMillis: 1700000000000,
		PayloadJSON:        `{"name":"Urea"}`,
		Version:            1,
	}
	outcome := resolvePush(existing, records.CollectionInventory, pushed("item-1", 1700000000000, `{"name":"Cal"}`), "finca-norte", "user-2", time.UnixMilli(1700000009000))

	if !outcome.Accepted || !outcome.Changed {
		t.Fatalf("expected tie with a different payload to be applied")
	}
	if outcome.Stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", outcome.Stored.Version)
	}
}
