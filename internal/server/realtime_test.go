package server

import (
	"context"
	"testing"
	"time"

	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
)

func TestChangeFeedPublishesToSubscriber(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := feed.Subscribe(ctx, "finca-norte")
	defer cleanup()

	feed.Publish(ChangeMessage{
		WarehouseID: "finca-norte",
		EventType:   EventRecordsChanged,
		Records:     map[string][]string{"inventoryItem": {"item-a", "item-b"}},
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != EventRecordsChanged {
			t.Fatalf("expected event type %s, got %s", EventRecordsChanged, received.EventType)
		}
		if len(received.Records["inventoryItem"]) != 2 {
			t.Fatalf("expected 2 record ids, got %v", received.Records)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change message within deadline")
	}
}

func TestChangeFeedIsolatedByWarehouse(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := feed.Subscribe(ctx, "finca-sur")
	defer cleanup()

	feed.Publish(ChangeMessage{WarehouseID: "finca-norte", EventType: EventRecordsChanged})

	select {
	case received := <-stream:
		t.Fatalf("unexpected message for another warehouse: %#v", received)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChangeFeedUnsubscribesOnContextCancel(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = feed.Subscribe(ctx, "finca-norte")
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		feed.mu.RLock()
		remaining := len(feed.subscribers)
		feed.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected subscriber to be removed after cancel")
}

func TestCollectAcceptedIDs(t *testing.T) {
	response := protocol.NewSyncResponse(time.Now())
	response.Accept(records.CollectionInventory, "item-2", "srv-2")
	response.Accept(records.CollectionInventory, "item-1", "srv-1")
	response.Accept(records.CollectionMovements, "", "")

	ids := collectAcceptedIDs(response)
	expected := []string{"item-1", "item-2"}
	got := ids[records.CollectionInventory.WireName()]
	if len(got) != len(expected) {
		t.Fatalf("expected %d identifiers, got %v", len(expected), got)
	}
	for index, expectedID := range expected {
		if got[index] != expectedID {
			t.Fatalf("expected identifier %s at index %d, got %s", expectedID, index, got[index])
		}
	}
	if _, ok := ids[records.CollectionMovements.WireName()]; ok {
		t.Fatalf("expected empty ids to be skipped")
	}
}

func TestCollectAcceptedIDsEmpty(t *testing.T) {
	if ids := collectAcceptedIDs(protocol.NewSyncResponse(time.Now())); ids != nil {
		t.Fatalf("expected nil identifiers, got %v", ids)
	}
}

func TestChangeFeedCleanupClosesStream(t *testing.T) {
	feed := NewChangeFeed()
	stream, cleanup := feed.Subscribe(context.Background(), "finca-norte")
	cleanup()
	feed.Publish(ChangeMessage{WarehouseID: "finca-norte", EventType: EventRecordsChanged})

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected no message after cleanup")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to be closed by cleanup")
	}
	feed.mu.RLock()
	remaining := len(feed.subscribers)
	feed.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d", remaining)
	}
}
