package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datosfinca/agrobodega/internal/protocol"
)

const (
	// EventRecordsChanged is emitted on a warehouse stream after a sync stored new versions.
	EventRecordsChanged = "records-changed"
	eventHeartbeat      = "heartbeat"
	eventSource         = "datosfinca-sync"
)

// ChangeMessage announces records accepted for a warehouse.
type ChangeMessage struct {
	WarehouseID string
	EventType   string
	Records     map[string][]string
	ServerTime  string
	Timestamp   time.Time
}

// ChangeFeed fans out warehouse change notifications to stream subscribers.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan ChangeMessage
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for warehouseID until ctx is done or cleanup is called,
// then closes it.
func (f *ChangeFeed) Subscribe(ctx context.Context, warehouseID string) (<-chan ChangeMessage, func()) {
	if warehouseID == "" {
		ch := make(chan ChangeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan ChangeMessage, f.bufferSize),
	}
	f.register(warehouseID, subscriber)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			f.unregister(warehouseID, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking; slow subscribers miss it.
func (f *ChangeFeed) Publish(message ChangeMessage) {
	if message.WarehouseID == "" || message.EventType == "" {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, subscriber := range f.subscribers[message.WarehouseID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *ChangeFeed) register(warehouseID string, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[warehouseID]; !ok {
		f.subscribers[warehouseID] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[warehouseID][subscriber.id] = subscriber
}

func (f *ChangeFeed) unregister(warehouseID string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[warehouseID]
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
		if len(subscribers) == 0 {
			delete(f.subscribers, warehouseID)
		}
	}
	f.mu.Unlock()
}

// collectAcceptedIDs returns the sorted accepted ids per wire collection, or nil.
func collectAcceptedIDs(response protocol.SyncResponse) map[string][]string {
	var out map[string][]string
	for wireName, ids := range response.AcceptedIDs {
		filtered := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != "" {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		sort.Strings(filtered)
		if out == nil {
			out = make(map[string][]string)
		}
		out[wireName] = filtered
	}
	return out
}
