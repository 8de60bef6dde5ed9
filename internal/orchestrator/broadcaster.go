package orchestrator

import (
	"context"
	"sync"
)

// Broadcaster fans SyncState snapshots out to subscribers. Slow subscribers miss
// intermediate states rather than blocking the orchestrator.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]chan SyncState
	nextID      int64
	bufferSize  int
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]chan SyncState),
		bufferSize:  16,
	}
}

// Subscribe returns a stream of states and a cleanup function. The subscription also
// ends when ctx is done; either way the stream is closed.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan SyncState, func()) {
	stream := make(chan SyncState, b.bufferSize)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subscribers, id)
			close(stream)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return stream, cleanup
}

// Publish delivers state to every subscriber that has buffer room.
func (b *Broadcaster) Publish(state SyncState) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, stream := range b.subscribers {
		select {
		case stream <- state:
		default:
		}
	}
}
