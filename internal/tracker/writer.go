package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
)

var (
	errMissingStore = errors.New("tracker: store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the persistence the writer mutates.
type Store interface {
	Get(ctx context.Context, collection records.Collection, id string) (records.Record, bool, error)
	Modify(ctx context.Context, collection records.Collection, id string, fn store.Mutator) (records.Record, bool, error)
	Delete(ctx context.Context, collection records.Collection, id string) error
	AppendAudit(ctx context.Context, entry store.AuditRecord)
}

// Listener is told about every successful local mutation.
type Listener func(collection records.Collection, id string)

// WriterConfig wires a Writer.
type WriterConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Writer is the single path through which user edits reach the store. It stamps
// timestamps and sync status, writes the audit trail and notifies listeners.
type Writer struct {
	store      Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewWriter validates the configuration and constructs a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Writer{
		store:      cfg.Store,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Subscribe registers a listener for subsequent mutations.
func (w *Writer) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, listener)
	w.mu.Unlock()
}

// Write creates or updates a record and returns the stamped version.
func (w *Writer) Write(ctx context.Context, collection records.Collection, record records.Record) (records.Record, error) {
	if !collection.Valid() {
		return records.Record{}, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
	}
	if strings.TrimSpace(record.ID) == "" {
		id, err := w.idProvider.NewID()
		if err != nil {
			return records.Record{}, fmt.Errorf("tracker: generate id: %w", err)
		}
		record.ID = id
	}

	var previous *records.Record
	saved, _, err := w.store.Modify(ctx, collection, record.ID, func(current *records.Record) (records.Record, bool, error) {
		now := w.clock()
		if current == nil {
			return StampCreate(record, now), true, nil
		}
		prior := *current
		previous = &prior
		return StampUpdate(prior, record, now), true, nil
	})
	if err != nil {
		w.logger.Warn("local write rejected",
			zap.String("collection", string(collection)),
			zap.String("record_id", record.ID),
			zap.Error(err))
		return records.Record{}, err
	}

	entry := store.AuditRecord{
		Action:   store.AuditCreate,
		Entity:   collection.AuditEntity(),
		EntityID: saved.ID,
		NewData:  saved.Payload,
	}
	if previous != nil {
		entry.Action = store.AuditUpdate
		entry.PreviousData = previous.Payload
	}
	w.store.AppendAudit(ctx, entry)
	w.notify(collection, saved.ID)
	return saved, nil
}

// Delete removes a record locally. Deletes are not propagated to the server.
func (w *Writer) Delete(ctx context.Context, collection records.Collection, id string) error {
	previous, found, err := w.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if err := w.store.Delete(ctx, collection, id); err != nil {
		return err
	}
	if !found {
		return nil
	}
	w.store.AppendAudit(ctx, store.AuditRecord{
		Action:       store.AuditDelete,
		Entity:       collection.AuditEntity(),
		EntityID:     id,
		PreviousData: previous.Payload,
	})
	w.notify(collection, id)
	return nil
}

func (w *Writer) notify(collection records.Collection, id string) {
	w.mu.RLock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, listener := range listeners {
		listener(collection, id)
	}
}
