// Package engine wires the offline-first sync core for one owner group: the entity
// store, the dirty tracker, the sync runner and the orchestrator that schedules it.
package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datosfinca/agrobodega/internal/delta"
	"github.com/datosfinca/agrobodega/internal/merge"
	"github.com/datosfinca/agrobodega/internal/orchestrator"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
	"github.com/datosfinca/agrobodega/internal/syncer"
	"github.com/datosfinca/agrobodega/internal/tracker"
	"github.com/datosfinca/agrobodega/internal/transport"
)

// ErrNoRemote is returned by sync operations of an engine opened without an endpoint.
var ErrNoRemote = errors.New("engine: no sync endpoint configured")

// Config wires an Engine. Zero durations select the component defaults; a negative
// Interval or ProbeInterval disables that trigger.
type Config struct {
	Database     *gorm.DB
	OwnerGroupID string

	Endpoint       string
	Token          string
	HTTPClient     *http.Client
	MaxAttempts    int
	InitialBackoff time.Duration
	RequestTimeout time.Duration

	Debounce      time.Duration
	Interval      time.Duration
	ProbeInterval time.Duration
	StartOffline  bool

	Clock      func() time.Time
	IDProvider tracker.IDProvider
	Logger     *zap.Logger
	OnWarning  func(store.Warning)
}

// Engine is the host-facing facade of the sync core.
type Engine struct {
	store        *store.Store
	writer       *tracker.Writer
	runner       *syncer.Runner
	client       *transport.Client
	orchestrator *orchestrator.Orchestrator
	clock        func() time.Time
	logger       *zap.Logger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Open loads the owner group's local state and wires the sync pipeline. Call Start to
// enable background sync.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("owner_group_id", strings.TrimSpace(cfg.OwnerGroupID)))
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	entityStore, err := store.Open(ctx, store.Config{
		Database:     cfg.Database,
		OwnerGroupID: cfg.OwnerGroupID,
		Logger:       logger,
		Clock:        clock,
		OnWarning:    cfg.OnWarning,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{store: entityStore, clock: clock, logger: logger}
	fail := func(err error) (*Engine, error) {
		_ = entityStore.Close()
		return nil, err
	}

	e.writer, err = tracker.NewWriter(tracker.WriterConfig{
		Store:      entityStore,
		Clock:      clock,
		IDProvider: cfg.IDProvider,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}

	lastSync, _, err := entityStore.LastSync(ctx)
	if err != nil {
		return fail(err)
	}

	remote := strings.TrimSpace(cfg.Endpoint) != ""
	orchestratorConfig := orchestrator.Config{
		Cycle:         e.runCycle,
		Debounce:      cfg.Debounce,
		Interval:      cfg.Interval,
		ProbeInterval: cfg.ProbeInterval,
		StartOffline:  cfg.StartOffline || !remote,
		LastSyncAt:    lastSync,
		Logger:        logger,
	}
	if remote && cfg.ProbeInterval >= 0 {
		orchestratorConfig.Prober = pingFunc(e.ping)
	}
	if !remote {
		orchestratorConfig.Interval = -1
	}
	e.orchestrator, err = orchestrator.New(orchestratorConfig)
	if err != nil {
		return fail(err)
	}

	if remote {
		e.client, err = transport.NewClient(transport.Config{
			Endpoint:       cfg.Endpoint,
			Token:          cfg.Token,
			HTTPClient:     cfg.HTTPClient,
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         logger,
			Observer:       e.orchestrator,
		})
		if err != nil {
			return fail(err)
		}
		planner, err := delta.NewPlanner(entityStore)
		if err != nil {
			return fail(err)
		}
		resolver, err := merge.NewResolver(entityStore, logger)
		if err != nil {
			return fail(err)
		}
		e.runner, err = syncer.NewRunner(syncer.Config{
			OwnerGroupID: entityStore.OwnerGroupID(),
			Planner:      planner,
			Exchanger:    e.client,
			Resolver:     resolver,
			State:        entityStore,
			Clock:        clock,
			Logger:       logger,
		})
		if err != nil {
			return fail(err)
		}
	}

	e.writer.Subscribe(func(records.Collection, string) {
		e.orchestrator.NotifyMutation()
	})
	return e, nil
}

func (e *Engine) runCycle(ctx context.Context) (syncer.Report, error) {
	if e.runner == nil {
		return syncer.Report{}, ErrNoRemote
	}
	return e.runner.Run(ctx)
}

func (e *Engine) runHydrate(ctx context.Context) (syncer.Report, error) {
	if e.runner == nil {
		return syncer.Report{}, ErrNoRemote
	}
	return e.runner.Hydrate(ctx)
}

func (e *Engine) ping(ctx context.Context) error {
	if e.client == nil {
		return ErrNoRemote
	}
	return e.client.Ping(ctx)
}

// Start enables debounced, periodic and reconnect-triggered sync.
func (e *Engine) Start(ctx context.Context) {
	e.orchestrator.Start(ctx)
}

// Close stops scheduling, waits for the in-flight cycle and flushes the store.
func (e *Engine) Close() error {
	closeErr := e.orchestrator.Close()
	if err := e.store.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// OwnerGroupID returns the scope the engine is bound to.
func (e *Engine) OwnerGroupID() string {
	return e.store.OwnerGroupID()
}

// RecordMutation creates or updates a record and schedules a sync.
func (e *Engine) RecordMutation(ctx context.Context, collection records.Collection, record records.Record) (records.Record, error) {
	return e.writer.Write(ctx, collection, record)
}

// Delete removes a record from this device only.
func (e *Engine) Delete(ctx context.Context, collection records.Collection, id string) error {
	return e.writer.Delete(ctx, collection, id)
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, collection records.Collection, id string) (records.Record, bool, error) {
	return e.store.Get(ctx, collection, id)
}

// List returns every record of a collection.
func (e *Engine) List(ctx context.Context, collection records.Collection) ([]records.Record, error) {
	return e.store.GetAll(ctx, collection)
}

// SyncNow runs an incremental cycle and waits for it.
func (e *Engine) SyncNow(ctx context.Context) (syncer.Report, error) {
	if e.runner == nil {
		return syncer.Report{}, ErrNoRemote
	}
	return e.orchestrator.RunNow(ctx)
}

// Hydrate pulls everything the server holds for the owner group, pushing local edits first.
func (e *Engine) Hydrate(ctx context.Context) (syncer.Report, error) {
	if e.runner == nil {
		return syncer.Report{}, ErrNoRemote
	}
	return e.orchestrator.RunWith(ctx, e.runHydrate)
}

// SyncState returns the current sync status.
func (e *Engine) SyncState() orchestrator.SyncState {
	return e.orchestrator.SyncState()
}

// Subscribe streams sync status changes.
func (e *Engine) Subscribe(ctx context.Context) (<-chan orchestrator.SyncState, func()) {
	return e.orchestrator.Subscribe(ctx)
}

// SetOnline reports connectivity observed by the host.
func (e *Engine) SetOnline(online bool) {
	if e.runner == nil {
		return
	}
	e.orchestrator.SetOnline(online)
}

// Degraded reports whether local writes are waiting for a successful flush.
func (e *Engine) Degraded() bool {
	return e.store.Degraded()
}

// Pending counts the records waiting to be pushed.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	total := 0
	for _, collection := range records.Collections() {
		all, err := e.store.GetAll(ctx, collection)
		if err != nil {
			return 0, err
		}
		for _, record := range all {
			if record.SyncStatus.Dirty() {
				total++
			}
		}
	}
	return total, nil
}

// AuditLog returns the newest audit entries first.
func (e *Engine) AuditLog(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	return e.store.AuditLog(ctx, limit)
}
