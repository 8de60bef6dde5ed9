package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/syncer"
	"github.com/datosfinca/agrobodega/internal/transport"
)

const (
	// DefaultDebounce is the quiet period after the last mutation before a cycle starts.
	DefaultDebounce = 5 * time.Second
	// DefaultInterval is the periodic sync interval.
	DefaultInterval = 5 * time.Minute
	// DefaultProbeInterval is how often the prober checks connectivity.
	DefaultProbeInterval = 30 * time.Second
)

var (
	// ErrCycleInFlight is returned by RunNow while another cycle is running.
	ErrCycleInFlight = errors.New("orchestrator: sync cycle already in flight")
	// ErrOffline is returned by RunNow while the device is offline.
	ErrOffline = errors.New("orchestrator: offline")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")

	errMissingCycle = errors.New("orchestrator: cycle function is required")
	noOpLogger      = zap.NewNop()
)

var _ transport.Observer = (*Orchestrator)(nil)

// Phase is the scheduling state of the orchestrator.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScheduled
	PhaseRunning
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhaseRunning:
		return "running"
	case PhaseBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// SyncState is the observable status of the orchestrator.
type SyncState struct {
	Phase      Phase
	IsSyncing  bool
	LastError  error
	Online     bool
	LastSyncAt time.Time
}

// CycleFunc runs one sync cycle.
type CycleFunc func(ctx context.Context) (syncer.Report, error)

// Prober checks whether the server is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config wires an Orchestrator. Zero durations select the defaults; a negative
// Interval or ProbeInterval disables that trigger.
type Config struct {
	Cycle         CycleFunc
	Prober        Prober
	Debounce      time.Duration
	Interval      time.Duration
	ProbeInterval time.Duration
	StartOffline  bool
	LastSyncAt    time.Time
	Logger        *zap.Logger
}

// Orchestrator decides when sync cycles run. A single event loop owns the timers; at
// most one cycle is in flight and triggers arriving meanwhile are dropped.
type Orchestrator struct {
	cycle         CycleFunc
	prober        Prober
	debounce      time.Duration
	interval      time.Duration
	probeInterval time.Duration
	logger        *zap.Logger
	broadcaster   *Broadcaster

	mutations chan struct{}
	triggers  chan string
	done      chan struct{}

	running   atomic.Bool
	probing   atomic.Bool
	scheduled atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc

	mu    sync.RWMutex
	state SyncState
}

// New validates the configuration and constructs an Orchestrator. Call Start to begin
// reacting to triggers.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Cycle == nil {
		return nil, errMissingCycle
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	probeInterval := cfg.ProbeInterval
	if probeInterval == 0 {
		probeInterval = DefaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		cycle:         cfg.Cycle,
		prober:        cfg.Prober,
		debounce:      debounce,
		interval:      interval,
		probeInterval: probeInterval,
		logger:        logger,
		broadcaster:   NewBroadcaster(),
		mutations:     make(chan struct{}, 1),
		triggers:      make(chan string, 1),
		done:          make(chan struct{}),
		state: SyncState{
			Phase:      PhaseIdle,
			Online:     !cfg.StartOffline,
			LastSyncAt: cfg.LastSyncAt,
		},
	}, nil
}

// Start launches the event loop. Cycles started by the loop run detached from ctx's
// cancellation; cancelling ctx stops the loop only.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if o.closed.Load() {
			return
		}
		o.baseCtx, o.cancel = context.WithCancel(ctx)
		o.started.Store(true)
		o.wg.Add(1)
		go o.loop()
	})
}

// Close stops the event loop and waits for the in-flight cycle to finish.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.done)
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
	})
	return nil
}

// NotifyMutation schedules a debounced cycle.
func (o *Orchestrator) NotifyMutation() {
	select {
	case o.mutations <- struct{}{}:
	default:
	}
}

// TriggerNow asks the event loop for an immediate cycle.
func (o *Orchestrator) TriggerNow() {
	o.trigger("manual")
}

func (o *Orchestrator) trigger(reason string) {
	select {
	case o.triggers <- reason:
	default:
	}
}

// SetOnline records connectivity. Going from offline to online triggers a cycle.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.state.Online
	o.state.Online = online
	snapshot := o.state
	o.mu.Unlock()
	if was == online {
		return
	}
	o.logger.Info("connectivity changed", zap.Bool("online", online))
	o.broadcaster.Publish(snapshot)
	if online && o.started.Load() {
		o.trigger("reconnect")
	}
}

// SyncState returns the current status.
func (o *Orchestrator) SyncState() SyncState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Subscribe streams status changes until ctx is done or cleanup is called.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan SyncState, func()) {
	return o.broadcaster.Subscribe(ctx)
}

// RunNow runs a cycle synchronously under the in-flight guard.
func (o *Orchestrator) RunNow(ctx context.Context) (syncer.Report, error) {
	return o.RunWith(ctx, o.cycle)
}

// RunWith runs fn synchronously under the same in-flight guard as scheduled cycles.
func (o *Orchestrator) RunWith(ctx context.Context, fn CycleFunc) (syncer.Report, error) {
	if o.closed.Load() {
		return syncer.Report{}, ErrClosed
	}
	if !o.SyncState().Online {
		return syncer.Report{}, ErrOffline
	}
	if !o.running.CompareAndSwap(false, true) {
		return syncer.Report{}, ErrCycleInFlight
	}
	return o.execute(ctx, fn, "explicit")
}

// AttemptStarted implements transport.Observer.
func (o *Orchestrator) AttemptStarted(attempt int) {
	if attempt > 1 {
		o.setPhase(PhaseRunning)
	}
}

// AttemptFailed implements transport.Observer.
func (o *Orchestrator) AttemptFailed(attempt int, err error, willRetry bool) {
	if willRetry {
		o.setPhase(PhaseBackoff)
	}
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
	}
	defer stopDebounce()

	var intervalC <-chan time.Time
	if o.interval > 0 {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		intervalC = ticker.C
	}
	var probeC <-chan time.Time
	if o.prober != nil && o.probeInterval > 0 {
		ticker := time.NewTicker(o.probeInterval)
		defer ticker.Stop()
		probeC = ticker.C
		o.probe()
	}

	for {
		select {
		case <-o.done:
			return
		case <-o.baseCtx.Done():
			return
		case <-o.mutations:
			stopDebounce()
			debounce = time.NewTimer(o.debounce)
			debounceC = debounce.C
			o.scheduled.Store(true)
			if !o.running.Load() {
				o.setPhase(PhaseScheduled)
			}
		case <-debounceC:
			debounceC = nil
			o.scheduled.Store(false)
			o.launch("debounce")
		case <-intervalC:
			o.launch("interval")
		case reason := <-o.triggers:
			o.launch(reason)
		case <-probeC:
			o.probe()
		}
	}
}

func (o *Orchestrator) launch(reason string) {
	if !o.SyncState().Online {
		o.logger.Debug("sync trigger ignored while offline", zap.String("trigger", reason))
		o.settle()
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("sync trigger dropped, cycle in flight", zap.String("trigger", reason))
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.execute(context.WithoutCancel(o.baseCtx), o.cycle, reason)
	}()
}

// execute must be called with the running flag acquired.
func (o *Orchestrator) execute(ctx context.Context, fn CycleFunc, reason string) (syncer.Report, error) {
	defer o.running.Store(false)

	o.mu.Lock()
	o.state.Phase = PhaseRunning
	o.state.IsSyncing = true
	snapshot := o.state
	o.mu.Unlock()
	o.broadcaster.Publish(snapshot)

	report, err := fn(ctx)
	if err != nil {
		o.logger.Warn("sync cycle failed", zap.String("trigger", reason), zap.Error(err))
	} else if !report.Skipped {
		o.logger.Debug("sync cycle finished", zap.String("trigger", reason), zap.Int("pushed", report.Pushed), zap.Int("pulled", report.Pulled))
	}

	o.mu.Lock()
	o.state.IsSyncing = false
	o.state.LastError = err
	if !report.LastSync.IsZero() {
		o.state.LastSyncAt = report.LastSync
	}
	if o.prober != nil && transport.IsUnreachable(err) && o.state.Online {
		o.state.Online = false
		o.logger.Info("server unreachable, marking offline")
	}
	o.state.Phase = PhaseIdle
	if o.scheduled.Load() {
		o.state.Phase = PhaseScheduled
	}
	snapshot = o.state
	o.mu.Unlock()
	o.broadcaster.Publish(snapshot)
	return report, err
}

func (o *Orchestrator) probe() {
	if !o.probing.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.probing.Store(false)
		err := o.prober.Ping(o.baseCtx)
		if o.baseCtx.Err() != nil {
			return
		}
		o.SetOnline(err == nil)
	}()
}

func (o *Orchestrator) settle() {
	o.mu.Lock()
	if o.state.IsSyncing || o.state.Phase == PhaseIdle {
		o.mu.Unlock()
		return
	}
	o.state.Phase = PhaseIdle
	snapshot := o.state
	o.mu.Unlock()
	o.broadcaster.Publish(snapshot)
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	if o.state.Phase == phase {
		o.mu.Unlock()
		return
	}
	o.state.Phase = phase
	snapshot := o.state
	o.mu.Unlock()
	o.broadcaster.Publish(snapshot)
}
