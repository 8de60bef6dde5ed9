package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/delta"
	"github.com/datosfinca/agrobodega/internal/merge"
	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
)

var (
	errMissingDependency = errors.New("syncer: planner, exchanger, resolver and state are required")
	noOpLogger           = zap.NewNop()
)

// Exchanger sends one sync request; transport.Client implements it.
type Exchanger interface {
	Exchange(ctx context.Context, request protocol.SyncRequest) (protocol.SyncResponse, error)
}

// Planner computes the work of a cycle.
type Planner interface {
	Plan(ctx context.Context) (delta.Plan, error)
	PlanHydrate(ctx context.Context) (delta.Plan, error)
}

// Resolver folds a response into the store.
type Resolver interface {
	Acknowledge(ctx context.Context, pushed map[records.Collection][]records.Record, response protocol.SyncResponse) (merge.Outcome, error)
	Merge(ctx context.Context, updates map[records.Collection][]records.Record) (merge.Outcome, error)
}

// State persists the last successful sync and the audit trail.
type State interface {
	SetLastSync(ctx context.Context, at time.Time) error
	AppendAudit(ctx context.Context, entry store.AuditRecord)
}

// RejectedError reports records the server refused. The cycle otherwise completed.
type RejectedError struct {
	Rejected map[string][]protocol.Rejection
}

func (e *RejectedError) Error() string {
	total := 0
	var sample string
	for collection, batch := range e.Rejected {
		total += len(batch)
		if sample == "" && len(batch) > 0 {
			sample = fmt.Sprintf("%s/%s: %s", collection, batch[0].ID, batch[0].Reason)
		}
	}
	return fmt.Sprintf("server rejected %d records (%s)", total, sample)
}

// Report summarises one cycle.
type Report struct {
	Skipped      bool
	Pushed       int
	Acknowledged int
	Requeued     int
	Pulled       int
	Merge        merge.Outcome
	Rejected     int
	LastSync     time.Time
}

// Config wires a Runner.
type Config struct {
	OwnerGroupID string
	Planner      Planner
	Exchanger    Exchanger
	Resolver     Resolver
	State        State
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Runner executes sync cycles: plan, exchange, acknowledge, merge, record the last sync.
// It holds no lock; callers serialise cycles.
type Runner struct {
	ownerGroupID string
	planner      Planner
	exchanger    Exchanger
	resolver     Resolver
	state        State
	clock        func() time.Time
	logger       *zap.Logger
}

// NewRunner validates the configuration.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Planner == nil || cfg.Exchanger == nil || cfg.Resolver == nil || cfg.State == nil {
		return nil, errMissingDependency
	}
	if strings.TrimSpace(cfg.OwnerGroupID) == "" {
		return nil, store.ErrMissingScope
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		ownerGroupID: cfg.OwnerGroupID,
		planner:      cfg.Planner,
		exchanger:    cfg.Exchanger,
		resolver:     cfg.Resolver,
		state:        cfg.State,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Run performs one incremental cycle. It makes no network call when there is nothing
// to push and the device never synced.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	plan, err := r.planner.Plan(ctx)
	if err != nil {
		return Report{}, err
	}
	if plan.Skip() {
		r.logger.Debug("sync skipped, nothing to do", zap.String("owner_group_id", r.ownerGroupID))
		return Report{Skipped: true}, nil
	}
	return r.execute(ctx, plan, "sync")
}

// Hydrate performs a cycle that pulls everything the server holds for the owner group.
func (r *Runner) Hydrate(ctx context.Context) (Report, error) {
	plan, err := r.planner.PlanHydrate(ctx)
	if err != nil {
		return Report{}, err
	}
	return r.execute(ctx, plan, "hydrate")
}

func (r *Runner) execute(ctx context.Context, plan delta.Plan, kind string) (Report, error) {
	started := r.clock()
	report := Report{Pushed: plan.PushCount()}

	request, err := protocol.NewSyncRequest(r.ownerGroupID, plan.Since, plan.Pull, plan.Push)
	if err != nil {
		return report, err
	}
	response, err := r.exchanger.Exchange(ctx, request)
	if err != nil {
		r.audit(ctx, store.AuditFailure, fmt.Sprintf("%s failed after pushing %d records: %v", kind, report.Pushed, err))
		return report, err
	}

	acknowledged, err := r.resolver.Acknowledge(ctx, plan.Push, response)
	if err != nil {
		return report, err
	}
	report.Acknowledged = acknowledged.Acknowledged
	report.Requeued = acknowledged.Requeued

	updates, err := response.Updates()
	if err != nil {
		return report, err
	}
	for _, batch := range updates {
		report.Pulled += len(batch)
	}
	merged, err := r.resolver.Merge(ctx, updates)
	if err != nil {
		return report, err
	}
	report.Merge = merged

	report.Rejected = response.RejectedCount()
	if report.Rejected > 0 {
		rejectedErr := &RejectedError{Rejected: response.Rejected}
		r.logger.Warn("server rejected records",
			zap.String("owner_group_id", r.ownerGroupID),
			zap.Int("rejected", report.Rejected),
			zap.Error(rejectedErr))
		r.audit(ctx, store.AuditFailure, fmt.Sprintf("%s: %v", kind, rejectedErr))
		return report, rejectedErr
	}

	lastSync := started
	if serverTime, ok := response.Time(); ok {
		lastSync = serverTime
	}
	if err := r.state.SetLastSync(ctx, lastSync); err != nil {
		return report, err
	}
	report.LastSync = records.Timestamp(lastSync)

	r.logger.Info("sync cycle completed",
		zap.String("owner_group_id", r.ownerGroupID),
		zap.String("kind", kind),
		zap.Int("pushed", report.Pushed),
		zap.Int("acknowledged", report.Acknowledged),
		zap.Int("requeued", report.Requeued),
		zap.Int("pulled", report.Pulled),
		zap.Duration("elapsed", r.clock().Sub(started)))
	r.audit(ctx, store.AuditSuccess, fmt.Sprintf("%s: pushed %d, pulled %d", kind, report.Pushed, report.Pulled))
	return report, nil
}

func (r *Runner) audit(ctx context.Context, status store.AuditStatus, details string) {
	r.state.AppendAudit(ctx, store.AuditRecord{
		Action:  store.AuditSync,
		Entity:  "system",
		Status:  status,
		Details: details,
	})
}
