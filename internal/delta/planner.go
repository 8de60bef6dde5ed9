package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

var errMissingSource = errors.New("delta: source is required")

// Source is the read side of the store the planner inspects.
type Source interface {
	GetAll(ctx context.Context, collection records.Collection) ([]records.Record, error)
	LastSync(ctx context.Context) (time.Time, bool, error)
}

// Plan is the work one sync cycle has to do.
type Plan struct {
	// Push holds every record not yet confirmed by the server, per collection.
	Push map[records.Collection][]records.Record
	// Pull is set when the server should be asked for changes since Since.
	Pull  bool
	Since time.Time
}

// PushCount returns the number of records to push.
func (p Plan) PushCount() int {
	total := 0
	for _, batch := range p.Push {
		total += len(batch)
	}
	return total
}

// Skip reports whether the cycle has nothing to push and nothing to pull.
func (p Plan) Skip() bool {
	return p.PushCount() == 0 && !p.Pull
}

// Planner computes Plans from the local store.
type Planner struct {
	source Source
}

// NewPlanner constructs a Planner.
func NewPlanner(source Source) (*Planner, error) {
	if source == nil {
		return nil, errMissingSource
	}
	return &Planner{source: source}, nil
}

// Plan collects the dirty records and the incremental pull window. It never writes.
func (p *Planner) Plan(ctx context.Context) (Plan, error) {
	plan, err := p.collectPush(ctx)
	if err != nil {
		return Plan{}, err
	}
	since, ok, err := p.source.LastSync(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("delta: read last sync: %w", err)
	}
	plan.Pull = ok
	plan.Since = since
	return plan, nil
}

// PlanHydrate pushes the dirty records and pulls everything the server holds, which is
// how a fresh device downloads an existing farm.
func (p *Planner) PlanHydrate(ctx context.Context) (Plan, error) {
	plan, err := p.collectPush(ctx)
	if err != nil {
		return Plan{}, err
	}
	plan.Pull = true
	plan.Since = time.UnixMilli(0).UTC()
	return plan, nil
}

func (p *Planner) collectPush(ctx context.Context) (Plan, error) {
	plan := Plan{Push: make(map[records.Collection][]records.Record)}
	for _, collection := range records.Collections() {
		all, err := p.source.GetAll(ctx, collection)
		if err != nil {
			return Plan{}, fmt.Errorf("delta: read %s: %w", collection, err)
		}
		for _, record := range all {
			if record.SyncStatus.Dirty() {
				plan.Push[collection] = append(plan.Push[collection], record)
			}
		}
	}
	return plan, nil
}
