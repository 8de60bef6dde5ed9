package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/protocol"
	"github.com/datosfinca/agrobodega/internal/records"
	"github.com/datosfinca/agrobodega/internal/store"
)

var (
	errMissingStore = errors.New("merge: store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the transactional write side the resolver needs.
type Store interface {
	BulkModify(ctx context.Context, collection records.Collection, ids []string, fn store.BulkMutator) (int, error)
}

// Outcome counts what a merge or acknowledgement did.
type Outcome struct {
	Inserted     int
	Overwritten  int
	KeptLocal    int
	Acknowledged int
	Requeued     int
}

// Resolver folds server responses into the local store.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(s Store, logger *zap.Logger) (*Resolver, error) {
	if s == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{store: s, logger: logger}, nil
}

// Merge applies pulled records with Resolve, writing each collection in one transaction.
func (r *Resolver) Merge(ctx context.Context, updates map[records.Collection][]records.Record) (Outcome, error) {
	var outcome Outcome
	for _, collection := range records.Collections() {
		batch := updates[collection]
		if len(batch) == 0 {
			continue
		}
		byID := make(map[string]records.Record, len(batch))
		ids := make([]string, 0, len(batch))
		for _, remote := range batch {
			if existing, seen := byID[remote.ID]; seen {
				if !remote.LastModified.After(existing.LastModified) {
					continue
				}
			} else {
				ids = append(ids, remote.ID)
			}
			byID[remote.ID] = remote
		}

		_, err := r.store.BulkModify(ctx, collection, ids, func(id string, current *records.Record) (records.Record, bool) {
			decision := Resolve(current, byID[id])
			switch decision.Action {
			case ActionInsert:
				outcome.Inserted++
			case ActionOverwrite:
				outcome.Overwritten++
			default:
				outcome.KeptLocal++
				return records.Record{}, false
			}
			return decision.Record, true
		})
		if err != nil {
			return outcome, fmt.Errorf("merge: apply %s: %w", collection, err)
		}
	}
	r.logger.Debug("merged server updates",
		zap.Int("inserted", outcome.Inserted),
		zap.Int("overwritten", outcome.Overwritten),
		zap.Int("kept_local", outcome.KeptLocal))
	return outcome, nil
}

// Acknowledge marks accepted records as synced. A record edited after it was pushed keeps
// its new content and becomes pending_update so the edit is pushed next cycle.
func (r *Resolver) Acknowledge(ctx context.Context, pushed map[records.Collection][]records.Record, response protocol.SyncResponse) (Outcome, error) {
	var outcome Outcome
	for _, collection := range records.Collections() {
		accepted := response.Accepted(collection)
		if len(accepted) == 0 {
			continue
		}
		sent := make(map[string]records.Record, len(pushed[collection]))
		for _, record := range pushed[collection] {
			sent[record.ID] = record
		}
		ids := make([]string, 0, len(accepted))
		for _, id := range accepted {
			if _, ok := sent[id]; ok {
				ids = append(ids, id)
			} else {
				r.logger.Warn("server acknowledged a record that was not pushed",
					zap.String("collection", string(collection)),
					zap.String("record_id", id))
			}
		}

		_, err := r.store.BulkModify(ctx, collection, ids, func(id string, current *records.Record) (records.Record, bool) {
			if current == nil {
				return records.Record{}, false
			}
			next := *current
			next.ServerID = response.ServerID(collection, id)
			if unchangedSincePush(*current, sent[id]) {
				next.SyncStatus = records.StatusSynced
				outcome.Acknowledged++
			} else {
				next.SyncStatus = records.StatusPendingUpdate
				outcome.Requeued++
			}
			return next, true
		})
		if err != nil {
			return outcome, fmt.Errorf("merge: acknowledge %s: %w", collection, err)
		}
	}
	return outcome, nil
}

func unchangedSincePush(current, pushed records.Record) bool {
	return current.LastModified.Equal(pushed.LastModified) && current.SamePayload(pushed)
}
