package store

import (
	"context"
	"fmt"
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

// Snapshot is a full export of one owner group's records.
type Snapshot struct {
	OwnerGroupID string                                  `json:"ownerGroupId"`
	ExportedAt   time.Time                               `json:"exportedAt"`
	Collections  map[records.Collection][]records.Record `json:"collections"`
}

// Snapshot copies every collection.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		OwnerGroupID: s.scope,
		ExportedAt:   records.Timestamp(s.clock()),
		Collections:  make(map[records.Collection][]records.Record),
	}
	for _, collection := range records.Collections() {
		all, err := s.GetAll(ctx, collection)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Collections[collection] = all
	}
	return snap, nil
}

// Restore bulk-writes every collection of the snapshot and rewinds the last sync to the
// epoch, so the next cycle pushes pending records and pulls the full server state.
// Records from another owner group are rebound to this store's scope.
func (s *Store) Restore(ctx context.Context, snap Snapshot) (int, error) {
	for collection := range snap.Collections {
		if !collection.Valid() {
			return 0, fmt.Errorf("%w: %s", records.ErrUnknownCollection, collection)
		}
	}
	restored := 0
	for _, collection := range records.Collections() {
		batch := snap.Collections[collection]
		if len(batch) == 0 {
			continue
		}
		rebound := make([]records.Record, 0, len(batch))
		for _, record := range batch {
			record.OwnerGroupID = s.scope
			rebound = append(rebound, record)
		}
		if err := s.BulkPut(ctx, collection, rebound); err != nil {
			return restored, fmt.Errorf("store: restore %s: %w", collection, err)
		}
		restored += len(rebound)
	}
	if err := s.RewindLastSync(ctx); err != nil {
		return restored, err
	}
	return restored, nil
}
