package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/datosfinca/agrobodega/internal/store"
)

// Export returns every local record of the owner group.
func (e *Engine) Export(ctx context.Context) (store.Snapshot, error) {
	snapshot, err := e.store.Snapshot(ctx)
	if err != nil {
		e.store.AppendAudit(ctx, store.AuditRecord{
			Action:  store.AuditExport,
			Entity:  "backup",
			Status:  store.AuditFailure,
			Details: err.Error(),
		})
		return store.Snapshot{}, err
	}
	total := 0
	for _, batch := range snapshot.Collections {
		total += len(batch)
	}
	e.store.AppendAudit(ctx, store.AuditRecord{
		Action:  store.AuditExport,
		Entity:  "backup",
		Status:  store.AuditSuccess,
		Details: fmt.Sprintf("exported %d records", total),
	})
	return snapshot, nil
}

// Import restores a snapshot into the owner group and schedules a sync. The next cycle
// pulls from the beginning, since the restored state may predate the last sync.
func (e *Engine) Import(ctx context.Context, snapshot store.Snapshot) (int, error) {
	restored, err := e.store.Restore(ctx, snapshot)
	if err != nil {
		e.store.AppendAudit(ctx, store.AuditRecord{
			Action:  store.AuditImport,
			Entity:  "backup",
			Status:  store.AuditFailure,
			Details: err.Error(),
		})
		return restored, err
	}
	e.store.AppendAudit(ctx, store.AuditRecord{
		Action:  store.AuditImport,
		Entity:  "backup",
		Status:  store.AuditSuccess,
		Details: fmt.Sprintf("imported %d records from %s", restored, snapshot.OwnerGroupID),
	})
	e.logger.Info("snapshot imported", zap.Int("records", restored))
	e.orchestrator.NotifyMutation()
	return restored, nil
}
