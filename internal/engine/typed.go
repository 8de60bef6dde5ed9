package engine

import (
	"context"

	"github.com/datosfinca/agrobodega/internal/records"
)

// Save encodes a typed payload and records it. An empty id creates a new record.
func Save[T any](ctx context.Context, e *Engine, kind records.Kind[T], id string, payload T) (records.Record, error) {
	record, err := kind.Encode(id, payload)
	if err != nil {
		return records.Record{}, err
	}
	return e.RecordMutation(ctx, kind.Collection(), record)
}

// Load returns the typed payload of a record.
func Load[T any](ctx context.Context, e *Engine, kind records.Kind[T], id string) (T, bool, error) {
	var zero T
	record, ok, err := e.Get(ctx, kind.Collection(), id)
	if err != nil || !ok {
		return zero, ok, err
	}
	payload, err := kind.Decode(record)
	if err != nil {
		return zero, false, err
	}
	return payload, true, nil
}
