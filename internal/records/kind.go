package records

import (
	"encoding/json"
	"fmt"
)

type payloadValidator interface {
	Validate() error
}

// Kind binds a collection to its concrete payload type.
type Kind[T any] struct {
	collection Collection
}

// Typed handles for every registered collection.
var (
	Inventory    = Kind[InventoryItem]{collection: CollectionInventory}
	CostCenters  = Kind[CostCenter]{collection: CollectionCostCenters}
	LaborLogs    = Kind[LaborLog]{collection: CollectionLaborLogs}
	FinanceLogs  = Kind[FinanceLog]{collection: CollectionFinanceLogs}
	SanitaryLogs = Kind[PestLog]{collection: CollectionSanitaryLogs}
	Movements    = Kind[Movement]{collection: CollectionMovements}
	Harvests     = Kind[HarvestLog]{collection: CollectionHarvests}
)

// Collection returns the collection tag bound to the kind.
func (k Kind[T]) Collection() Collection {
	return k.collection
}

// Encode builds an unstamped record for the payload. An empty id is assigned by the tracker.
func (k Kind[T]) Encode(id string, payload T) (Record, error) {
	if validator, ok := any(payload).(payloadValidator); ok {
		if err := validator.Validate(); err != nil {
			return Record{}, err
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", k.collection, err)
	}
	return Record{ID: id, Payload: body}, nil
}

// Decode extracts the typed payload of a record.
func (k Kind[T]) Decode(record Record) (T, error) {
	var payload T
	if len(record.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload %s: %w", k.collection, record.ID, err)
	}
	return payload, nil
}

// Check decodes raw into the kind's payload type and runs its validation.
func (k Kind[T]) Check(raw json.RawMessage) error {
	payload, err := k.Decode(Record{Payload: raw})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if validator, ok := any(payload).(payloadValidator); ok {
		return validator.Validate()
	}
	return nil
}

// ValidatePayload checks a raw payload against the typed schema of its collection.
func ValidatePayload(collection Collection, raw json.RawMessage) error {
	switch collection {
	case CollectionInventory:
		return Inventory.Check(raw)
	case CollectionCostCenters:
		return CostCenters.Check(raw)
	case CollectionLaborLogs:
		return LaborLogs.Check(raw)
	case CollectionFinanceLogs:
		return FinanceLogs.Check(raw)
	case CollectionSanitaryLogs:
		return SanitaryLogs.Check(raw)
	case CollectionMovements:
		return Movements.Check(raw)
	case CollectionHarvests:
		return Harvests.Check(raw)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
}
