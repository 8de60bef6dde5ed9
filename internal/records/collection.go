package records

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCollection indicates that a collection tag is not part of the registry.
var ErrUnknownCollection = errors.New("records: unknown collection")

// Collection tags one of the synchronized entity collections.
type Collection string

const (
	// CollectionInventory holds warehouse inventory items.
	CollectionInventory Collection = "inventory"
	// CollectionCostCenters holds lots / cost centers.
	CollectionCostCenters Collection = "costCenters"
	// CollectionLaborLogs holds payroll labor entries.
	CollectionLaborLogs Collection = "laborLogs"
	// CollectionFinanceLogs holds income and expense entries.
	CollectionFinanceLogs Collection = "financeLogs"
	// CollectionSanitaryLogs holds pest and disease observations.
	CollectionSanitaryLogs Collection = "sanitaryLogs"
	// CollectionMovements holds inventory inputs and outputs.
	CollectionMovements Collection = "movements"
	// CollectionHarvests holds harvest entries.
	CollectionHarvests Collection = "harvests"
)

type descriptor struct {
	wireName string
	label    string
}

// registry is ordered by dependency: lots and items first so that logs referencing
// them are applied after their parents within a sync cycle.
var registry = []struct {
	collection Collection
	descriptor descriptor
}{
	{CollectionCostCenters, descriptor{wireName: "costCenter", label: "lot"}},
	{CollectionInventory, descriptor{wireName: "inventoryItem", label: "inventory"}},
	{CollectionMovements, descriptor{wireName: "movement", label: "movement"}},
	{CollectionLaborLogs, descriptor{wireName: "laborLog", label: "labor"}},
	{CollectionFinanceLogs, descriptor{wireName: "financeLog", label: "finance"}},
	{CollectionSanitaryLogs, descriptor{wireName: "pestLog", label: "sanitary"}},
	{CollectionHarvests, descriptor{wireName: "harvestLog", label: "harvest"}},
}

// Collections returns every registered collection in sync order.
func Collections() []Collection {
	out := make([]Collection, 0, len(registry))
	for _, entry := range registry {
		out = append(out, entry.collection)
	}
	return out
}

// ParseCollection validates a collection tag.
func ParseCollection(raw string) (Collection, error) {
	trimmed := strings.TrimSpace(raw)
	for _, entry := range registry {
		if string(entry.collection) == trimmed {
			return entry.collection, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
}

// ParseWireName resolves the protocol name of a collection.
func ParseWireName(raw string) (Collection, error) {
	trimmed := strings.TrimSpace(raw)
	for _, entry := range registry {
		if entry.descriptor.wireName == trimmed {
			return entry.collection, nil
		}
	}
	return "", fmt.Errorf("%w: wire name %q", ErrUnknownCollection, raw)
}

// Valid reports whether the collection is registered.
func (c Collection) Valid() bool {
	_, ok := c.lookup()
	return ok
}

// WireName returns the protocol name used on the sync endpoint.
func (c Collection) WireName() string {
	d, ok := c.lookup()
	if !ok {
		return string(c)
	}
	return d.wireName
}

// AuditEntity returns the short entity label used in audit entries.
func (c Collection) AuditEntity() string {
	d, ok := c.lookup()
	if !ok {
		return "system"
	}
	return d.label
}

// String returns the collection tag.
func (c Collection) String() string {
	return string(c)
}

func (c Collection) lookup() (descriptor, bool) {
	for _, entry := range registry {
		if entry.collection == c {
			return entry.descriptor, true
		}
	}
	return descriptor{}, false
}
