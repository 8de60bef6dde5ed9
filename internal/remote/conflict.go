package remote

import (
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

// pushOutcome is the decision for one pushed record.
type pushOutcome struct {
	Accepted bool
	// Changed is false for an idempotent re-push of the stored version.
	Changed bool
	Stored  Record
	Audit   *RecordChange
}

// resolvePush applies last-writer-wins: the push is accepted when it is at least as new
// as the stored version. Re-pushing the stored version is accepted without a new version.
func resolvePush(existing *Record, collection records.Collection, incoming records.Record, warehouseID, userID string, appliedAt time.Time) pushOutcome {
	incomingMillis := records.Millis(incoming.LastModified)
	payload := string(incoming.Payload)
	if payload == "" {
		payload = "{}"
	}

	if existing != nil {
		switch {
		case incomingMillis < existing.LastModifiedMillis:
			return pushOutcome{Accepted: false, Stored: *existing}
		case incomingMillis == existing.LastModifiedMillis && payload == existing.PayloadJSON:
			return pushOutcome{Accepted: true, Changed: false, Stored: *existing}
		}
	}

	updated := Record{
		WarehouseID: warehouseID,
		Collection:  string(collection),
		RecordID:    incoming.ID,
	}
	if existing != nil {
		updated = *existing
	}
	updated.LastModifiedMillis = incomingMillis
	updated.ReceivedAtMillis = appliedAt.UnixMilli()
	updated.PayloadJSON = payload
	updated.LastWriterUserID = userID

	previousVersion := updated.Version
	updated.Version = previousVersion + 1

	audit := &RecordChange{
		WarehouseID:          warehouseID,
		Collection:           string(collection),
		RecordID:             incoming.ID,
		AppliedAtMillis:      appliedAt.UnixMilli(),
		UserID:               userID,
		ClientModifiedMillis: incomingMillis,
		PayloadJSON:          payload,
		NewVersion:           pointerTo(updated.Version),
	}
	if previousVersion > 0 {
		audit.PreviousVersion = pointerTo(previousVersion)
	}
	return pushOutcome{Accepted: true, Changed: true, Stored: updated, Audit: audit}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
