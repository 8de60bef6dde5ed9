package tracker

import (
	"time"

	"github.com/datosfinca/agrobodega/internal/records"
)

// StampCreate prepares a brand new local record. A record that already carries a
// server id came from the server and is therefore synced.
func StampCreate(record records.Record, now time.Time) records.Record {
	out := record.Clone()
	out.LastModified = records.Timestamp(now)
	if out.HasServerID() {
		out.SyncStatus = records.StatusSynced
	} else {
		out.SyncStatus = records.StatusPendingCreate
	}
	return out
}

// StampUpdate prepares an edit of existing. LastModified never moves backwards, a record
// the server never acknowledged stays pending_create, and the server id is kept.
func StampUpdate(existing, incoming records.Record, now time.Time) records.Record {
	out := incoming.Clone()
	out.ID = existing.ID
	out.OwnerGroupID = existing.OwnerGroupID
	out.ServerID = existing.ServerID

	stamp := records.Timestamp(now)
	if existing.LastModified.After(stamp) {
		stamp = existing.LastModified
	}
	out.LastModified = stamp

	if existing.SyncStatus == records.StatusPendingCreate {
		out.SyncStatus = records.StatusPendingCreate
	} else {
		out.SyncStatus = records.StatusPendingUpdate
	}
	return out
}
