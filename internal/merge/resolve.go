package merge

import "github.com/datosfinca/agrobodega/internal/records"

// Action is what to do with a pulled record.
type Action int

const (
	// ActionKeepLocal leaves the local record untouched.
	ActionKeepLocal Action = iota
	// ActionInsert stores a record the device did not have.
	ActionInsert
	// ActionOverwrite replaces the local record with the server's.
	ActionOverwrite
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionOverwrite:
		return "overwrite"
	default:
		return "keep_local"
	}
}

// Decision is the outcome of Resolve.
type Decision struct {
	Action Action
	Record records.Record
}

// Resolve applies last-writer-wins on lastModified. The remote copy replaces the local one
// only when strictly newer; on a tie the local copy wins. Applied remote records are synced
// and keep the local server id when the server did not send one.
func Resolve(local *records.Record, remote records.Record) Decision {
	if local == nil {
		return Decision{Action: ActionInsert, Record: applied(remote)}
	}
	if remote.LastModified.After(local.LastModified) {
		if remote.ServerID == "" {
			remote.ServerID = local.ServerID
		}
		next := applied(remote)
		next.OwnerGroupID = local.OwnerGroupID
		return Decision{Action: ActionOverwrite, Record: next}
	}
	return Decision{Action: ActionKeepLocal, Record: *local}
}

func applied(remote records.Record) records.Record {
	out := remote.Clone()
	out.SyncStatus = records.StatusSynced
	if out.ServerID == "" {
		out.ServerID = out.ID
	}
	return out
}
