package syncexec

import "notesync/internal/domain"

// Action is the transfer a reconciliation settles on for one path.
type Action string

const (
	// ActionNone: nothing changed on either side since the last sync.
	ActionNone Action = "none"
	// ActionRecord: both sides already hold the same version; only the
	// baseline is stored.
	ActionRecord       Action = "record"
	ActionUpload       Action = "upload"
	ActionDownload     Action = "download"
	ActionDeleteRemote Action = "delete-remote"
	ActionDeleteLocal  Action = "delete-local"
	// ActionForget: the path is gone everywhere; its record is dropped.
	ActionForget Action = "forget"
)

// Decision is the outcome of Decide. Conflict is set when both sides changed
// and one of them was displaced.
type Decision struct {
	Action   Action
	Conflict bool
}

func same(a, b *domain.FileInfo) bool {
	return a.Mtime == b.Mtime && a.Size == b.Size
}

// changed reports whether f differs from the last synced record. A missing
// f counts as changed since last being present means it was seen before.
func changed(f *domain.FileInfo, last *domain.SyncedFile) bool {
	if f == nil {
		return true
	}
	return f.Mtime != last.Mtime || f.Size != last.Size
}

// Decide is a pure three-way comparison of the last synced record, the
// local file and the remote file. nil means absent. Remote mtimes are on
// the server clock because uploads are stamped with it. skew is the server
// clock minus the local clock in ms; it is added to the local mtime before
// the two are compared.
func Decide(last *domain.SyncedFile, local, remote *domain.FileInfo, skew int64) Decision {
	if local == nil && remote == nil {
		return Decision{Action: ActionForget}
	}

	if last == nil {
		switch {
		case remote == nil:
			return Decision{Action: ActionUpload}
		case local == nil:
			return Decision{Action: ActionDownload}
		case same(local, remote):
			return Decision{Action: ActionRecord}
		}
		return newerWins(local, remote, skew)
	}

	lc, rc := changed(local, last), changed(remote, last)
	switch {
	case !lc && !rc:
		return Decision{Action: ActionNone}
	case lc && !rc:
		if local == nil {
			return Decision{Action: ActionDeleteRemote}
		}
		return Decision{Action: ActionUpload}
	case !lc && rc:
		if remote == nil {
			return Decision{Action: ActionDeleteLocal}
		}
		return Decision{Action: ActionDownload}
	}

	// both sides changed
	switch {
	case local == nil:
		// deleted here, edited there: keep the edit
		return Decision{Action: ActionDownload, Conflict: true}
	case remote == nil:
		return Decision{Action: ActionUpload, Conflict: true}
	case same(local, remote):
		return Decision{Action: ActionRecord}
	}
	return newerWins(local, remote, skew)
}

// newerWins resolves a conflict in favour of the later mtime on the server's
// clock. Ties go to the remote.
func newerWins(local, remote *domain.FileInfo, skew int64) Decision {
	if local.Mtime+skew > remote.Mtime {
		return Decision{Action: ActionUpload, Conflict: true}
	}
	return Decision{Action: ActionDownload, Conflict: true}
}
