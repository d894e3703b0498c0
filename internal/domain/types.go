package domain

import "encoding/json"

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
)

// Terminal reports whether no further automatic attempts will be made.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// QueueTask is one unit of work in a named queue. Timestamps are epoch ms.
type QueueTask struct {
	ID        string          `json:"id"`
	QueueID   string          `json:"queueId"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Added     int64           `json:"added"`
	Started   *int64          `json:"started,omitempty"`
	Status    TaskStatus      `json:"status"`
	Retries   int             `json:"retries"`
	LastError string          `json:"lastError,omitempty"`
}

type FileType string

const (
	TypeFile FileType = "file"
	TypeDir  FileType = "dir"
)

// FileInfo is the metadata both the local file system and the remote store
// report for a logical path. Mtime is epoch ms.
type FileInfo struct {
	Path  string   `json:"path"`
	Mtime int64    `json:"mtime"`
	Size  int64    `json:"size"`
	Type  FileType `json:"type"`
}

func (f FileInfo) IsDir() bool { return f.Type == TypeDir }

type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// SyncedFile is the last metadata both sides agreed on for a path.
type SyncedFile struct {
	Mtime  int64      `json:"mtime"`
	Size   int64      `json:"size"`
	Status SyncStatus `json:"status"`
}

type SyncStateData struct {
	Files map[string]SyncedFile `json:"files"`
}
