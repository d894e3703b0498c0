package syncexec

import (
	"errors"
	"fmt"

	"notesync/internal/domain"
)

// QueueID is the name the sync queue is registered under.
const QueueID = "sync"

// Operation says what triggered a sync task.
type Operation string

const (
	OpLocal  Operation = "local"  // local file watcher
	OpRemote Operation = "remote" // remote change notification
	OpSync   Operation = "sync"   // explicit reconcile of one path
	OpScan   Operation = "scan"   // reconcile every known path
)

// Payload is the body of a sync queue task. Local and Remote carry the
// snapshot the producer saw; reconciliation always re-reads live metadata.
type Payload struct {
	Op         Operation        `json:"op"`
	Path       string           `json:"path,omitempty"`
	Local      *domain.FileInfo `json:"local,omitempty"`
	Remote     *domain.FileInfo `json:"remote,omitempty"`
	ServerTime int64            `json:"serverTime"`
}

var ErrInvalidPayload = errors.New("invalid sync payload")

// Target returns the path the task is about.
func (p Payload) Target() string {
	switch {
	case p.Path != "":
		return p.Path
	case p.Local != nil:
		return p.Local.Path
	case p.Remote != nil:
		return p.Remote.Path
	}
	return ""
}

func (p Payload) Validate() error {
	switch p.Op {
	case OpScan:
		return nil
	case OpLocal, OpRemote, OpSync:
		if p.Target() == "" {
			return fmt.Errorf("%w: %s operation without a path", ErrInvalidPayload, p.Op)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown operation %q", ErrInvalidPayload, p.Op)
}
