package syncexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/domain"
	"notesync/internal/localfs"
	"notesync/internal/remote"
	"notesync/internal/syncstate"
	"notesync/internal/worker"
)

// FSProvider returns the currently active file system. It fails when none
// is mounted, which the queue treats as a transient error.
type FSProvider func() (localfs.FileSystem, error)

// StaticFS always returns fsys.
func StaticFS(fsys localfs.FileSystem) FSProvider {
	return func() (localfs.FileSystem, error) { return fsys, nil }
}

var ErrNoFileSystem = errors.New("no active file system")

// Processor is the sync queue's task processor.
type Processor struct {
	fs       FSProvider
	remote   remote.Client
	state    *syncstate.Store
	clock    clock.Clock
	log      zerolog.Logger
	onResult func(Result)
}

func NewProcessor(fs FSProvider, rc remote.Client, state *syncstate.Store, clk clock.Clock, log zerolog.Logger) *Processor {
	return &Processor{fs: fs, remote: rc, state: state, clock: clk, log: log}
}

// OnResult registers fn to receive every reconciliation result.
func (p *Processor) OnResult(fn func(Result)) { p.onResult = fn }

// Process implements worker.Processor.
func (p *Processor) Process(ctx context.Context, task domain.QueueTask) error {
	var pl Payload
	if err := json.Unmarshal(task.Payload, &pl); err != nil {
		return worker.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := pl.Validate(); err != nil {
		return worker.Permanent(err)
	}

	fsys, err := p.fs()
	if err != nil {
		return err
	}
	if fsys == nil {
		return ErrNoFileSystem
	}

	exec := NewExecutor(fsys, p.remote, p.state, p.clock, p.log.With().Str("task_id", task.ID).Logger())
	sc := exec.NewContext(p.serverNow(pl, task))

	if pl.Op == OpScan {
		results, err := exec.Scan(ctx, sc)
		for _, r := range results {
			p.emit(r)
		}
		return classify(err)
	}

	res, err := exec.Reconcile(ctx, sc, pl.Target())
	if err != nil {
		return classify(err)
	}
	p.emit(res)
	return nil
}

// serverNow projects the server time stamped at enqueue to now, so the
// queueing delay does not read as clock skew.
func (p *Processor) serverNow(pl Payload, task domain.QueueTask) int64 {
	if pl.ServerTime <= 0 {
		return 0
	}
	elapsed := p.clock.Now().UnixMilli() - task.Added
	if elapsed < 0 {
		elapsed = 0
	}
	return pl.ServerTime + elapsed
}

func (p *Processor) emit(r Result) {
	if p.onResult != nil {
		p.onResult(r)
	}
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncstate.ErrCorrupt) || errors.Is(err, localfs.ErrInvalidPath) {
		return worker.Permanent(err)
	}
	return err
}

// QueueConfig wires p into a worker queue configuration.
func (p *Processor) QueueConfig(base worker.QueueConfig) worker.QueueConfig {
	base.Process = p.Process
	return base
}
