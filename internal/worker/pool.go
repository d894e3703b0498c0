package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/domain"
	"notesync/internal/queue"
)

// Processor handles one task attempt. A returned error is a normal failure
// and is retried per the queue policy unless wrapped with Permanent.
type Processor func(ctx context.Context, task domain.QueueTask) error

// QueueConfig is the runtime configuration of one registered queue.
type QueueConfig struct {
	Concurrent int
	MaxRetries int
	RetryDelay time.Duration
	// FailTaskOnProcessException makes a processor panic count as a normal
	// failure. When false a panic fails the task immediately.
	FailTaskOnProcessException bool
	Process                    Processor
}

func (c QueueConfig) validate() error {
	if c.Concurrent < 1 {
		return fmt.Errorf("concurrent must be >= 1, got %d", c.Concurrent)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %s", c.RetryDelay)
	}
	if c.Process == nil {
		return errors.New("process function is required")
	}
	return nil
}

// pool is the worker pool of a single queue. Only its Run loop dispatches,
// so at most cfg.Concurrent tasks are in flight.
type pool struct {
	id        string
	repo      queue.Repository
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *Metrics
	pollEvery time.Duration

	mu      sync.Mutex
	cfg     QueueConfig
	paused  bool
	running int

	wake     chan struct{}
	inflight sync.WaitGroup
}

func newPool(id string, cfg QueueConfig, r *Registry) *pool {
	return &pool{
		id:        id,
		repo:      r.repo,
		clock:     r.clock,
		log:       r.log.With().Str("queue", id).Logger(),
		metrics:   r.metrics,
		pollEvery: r.pollEvery,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
	}
}

func (p *pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pool) config() QueueConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *pool) setConfig(cfg QueueConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.signal()
}

func (p *pool) setPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	if !paused {
		p.signal()
	}
}

func (p *pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *pool) runningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run polls for ready tasks until ctx is cancelled. Completions and enqueues
// wake it early.
func (p *pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		p.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-p.wake:
		}
	}
}

func (p *pool) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		p.mu.Lock()
		if p.paused || p.running >= p.cfg.Concurrent {
			p.mu.Unlock()
			return
		}
		cfg := p.cfg
		p.mu.Unlock()

		task, err := p.repo.LeaseNext(ctx, p.id, p.clock.Now(), cfg.RetryDelay)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Msg("lease next task")
			}
			return
		}

		p.mu.Lock()
		p.running++
		p.mu.Unlock()
		p.metrics.Running.WithLabelValues(p.id).Inc()
		p.inflight.Add(1)
		go p.execute(ctx, cfg, task)
	}
}

func (p *pool) execute(ctx context.Context, cfg QueueConfig, task domain.QueueTask) {
	defer p.inflight.Done()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
		p.metrics.Running.WithLabelValues(p.id).Dec()
		p.signal()
	}()

	logger := p.log.With().Str("task_id", task.ID).Int("retries", task.Retries).Logger()
	logger.Debug().Msg("processing task")

	err := invoke(ctx, cfg.Process, task)

	// outcome writes must land even while shutting down
	octx := context.WithoutCancel(ctx)
	var panicErr *PanicError
	switch {
	case err == nil:
		if uerr := p.repo.Succeed(octx, task.ID); uerr != nil {
			logger.Error().Err(uerr).Msg("mark task done")
		}
		p.metrics.Finished.WithLabelValues(p.id, outcomeDone).Inc()
		logger.Debug().Msg("task done")

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// left running; RecoverStale resets it on the next start
		p.metrics.Finished.WithLabelValues(p.id, outcomeAborted).Inc()
		logger.Info().Msg("task aborted by shutdown")

	case IsPermanent(err), errors.As(err, &panicErr) && !cfg.FailTaskOnProcessException:
		if uerr := p.repo.Fail(octx, task.ID, err.Error()); uerr != nil {
			logger.Error().Err(uerr).Msg("mark task failed")
		}
		p.metrics.Finished.WithLabelValues(p.id, outcomeFailed).Inc()
		ev := logger.Error().Err(err)
		if panicErr != nil {
			ev = ev.Bytes("stack", panicErr.Stack)
		}
		ev.Msg("task failed without retry")

	default:
		status, uerr := p.repo.Retry(octx, task.ID, err.Error(), cfg.MaxRetries)
		if uerr != nil {
			logger.Error().Err(uerr).Msg("record task failure")
			return
		}
		if status == domain.StatusFailed {
			p.metrics.Finished.WithLabelValues(p.id, outcomeFailed).Inc()
			logger.Error().Err(err).Msg("task failed, retries exhausted")
			return
		}
		p.metrics.Finished.WithLabelValues(p.id, outcomeRetry).Inc()
		logger.Warn().Err(err).Dur("retry_delay", cfg.RetryDelay).Msg("task failed, will retry")
	}
}

func invoke(ctx context.Context, fn Processor, task domain.QueueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, task)
}
