package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/domain"
	"notesync/internal/queue"
)

const defaultPollInterval = 250 * time.Millisecond

// Registry maps queue ids to their configuration and owns one worker pool
// per queue. Queues are independent: one queue's saturation or pause never
// affects another.
type Registry struct {
	repo      queue.Repository
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *Metrics
	pollEvery time.Duration

	mu     sync.Mutex
	pools  map[string]*pool
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

func WithMetrics(m *Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollEvery = d
		}
	}
}

func NewRegistry(repo queue.Repository, opts ...Option) *Registry {
	r := &Registry{
		repo:      repo,
		clock:     clock.Real{},
		log:       zerolog.Nop(),
		pollEvery: defaultPollInterval,
		pools:     make(map[string]*pool),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Register installs or replaces the configuration of queueID. Replacing keeps
// the queue's pause state and its running tasks.
func (r *Registry) Register(queueID string, cfg QueueConfig) error {
	if queueID == "" {
		return errors.New("queue id is required")
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("register queue %s: %w", queueID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[queueID]; ok {
		p.setConfig(cfg)
		return nil
	}
	p := newPool(queueID, cfg, r)
	r.pools[queueID] = p
	if r.ctx != nil {
		r.startPool(p)
	}
	r.log.Info().Str("queue", queueID).Int("concurrent", cfg.Concurrent).
		Int("max_retries", cfg.MaxRetries).Dur("retry_delay", cfg.RetryDelay).Msg("queue registered")
	return nil
}

func (r *Registry) pool(queueID string) (*pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[queueID]
	if !ok {
		return nil, &queue.UnknownQueueError{QueueID: queueID}
	}
	return p, nil
}

// Enqueue persists a pending task. payload is stored as-is when it is a
// json.RawMessage or []byte and JSON-encoded otherwise.
func (r *Registry) Enqueue(ctx context.Context, queueID string, payload any, priority int) (domain.QueueTask, error) {
	p, err := r.pool(queueID)
	if err != nil {
		return domain.QueueTask{}, err
	}

	var raw json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		raw, err = json.Marshal(payload)
		if err != nil {
			return domain.QueueTask{}, fmt.Errorf("encode payload: %w", err)
		}
	}

	task, err := r.repo.Enqueue(ctx, domain.QueueTask{
		QueueID:  queueID,
		Payload:  raw,
		Priority: priority,
		Added:    r.clock.Now().UnixMilli(),
	})
	if err != nil {
		return domain.QueueTask{}, fmt.Errorf("enqueue to %s: %w", queueID, err)
	}
	r.metrics.Enqueued.WithLabelValues(queueID).Inc()
	p.signal()
	return task, nil
}

// Pause stops dispatching new tasks of queueID. Running tasks are not
// cancelled.
func (r *Registry) Pause(queueID string) error {
	p, err := r.pool(queueID)
	if err != nil {
		return err
	}
	p.setPaused(true)
	r.log.Info().Str("queue", queueID).Msg("queue paused")
	return nil
}

func (r *Registry) Resume(queueID string) error {
	p, err := r.pool(queueID)
	if err != nil {
		return err
	}
	p.setPaused(false)
	r.log.Info().Str("queue", queueID).Msg("queue resumed")
	return nil
}

// Clear removes every non-running task of queueID and returns how many were
// removed.
func (r *Registry) Clear(ctx context.Context, queueID string) (int, error) {
	if _, err := r.pool(queueID); err != nil {
		return 0, err
	}
	n, err := r.repo.ClearQueue(ctx, queueID)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", queueID, err)
	}
	r.log.Info().Str("queue", queueID).Int("removed", n).Msg("queue cleared")
	return n, nil
}

// QueueInfo is a point-in-time view of a registered queue.
type QueueInfo struct {
	ID         string `json:"id"`
	Paused     bool   `json:"paused"`
	Running    int    `json:"running"`
	Concurrent int    `json:"concurrent"`
}

func (r *Registry) Queues() []QueueInfo {
	r.mu.Lock()
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	out := make([]QueueInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, QueueInfo{
			ID:         p.id,
			Paused:     p.isPaused(),
			Running:    p.runningCount(),
			Concurrent: p.config().Concurrent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start resets tasks a previous process left running and starts every
// registered queue's pool.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return errors.New("registry already started")
	}

	n, err := r.repo.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		r.log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, p := range r.pools {
		r.startPool(p)
	}
	return nil
}

func (r *Registry) startPool(p *pool) {
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		p.Run(r.ctx)
	}()
}

// Stop cancels dispatch loops and in-flight processors and waits for both.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.ctx == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	r.loops.Wait()
	for _, p := range pools {
		p.inflight.Wait()
	}

	r.mu.Lock()
	r.ctx, r.cancel = nil, nil
	r.mu.Unlock()
}
