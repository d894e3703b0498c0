// Package logsink buffers diagnostic records in memory and writes them to a
// repository in batches. Without a repository it buffers indefinitely,
// dropping the oldest records once the buffer is full.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"notesync/internal/clock"
)

type Record struct {
	Time    int64           `json:"time"` // epoch ms
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, recs []Record) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
	TrimTo(ctx context.Context, keep int) (int, error)
}

type Config struct {
	MaxQueue      int
	BatchSize     int
	RetentionDays int
	MaxRecords    int
}

func DefaultConfig() Config {
	return Config{
		MaxQueue:      1000,
		BatchSize:     50,
		RetentionDays: 7,
		MaxRecords:    10000,
	}
}

type Sink struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	queue   []Record
	dropped int
	repo    Repository
	lastErr error

	flushMu sync.Mutex
	kick    chan struct{}
}

func New(cfg Config, clk clock.Clock) *Sink {
	def := DefaultConfig()
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sink{cfg: cfg, clock: clk, kick: make(chan struct{}, 1)}
}

// Append queues r. When the buffer is over MaxQueue the oldest record is
// dropped. Reaching BatchSize with a repository attached triggers a flush
// on the Run loop.
func (s *Sink) Append(r Record) {
	if r.Time == 0 {
		r.Time = s.clock.Now().UnixMilli()
	}
	s.mu.Lock()
	s.queue = append(s.queue, r)
	if over := len(s.queue) - s.cfg.MaxQueue; over > 0 {
		s.queue = append(s.queue[:0:0], s.queue[over:]...)
		s.dropped += over
	}
	trigger := s.repo != nil && len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if trigger {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Write makes the sink an io.Writer for zerolog's JSON output. Each call
// carries one event.
func (s *Sink) Write(p []byte) (int, error) {
	var ev map[string]json.RawMessage
	rec := Record{Time: s.clock.Now().UnixMilli()}
	if err := json.Unmarshal(p, &ev); err != nil {
		rec.Message = string(p)
		s.Append(rec)
		return len(p), nil
	}
	if v, ok := ev[zerolog.LevelFieldName]; ok {
		_ = json.Unmarshal(v, &rec.Level)
		delete(ev, zerolog.LevelFieldName)
	}
	if v, ok := ev[zerolog.MessageFieldName]; ok {
		_ = json.Unmarshal(v, &rec.Message)
		delete(ev, zerolog.MessageFieldName)
	}
	delete(ev, zerolog.TimestampFieldName)
	if len(ev) > 0 {
		rec.Fields, _ = json.Marshal(ev)
	}
	s.Append(rec)
	return len(p), nil
}

// Pending is the number of buffered, unflushed records.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Snapshot copies the buffered records, oldest first.
func (s *Sink) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.queue...)
}

func (s *Sink) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AttachRepository binds durable storage, applies retention, then drains
// the buffer in batches.
func (s *Sink) AttachRepository(ctx context.Context, repo Repository) error {
	s.mu.Lock()
	s.repo = repo
	s.mu.Unlock()

	if err := s.Maintain(ctx); err != nil {
		return err
	}
	for s.Pending() > 0 {
		n, err := s.Flush(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// Maintain purges records older than RetentionDays and trims the store to
// MaxRecords.
func (s *Sink) Maintain(ctx context.Context) error {
	s.mu.Lock()
	repo := s.repo
	s.mu.Unlock()
	if repo == nil {
		return nil
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := repo.PurgeBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("purge log records: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		if _, err := repo.TrimTo(ctx, s.cfg.MaxRecords); err != nil {
			return fmt.Errorf("trim log records: %w", err)
		}
	}
	return nil
}

// Flush writes at most one batch and returns how many records were
// written. Without a repository it is a no-op.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	repo := s.repo
	n := min(len(s.queue), s.cfg.BatchSize)
	if repo == nil || n == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	batch := append([]Record(nil), s.queue[:n]...)
	s.queue = append(s.queue[:0:0], s.queue[n:]...)
	s.mu.Unlock()

	if err := repo.Insert(ctx, batch); err != nil {
		s.requeue(batch, err)
		return 0, fmt.Errorf("insert log records: %w", err)
	}
	return n, nil
}

// requeue puts a failed batch back in front, still honouring MaxQueue.
func (s *Sink) requeue(batch []Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	merged := append(batch, s.queue...)
	if over := len(merged) - s.cfg.MaxQueue; over > 0 {
		merged = merged[over:]
		s.dropped += over
	}
	s.queue = merged
}

// Run flushes on every tick and whenever Append reaches the batch size,
// until ctx is done. A final drain is attempted on exit.
func (s *Sink) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return
		case <-tick:
			s.drain(ctx)
		case <-s.kick:
			s.drain(ctx)
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	for {
		n, err := s.Flush(ctx)
		if err != nil || n == 0 {
			return
		}
	}
}
