package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"notesync/internal/clock"
	"notesync/internal/domain"
	"notesync/internal/queue"
	"notesync/internal/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func newTestRegistry(t *testing.T, repo queue.Repository, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithPollInterval(tick)}, opts...)
	r := NewRegistry(repo, opts...)
	t.Cleanup(r.Stop)
	return r
}

func status(t *testing.T, repo queue.Repository, id string) domain.TaskStatus {
	t.Helper()
	task, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func waitStatus(t *testing.T, repo queue.Repository, id string, want domain.TaskStatus) {
	t.Helper()
	assert.Eventually(t, func() bool { return status(t, repo, id) == want }, waitFor, tick,
		"task %s never reached %s", id, want)
}

func TestRegisterValidatesConfig(t *testing.T) {
	r := newTestRegistry(t, newTestRepo(t))
	noop := func(context.Context, domain.QueueTask) error { return nil }

	assert.Error(t, r.Register("", QueueConfig{Concurrent: 1, Process: noop}))
	assert.Error(t, r.Register("q", QueueConfig{Concurrent: 0, Process: noop}))
	assert.Error(t, r.Register("q", QueueConfig{Concurrent: 1, MaxRetries: -1, Process: noop}))
	assert.Error(t, r.Register("q", QueueConfig{Concurrent: 1}))
	assert.NoError(t, r.Register("q", QueueConfig{Concurrent: 1, Process: noop}))
	assert.NoError(t, r.Register("q", QueueConfig{Concurrent: 3, Process: noop}), "re-registering replaces")

	require.Len(t, r.Queues(), 1)
	assert.Equal(t, 3, r.Queues()[0].Concurrent)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)

	_, err := r.Enqueue(context.Background(), "missing", map[string]string{"a": "b"}, 0)
	var unknown *queue.UnknownQueueError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.QueueID)

	all, err := repo.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTaskSucceeds(t *testing.T) {
	repo := newTestRepo(t)
	reg := prometheus.NewRegistry()
	r := newTestRegistry(t, repo, WithMetrics(NewMetrics(reg)))

	var seen atomic.Value
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		Process: func(_ context.Context, task domain.QueueTask) error {
			seen.Store(string(task.Payload))
			return nil
		},
	}))
	require.NoError(t, r.Start(context.Background()))

	task, err := r.Enqueue(context.Background(), "q", map[string]int{"n": 7}, 0)
	require.NoError(t, err)
	waitStatus(t, repo, task.ID, domain.StatusDone)
	assert.JSONEq(t, `{"n":7}`, seen.Load().(string))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Enqueued.WithLabelValues("q")))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.Finished.WithLabelValues("q", outcomeDone)) == 1
	}, waitFor, tick)
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)

	var active, peak int32
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 2,
		Process: func(context.Context, domain.QueueTask) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		},
	}))

	var ids []string
	for i := 0; i < 8; i++ {
		task, err := r.Enqueue(context.Background(), "q", i, 0)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	require.NoError(t, r.Start(context.Background()))

	for _, id := range ids {
		waitStatus(t, repo, id, domain.StatusDone)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak), "both slots should have been used")
}

func TestRetriesUntilExhausted(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewMock(time.UnixMilli(1_000_000))
	r := newTestRegistry(t, repo, WithClock(clk))

	var attempts int32
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		MaxRetries: 2,
		RetryDelay: time.Second,
		Process: func(context.Context, domain.QueueTask) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("remote unavailable")
		},
	}))
	require.NoError(t, r.Start(context.Background()))

	task, err := r.Enqueue(context.Background(), "q", "x", 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 1 }, waitFor, tick)
	waitStatus(t, repo, task.ID, domain.StatusPending)

	// not eligible before the retry delay has elapsed
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	clk.Add(time.Second)
	waitStatus(t, repo, task.ID, domain.StatusFailed)

	got, err := repo.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Retries)
	assert.Equal(t, "remote unavailable", got.LastError)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		MaxRetries: 5,
		Process: func(context.Context, domain.QueueTask) error {
			return Permanent(errors.New("malformed payload"))
		},
	}))
	require.NoError(t, r.Start(context.Background()))

	task, err := r.Enqueue(context.Background(), "q", "x", 0)
	require.NoError(t, err)
	waitStatus(t, repo, task.ID, domain.StatusFailed)

	got, err := repo.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Retries)
	assert.Equal(t, "malformed payload", got.LastError)
}

func TestPanicPolicy(t *testing.T) {
	for _, tc := range []struct {
		name        string
		failOnPanic bool
		wantRetries int
	}{
		{name: "panic fails immediately", failOnPanic: false, wantRetries: 0},
		{name: "panic counts as failure", failOnPanic: true, wantRetries: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := newTestRepo(t)
			r := newTestRegistry(t, repo)
			require.NoError(t, r.Register("q", QueueConfig{
				Concurrent:                 1,
				MaxRetries:                 1,
				FailTaskOnProcessException: tc.failOnPanic,
				Process: func(context.Context, domain.QueueTask) error {
					panic("kaboom")
				},
			}))
			require.NoError(t, r.Start(context.Background()))

			task, err := r.Enqueue(context.Background(), "q", "x", 0)
			require.NoError(t, err)
			waitStatus(t, repo, task.ID, domain.StatusFailed)

			got, err := repo.Get(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantRetries, got.Retries)
			assert.Contains(t, got.LastError, "kaboom")
		})
	}
}

func TestPauseResume(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	require.NoError(t, r.Pause("q"))
	require.NoError(t, r.Start(context.Background()))

	task, err := r.Enqueue(context.Background(), "q", "x", 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusPending, status(t, repo, task.ID))
	assert.True(t, r.Queues()[0].Paused)

	require.NoError(t, r.Resume("q"))
	waitStatus(t, repo, task.ID, domain.StatusDone)

	var unknown *queue.UnknownQueueError
	assert.ErrorAs(t, r.Pause("nope"), &unknown)
	assert.ErrorAs(t, r.Resume("nope"), &unknown)
}

func TestClearRemovesWaitingTasks(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	for i := 0; i < 3; i++ {
		_, err := r.Enqueue(context.Background(), "q", i, 0)
		require.NoError(t, err)
	}

	n, err := r.Clear(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = r.Clear(context.Background(), "nope")
	var unknown *queue.UnknownQueueError
	assert.ErrorAs(t, err, &unknown)
}

func TestQueuesAreIndependent(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)

	release := make(chan struct{})
	require.NoError(t, r.Register("slow", QueueConfig{
		Concurrent: 1,
		Process: func(ctx context.Context, _ domain.QueueTask) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}))
	require.NoError(t, r.Register("fast", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	require.NoError(t, r.Start(context.Background()))

	blocked, err := r.Enqueue(context.Background(), "slow", 1, 0)
	require.NoError(t, err)
	waitStatus(t, repo, blocked.ID, domain.StatusRunning)

	fast, err := r.Enqueue(context.Background(), "fast", 1, 0)
	require.NoError(t, err)
	waitStatus(t, repo, fast.ID, domain.StatusDone)

	close(release)
	waitStatus(t, repo, blocked.ID, domain.StatusDone)
}

func TestPriorityOrderWithinQueue(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)

	var mu sync.Mutex
	var order []string
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		Process: func(_ context.Context, task domain.QueueTask) error {
			mu.Lock()
			order = append(order, string(task.Payload))
			mu.Unlock()
			return nil
		},
	}))
	_, err := r.Enqueue(context.Background(), "q", "low", 0)
	require.NoError(t, err)
	_, err = r.Enqueue(context.Background(), "q", "high", 10)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{`"high"`, `"low"`}, order)
}

func TestShutdownLeavesTaskForRecovery(t *testing.T) {
	repo := newTestRepo(t)
	r := NewRegistry(repo, WithPollInterval(tick))

	started := make(chan struct{})
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		MaxRetries: 1,
		Process: func(ctx context.Context, _ domain.QueueTask) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, r.Start(context.Background()))
	task, err := r.Enqueue(context.Background(), "q", "x", 0)
	require.NoError(t, err)
	<-started
	r.Stop()

	got, err := repo.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Zero(t, got.Retries)

	next := newTestRegistry(t, repo)
	require.NoError(t, next.Register("q", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	require.NoError(t, next.Start(context.Background()))
	waitStatus(t, repo, task.ID, domain.StatusDone)
}

func TestRegisterAfterStart(t *testing.T) {
	repo := newTestRepo(t)
	r := newTestRegistry(t, repo)
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	require.NoError(t, r.Register("late", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	task, err := r.Enqueue(context.Background(), "late", []byte(`{"raw":true}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":true}`, string(task.Payload))
	waitStatus(t, repo, task.ID, domain.StatusDone)
}

func TestMalformedRowDoesNotStallQueue(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	repo := queue.NewSQLiteRepo(db)
	_, err = db.Exec(`INSERT INTO queue_tasks (id,queue_id,payload,priority,added,status,retries) VALUES ('tsk_bad','q','{}',10,1,'pending',-1)`)
	require.NoError(t, err)

	r := newTestRegistry(t, repo)
	require.NoError(t, r.Register("q", QueueConfig{
		Concurrent: 1,
		Process:    func(context.Context, domain.QueueTask) error { return nil },
	}))
	require.NoError(t, r.Start(context.Background()))

	task, err := r.Enqueue(context.Background(), "q", "ok", 0)
	require.NoError(t, err)
	waitStatus(t, repo, task.ID, domain.StatusDone)
	assert.Equal(t, domain.StatusFailed, status(t, repo, "tsk_bad"))
}
