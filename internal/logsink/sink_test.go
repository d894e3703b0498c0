package logsink

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"notesync/internal/clock"
	"notesync/internal/storage"
)

type memRepo struct {
	mu        sync.Mutex
	records   []Record
	inserts   int
	failNext  error
	purgedAt  []time.Time
	trimmedTo []int
}

func (m *memRepo) Insert(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.inserts++
	m.records = append(m.records, recs...)
	return nil
}

func (m *memRepo) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgedAt = append(m.purgedAt, cutoff)
	return 0, nil
}

func (m *memRepo) TrimTo(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimmedTo = append(m.trimmedTo, keep)
	return 0, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func messages(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Message)
	}
	return out
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	s := New(Config{MaxQueue: 3, BatchSize: 10}, clock.NewMock(time.UnixMilli(1)))
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		s.Append(Record{Level: "info", Message: m})
	}
	assert.Equal(t, []string{"c", "d", "e"}, messages(s.Snapshot()))
	assert.Equal(t, 2, s.Dropped())
	assert.Equal(t, 3, s.Pending())
}

func TestFlushWithoutRepositoryIsNoop(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.Append(Record{Message: "x"})
	n, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, s.Pending())
}

func TestAttachRepositoryMaintainsThenDrains(t *testing.T) {
	now := time.UnixMilli(10 * 24 * 3600 * 1000)
	s := New(Config{MaxQueue: 100, BatchSize: 2, RetentionDays: 7, MaxRecords: 50}, clock.NewMock(now))
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		s.Append(Record{Message: m})
	}

	repo := &memRepo{}
	require.NoError(t, s.AttachRepository(context.Background(), repo))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, messages(repo.records), "order is preserved")
	assert.Equal(t, 3, repo.inserts, "drained in batches of 2")
	assert.Zero(t, s.Pending())
	require.Len(t, repo.purgedAt, 1)
	assert.Equal(t, now.Add(-7*24*time.Hour), repo.purgedAt[0])
	assert.Equal(t, []int{50}, repo.trimmedTo)
}

func TestFailedFlushRequeues(t *testing.T) {
	s := New(Config{MaxQueue: 10, BatchSize: 2}, nil)
	repo := &memRepo{}
	require.NoError(t, s.AttachRepository(context.Background(), repo))

	s.Append(Record{Message: "a"})
	s.Append(Record{Message: "b"})
	repo.failNext = errors.New("disk full")

	_, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.EqualError(t, s.LastError(), "disk full")
	assert.Equal(t, []string{"a", "b"}, messages(s.Snapshot()))

	n, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, messages(repo.records))
}

func TestRunFlushesOnTickAndBatch(t *testing.T) {
	s := New(Config{MaxQueue: 100, BatchSize: 3}, nil)
	repo := &memRepo{}
	require.NoError(t, s.AttachRepository(context.Background(), repo))

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, tick)
		close(done)
	}()

	s.Append(Record{Message: "1"})
	tick <- time.Now()
	assert.Eventually(t, func() bool { return repo.count() == 1 }, time.Second, 5*time.Millisecond)

	for _, m := range []string{"2", "3", "4"} {
		s.Append(Record{Message: m})
	}
	assert.Eventually(t, func() bool { return repo.count() == 4 }, time.Second, 5*time.Millisecond,
		"reaching the batch size flushes without a tick")

	s.Append(Record{Message: "5"})
	cancel()
	<-done
	assert.Equal(t, 5, repo.count(), "pending records are drained on shutdown")
}

func TestWriteParsesZerologEvents(t *testing.T) {
	s := New(DefaultConfig(), clock.NewMock(time.UnixMilli(42)))
	logger := zerolog.New(s).With().Timestamp().Logger()

	logger.Warn().Str("path", "a.md").Int("retries", 2).Msg("sync failed")

	recs := s.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].Time)
	assert.Equal(t, "warn", recs[0].Level)
	assert.Equal(t, "sync failed", recs[0].Message)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(recs[0].Fields, &fields))
	assert.Equal(t, map[string]any{"path": "a.md", "retries": float64(2)}, fields)
}

func TestWriteKeepsUnparsableLines(t *testing.T) {
	s := New(DefaultConfig(), nil)
	n, err := s.Write([]byte("plain text"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []string{"plain text"}, messages(s.Snapshot()))
}

func TestSQLiteRepo(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, EnsureSchema(db))
	repo := NewSQLiteRepo(db)
	ctx := context.Background()

	var recs []Record
	for i := int64(1); i <= 5; i++ {
		recs = append(recs, Record{Time: i * 1000, Level: "info", Message: string(rune('a' + i - 1))})
	}
	recs[0].Fields = json.RawMessage(`{"k":"v"}`)
	require.NoError(t, repo.Insert(ctx, recs))

	n, err := repo.PurgeBefore(ctx, time.UnixMilli(2000))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.TrimTo(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recent, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d"}, messages(recent))

	n, err = repo.TrimTo(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
