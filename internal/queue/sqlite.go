package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"notesync/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_tasks (
  id TEXT PRIMARY KEY,
  queue_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  added INTEGER NOT NULL,
  started INTEGER,
  status TEXT NOT NULL DEFAULT 'pending',
  retries INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue_id, status, priority DESC, added);
CREATE INDEX IF NOT EXISTS idx_queue_tasks_added ON queue_tasks(added);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the durable table of queue tasks. Every mutation is a single
// statement or transaction keyed by task id, so a task is never observed
// half-updated.
type Repository interface {
	Enqueue(ctx context.Context, t domain.QueueTask) (domain.QueueTask, error)
	LeaseNext(ctx context.Context, queueID string, now time.Time, retryDelay time.Duration) (domain.QueueTask, error)
	Succeed(ctx context.Context, id string) error
	Retry(ctx context.Context, id, errStr string, maxRetries int) (domain.TaskStatus, error)
	Fail(ctx context.Context, id, errStr string) error
	RecoverStale(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (domain.QueueTask, error)
	GetAll(ctx context.Context) ([]domain.QueueTask, error)
	ListRecent(ctx context.Context, limit int) ([]domain.QueueTask, error)
	Delete(ctx context.Context, id string, force bool) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	ClearQueue(ctx context.Context, queueID string) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,queue_id,payload,priority,added,started,status,retries,last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask validates the row as it reads it. On ErrInvalidRecord the
// returned task still carries the row's id.
func scanTask(row rowScanner) (domain.QueueTask, error) {
	var t domain.QueueTask
	var started sql.NullInt64
	var status string
	var payload []byte
	if err := row.Scan(&t.ID, &t.QueueID, &payload, &t.Priority, &t.Added, &started, &status, &t.Retries, &t.LastError); err != nil {
		return domain.QueueTask{}, err
	}
	t.Payload = payload
	if started.Valid {
		s := started.Int64
		t.Started = &s
	}
	t.Status = domain.TaskStatus(status)
	switch t.Status {
	case domain.StatusPending, domain.StatusRunning, domain.StatusDone, domain.StatusFailed:
	default:
		return t, fmt.Errorf("%w: task %s has status %q", ErrInvalidRecord, t.ID, status)
	}
	if t.QueueID == "" || t.Retries < 0 {
		return t, fmt.Errorf("%w: task %s", ErrInvalidRecord, t.ID)
	}
	return t, nil
}

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.QueueTask) (domain.QueueTask, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.QueueID == "" {
		return domain.QueueTask{}, fmt.Errorf("%w: queue id is required", ErrInvalidRecord)
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("null")
	}
	t.Status = domain.StatusPending
	t.Started = nil
	t.Retries = 0
	t.LastError = ""

	_, err := r.db.ExecContext(ctx, `
INSERT INTO queue_tasks (id,queue_id,payload,priority,added,started,status,retries,last_error)
VALUES (?,?,?,?,?,NULL,'pending',0,'')
`, t.ID, t.QueueID, []byte(t.Payload), t.Priority, t.Added)
	if err != nil {
		return domain.QueueTask{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// LeaseNext picks the highest-priority pending task of queueID whose retry
// delay has elapsed (earliest added first on ties) and marks it running.
// A candidate row that fails validation is marked failed with the reason in
// last_error, and the next candidate is tried.
func (r *sqliteRepo) LeaseNext(ctx context.Context, queueID string, now time.Time, retryDelay time.Duration) (domain.QueueTask, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.QueueTask{}, err
	}
	defer tx.Rollback()

	nowMs := now.UnixMilli()
	var t domain.QueueTask
	for {
		row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM queue_tasks
WHERE queue_id=? AND status='pending' AND (started IS NULL OR started + ? <= ?)
ORDER BY priority DESC, added ASC, rowid ASC
LIMIT 1
`, queueID, retryDelay.Milliseconds(), nowMs)
		t, err = scanTask(row)
		if errors.Is(err, ErrInvalidRecord) {
			if _, upErr := tx.ExecContext(ctx, `UPDATE queue_tasks SET status='failed', retries=MAX(retries,0), last_error=? WHERE id=?`, err.Error(), t.ID); upErr != nil {
				return domain.QueueTask{}, upErr
			}
			continue
		}
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return domain.QueueTask{}, err
			}
			return domain.QueueTask{}, ErrEmpty
		}
		if err != nil {
			return domain.QueueTask{}, err
		}
		break
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_tasks SET status='running', started=? WHERE id=?`, nowMs, t.ID); err != nil {
		return domain.QueueTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueTask{}, err
	}
	t.Status = domain.StatusRunning
	t.Started = &nowMs
	return t, nil
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.exec1(ctx, id, `UPDATE queue_tasks SET status='done', last_error='' WHERE id=?`, id)
}

// Retry charges one attempt. The task becomes failed once retries reaches
// maxRetries, otherwise it goes back to pending.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, maxRetries int) (domain.TaskStatus, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var retries int
	if err := tx.QueryRowContext(ctx, `SELECT retries FROM queue_tasks WHERE id=?`, id).Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return "", err
	}
	retries++
	status := domain.StatusPending
	if retries >= maxRetries {
		status = domain.StatusFailed
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_tasks SET retries=?, status=?, last_error=? WHERE id=?`,
		retries, string(status), errStr, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	// Hard fail: move to failed and stop
	return r.exec1(ctx, id, `UPDATE queue_tasks SET status='failed', last_error=? WHERE id=?`, errStr, id)
}

// RecoverStale resets tasks left running by a previous process. Their retry
// count is not charged.
func (r *sqliteRepo) RecoverStale(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_tasks SET status='pending', started=NULL WHERE status='running'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.QueueTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func (r *sqliteRepo) GetAll(ctx context.Context) ([]domain.QueueTask, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM queue_tasks ORDER BY added ASC, rowid ASC`)
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.QueueTask, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM queue_tasks ORDER BY added DESC, rowid DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string, force bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM queue_tasks WHERE id=?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return err
	}
	if !force && !domain.TaskStatus(status).Terminal() {
		return &TaskInUseError{ID: id, Status: status}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteOlderThan removes terminal tasks added before cutoff.
func (r *sqliteRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE status IN ('done','failed') AND added < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearQueue removes every task of queueID that is not running.
func (r *sqliteRepo) ClearQueue(ctx context.Context, queueID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE queue_id=? AND status <> 'running'`, queueID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) exec1(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func (r *sqliteRepo) query(ctx context.Context, query string, args ...any) ([]domain.QueueTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
