package logsink

import (
	"context"
	"database/sql"
	"time"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS log_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  time INTEGER NOT NULL,
  level TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  fields BLOB
);
CREATE INDEX IF NOT EXISTS idx_log_records_time ON log_records(time);
`)
	return err
}

// SQLiteRepo stores records in the log_records table.
type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

func (r *SQLiteRepo) Insert(ctx context.Context, recs []Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO log_records (time,level,message,fields) VALUES (?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		var fields []byte
		if len(rec.Fields) > 0 {
			fields = rec.Fields
		}
		if _, err := stmt.ExecContext(ctx, rec.Time, rec.Level, rec.Message, fields); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM log_records WHERE time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TrimTo removes the oldest records until at most keep remain.
func (r *SQLiteRepo) TrimTo(ctx context.Context, keep int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM log_records WHERE id IN (
  SELECT id FROM log_records ORDER BY time ASC, id ASC
  LIMIT MAX(0, (SELECT COUNT(*) FROM log_records) - ?)
)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_records`).Scan(&n)
	return n, err
}

// Recent returns the newest records, newest first.
func (r *SQLiteRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT time,level,message,fields FROM log_records ORDER BY time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var fields []byte
		if err := rows.Scan(&rec.Time, &rec.Level, &rec.Message, &fields); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			rec.Fields = fields
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
