package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type shellStore struct {
	db *DB
}

func (s *shellStore) Create(ctx context.Context, j *store.ShellJob) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = store.ShellRunning
	}
	_, err := s.db.w.ExecContext(ctx,
		`INSERT INTO shell_jobs (id, session_id, command, pid, status, exit_code, output, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.Command, j.PID, string(j.Status), j.ExitCode, j.Output, now, now)
	return mapErr(err)
}

func (s *shellStore) Get(ctx context.Context, id string) (*store.ShellJob, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT id, session_id, command, pid, status, exit_code, output, created_at, updated_at
		 FROM shell_jobs WHERE id = ?`, id)
	return scanShellJob(row)
}

func (s *shellStore) AppendOutput(ctx context.Context, id, chunk string) error {
	res, err := s.db.w.ExecContext(ctx,
		`UPDATE shell_jobs SET output = output || ?, updated_at = ? WHERE id = ?`,
		chunk, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *shellStore) DrainOutput(ctx context.Context, id string) (string, error) {
	var out string
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT output FROM shell_jobs WHERE id = ?`, id)
		if err := row.Scan(&out); err != nil {
			return mapErr(err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE shell_jobs SET output = '', updated_at = ? WHERE id = ?`,
			time.Now().UTC(), id)
		return mapErr(err)
	})
	return out, err
}

func (s *shellStore) Finish(ctx context.Context, id string, status store.ShellJobStatus, exitCode int) error {
	res, err := s.db.w.ExecContext(ctx,
		`UPDATE shell_jobs SET status = ?, exit_code = ?, updated_at = ? WHERE id = ?`,
		string(status), exitCode, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *shellStore) ListForSession(ctx context.Context, sessionID string) ([]*store.ShellJob, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT id, session_id, command, pid, status, exit_code, output, created_at, updated_at
		 FROM shell_jobs WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.ShellJob
	for rows.Next() {
		j, err := scanShellJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, mapErr(rows.Err())
}

func scanShellJob(row rowScanner) (*store.ShellJob, error) {
	var j store.ShellJob
	var status string
	var exitCode sql.NullInt64
	if err := row.Scan(&j.ID, &j.SessionID, &j.Command, &j.PID, &status, &exitCode,
		&j.Output, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	j.Status = store.ShellJobStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	return &j, nil
}
