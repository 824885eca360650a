package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/session"
	"github.com/nextlevelbuilder/loom/internal/store"
)

type sessionStore struct {
	db *DB
}

func (s *sessionStore) Create(ctx context.Context, sess *store.Session) error {
	now := time.Now().UTC()
	branchID := "b-" + uuid.NewString()
	sess.PrimaryBranchID = branchID
	sess.LastUpdatedAt = now

	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, name, system_prompt, workspace_id, primary_branch_id, last_updated_at, archived)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.SystemPrompt, sess.WorkspaceID, branchID, now, boolInt(sess.Archived),
		); err != nil {
			return mapErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO branches (id, session_id, created_at) VALUES (?, ?, ?)`,
			branchID, sess.ID, now,
		); err != nil {
			return mapErr(err)
		}
		return nil
	})
}

func (s *sessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, workspace_id, primary_branch_id, last_updated_at, archived
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *sessionStore) List(ctx context.Context, workspaceID string, includeArchived bool) ([]*store.Session, error) {
	q := `SELECT id, name, system_prompt, workspace_id, primary_branch_id, last_updated_at, archived
	      FROM sessions WHERE id NOT LIKE '.%'`
	args := []any{}
	if workspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if !includeArchived {
		q += ` AND archived = 0`
	}
	q += ` ORDER BY last_updated_at DESC`

	rows, err := s.db.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		// Subsessions never appear in listings; their parent does.
		if session.IsSubsession(sess.ID) {
			continue
		}
		out = append(out, sess)
	}
	return out, mapErr(rows.Err())
}

func (s *sessionStore) ListTemporary(ctx context.Context, cutoff time.Time) ([]*store.Session, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT id, name, system_prompt, workspace_id, primary_branch_id, last_updated_at, archived
		 FROM sessions WHERE id LIKE '.%' AND last_updated_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, mapErr(rows.Err())
}

func (s *sessionStore) Rename(ctx context.Context, id, name string) error {
	return s.exec(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
}

func (s *sessionStore) SetPrimaryBranch(ctx context.Context, id, branchID string) error {
	return s.exec(ctx, `UPDATE sessions SET primary_branch_id = ? WHERE id = ?`, branchID, id)
}

func (s *sessionStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.exec(ctx, `UPDATE sessions SET archived = ? WHERE id = ?`, boolInt(archived), id)
}

func (s *sessionStore) SetWorkspace(ctx context.Context, id, workspaceID string) error {
	return s.exec(ctx, `UPDATE sessions SET workspace_id = ? WHERE id = ?`, workspaceID, id)
}

func (s *sessionStore) Touch(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE sessions SET last_updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

// exec runs one write statement and maps "no row touched" to ErrNotFound
// for UPDATE/DELETE statements keyed by id.
func (s *sessionStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.w.ExecContext(ctx, q, args...)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var archived int
	if err := row.Scan(&sess.ID, &sess.Name, &sess.SystemPrompt, &sess.WorkspaceID,
		&sess.PrimaryBranchID, &sess.LastUpdatedAt, &archived); err != nil {
		return nil, mapErr(err)
	}
	sess.Archived = archived != 0
	return &sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
