package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type branchStore struct {
	db *DB
}

func (s *branchStore) Get(ctx context.Context, id string) (*store.Branch, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT id, session_id, parent_branch_id, branch_from_message_id, tail_message_id, pending_confirmation, created_at
		 FROM branches WHERE id = ?`, id)
	return scanBranch(row)
}

func (s *branchStore) ListForSession(ctx context.Context, sessionID string) ([]*store.Branch, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT id, session_id, parent_branch_id, branch_from_message_id, tail_message_id, pending_confirmation, created_at
		 FROM branches WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, mapErr(rows.Err())
}

// Fork creates a sibling branch diverging after fromMessageID. The new
// branch starts empty; its history is inherited through the parent chain.
// The fork point's chosen_next_id is not rewritten: the parent branch's
// spine stays intact and the session's primary-branch pointer decides
// what a client sees.
func (s *branchStore) Fork(ctx context.Context, fromMessageID int64) (*store.Branch, error) {
	b := &store.Branch{
		ID:                  "b-" + uuid.NewString(),
		BranchFromMessageID: fromMessageID,
		TailMessageID:       fromMessageID,
		CreatedAt:           time.Now().UTC(),
	}

	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT b.session_id, m.branch_id FROM messages m JOIN branches b ON b.id = m.branch_id WHERE m.id = ?`,
			fromMessageID)
		if err := row.Scan(&b.SessionID, &b.ParentBranchID); err != nil {
			return mapErr(err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO branches (id, session_id, parent_branch_id, branch_from_message_id, tail_message_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.SessionID, b.ParentBranchID, b.BranchFromMessageID, b.TailMessageID, b.CreatedAt)
		return mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *branchStore) Create(ctx context.Context, b *store.Branch) error {
	if b.ID == "" {
		b.ID = "b-" + uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.w.ExecContext(ctx,
		`INSERT INTO branches (id, session_id, parent_branch_id, branch_from_message_id, tail_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.ParentBranchID, b.BranchFromMessageID, b.TailMessageID, b.CreatedAt)
	return mapErr(err)
}

func (s *branchStore) SetPendingConfirmation(ctx context.Context, branchID, payload string) error {
	res, err := s.db.w.ExecContext(ctx,
		`UPDATE branches SET pending_confirmation = ? WHERE id = ?`, payload, branchID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanBranch(row rowScanner) (*store.Branch, error) {
	var b store.Branch
	if err := row.Scan(&b.ID, &b.SessionID, &b.ParentBranchID, &b.BranchFromMessageID,
		&b.TailMessageID, &b.PendingConfirmation, &b.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}
