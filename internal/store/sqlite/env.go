package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type envStore struct {
	db *DB
}

// Roots replays every recorded diff for the session in order.
func (s *envStore) Roots(ctx context.Context, sessionID string) ([]store.EnvRoot, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT diff FROM env_versions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	current := map[string]store.EnvRoot{}
	var order []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, mapErr(err)
		}
		var diff store.EnvDiff
		if err := json.Unmarshal([]byte(raw), &diff); err != nil {
			return nil, fmt.Errorf("%w: env diff: %v", store.ErrCorrupt, err)
		}
		for _, r := range diff.Added {
			if _, ok := current[r.Path]; !ok {
				order = append(order, r.Path)
			}
			current[r.Path] = r
		}
		for _, r := range diff.Removed {
			delete(current, r.Path)
		}
		for _, p := range diff.Prompts {
			if r, ok := current[p.Path]; ok {
				r.Prompt = p.Prompt
				current[p.Path] = r
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	var out []store.EnvRoot
	for _, path := range order {
		if r, ok := current[path]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Apply records the diff and appends an env_changed entry carrying it
// to the session's primary branch in the same transaction, so the next
// turn replays the change to clients.
func (s *envStore) Apply(ctx context.Context, sessionID string, diff store.EnvDiff) error {
	raw, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("%w: encode env diff: %v", store.ErrCorrupt, err)
	}
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		var branchID string
		row := tx.QueryRowContext(ctx,
			`SELECT primary_branch_id FROM sessions WHERE id = ?`, sessionID)
		if err := row.Scan(&branchID); err != nil {
			return mapErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO env_versions (session_id, diff, created_at) VALUES (?, ?, ?)`,
			sessionID, string(raw), time.Now().UTC()); err != nil {
			return mapErr(err)
		}
		m := &store.Message{BranchID: branchID, Type: store.TypeEnvChanged, Text: string(raw)}
		return appendTx(ctx, tx, m)
	})
}
