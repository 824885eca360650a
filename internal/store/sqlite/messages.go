package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type messageStore struct {
	db *DB
}

const messageCols = `id, branch_id, parent_message_id, chosen_next_id, text, type, attachments, cumul_token_count, model, created_at, generation`

// Append inserts m at the tail of its branch. The previous tail's
// chosen_next_id advances only when that tail belongs to the same branch:
// the first message of a fork must not rewrite its parent branch's spine.
func (s *messageStore) Append(ctx context.Context, m *store.Message) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		return appendTx(ctx, tx, m)
	})
}

// appendTx is Append's body, shared with writers that append a message
// as part of a larger transaction (the env store).
func appendTx(ctx context.Context, tx *sql.Tx, m *store.Message) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", store.ErrCorrupt, m.Type)
	}
	m.CreatedAt = time.Now().UTC()
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("%w: encode attachments: %v", store.ErrCorrupt, err)
	}

	var sessionID string
	var tailID int64
	row := tx.QueryRowContext(ctx,
		`SELECT session_id, tail_message_id FROM branches WHERE id = ?`, m.BranchID)
	if err := row.Scan(&sessionID, &tailID); err != nil {
		return mapErr(err)
	}
	m.ParentMessageID = tailID

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (branch_id, parent_message_id, text, type, attachments, cumul_token_count, model, created_at, generation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BranchID, m.ParentMessageID, m.Text, string(m.Type), string(attachments),
		m.CumulTokenCount, m.Model, m.CreatedAt, m.Generation)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return mapErr(err)
	}
	m.ID = id

	if tailID != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET chosen_next_id = ? WHERE id = ? AND branch_id = ?`,
			id, tailID, m.BranchID); err != nil {
			return mapErr(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE branches SET tail_message_id = ? WHERE id = ?`, id, m.BranchID); err != nil {
		return mapErr(err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_updated_at = ? WHERE id = ?`, m.CreatedAt, sessionID)
	return mapErr(err)
}

func (s *messageStore) Get(ctx context.Context, id int64) (*store.Message, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *messageStore) AppendText(ctx context.Context, id int64, fragment string) error {
	res, err := s.db.w.ExecContext(ctx,
		`UPDATE messages SET text = text || ? WHERE id = ?`, fragment, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *messageStore) SetCumulTokens(ctx context.Context, id int64, count int) error {
	_, err := s.db.w.ExecContext(ctx,
		`UPDATE messages SET cumul_token_count = ? WHERE id = ?`, count, id)
	return mapErr(err)
}

func (s *messageStore) SetType(ctx context.Context, id int64, t store.MessageType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown message type %q", store.ErrCorrupt, t)
	}
	res, err := s.db.w.ExecContext(ctx,
		`UPDATE messages SET type = ? WHERE id = ?`, string(t), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// History walks the spine backwards from the branch tail (or from just
// before beforeID), crossing fork points into parent branches through the
// parent_message_id chain. Returns newest first, at most limit+1 rows.
func (s *messageStore) History(ctx context.Context, branchID string, beforeID int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	// Anchor on the newest message to return: the branch tail, or the
	// parent of beforeID when paging.
	var anchor int64
	if beforeID == 0 {
		row := s.db.r.QueryRowContext(ctx,
			`SELECT tail_message_id FROM branches WHERE id = ?`, branchID)
		if err := row.Scan(&anchor); err != nil {
			return nil, mapErr(err)
		}
	} else {
		row := s.db.r.QueryRowContext(ctx,
			`SELECT parent_message_id FROM messages WHERE id = ?`, beforeID)
		if err := row.Scan(&anchor); err != nil {
			return nil, mapErr(err)
		}
	}
	if anchor == 0 {
		return nil, nil
	}

	rows, err := s.db.r.QueryContext(ctx, `
		WITH RECURSIVE spine AS (
			SELECT `+messageCols+`, 0 AS depth FROM messages WHERE id = ?
			UNION ALL
			SELECT m.id, m.branch_id, m.parent_message_id, m.chosen_next_id, m.text, m.type,
			       m.attachments, m.cumul_token_count, m.model, m.created_at, m.generation,
			       s.depth + 1
			FROM messages m JOIN spine s ON m.id = s.parent_message_id
			WHERE s.depth < ?
		)
		SELECT `+messageCols+` FROM spine ORDER BY depth`,
		anchor, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func (s *messageStore) ReferencesAttachment(ctx context.Context, hash string) (bool, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE attachments LIKE ?`, "%"+hash+"%")
	var n int
	if err := row.Scan(&n); err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var typ, attachments string
	if err := row.Scan(&m.ID, &m.BranchID, &m.ParentMessageID, &m.ChosenNextID, &m.Text,
		&typ, &attachments, &m.CumulTokenCount, &m.Model, &m.CreatedAt, &m.Generation); err != nil {
		return nil, mapErr(err)
	}
	m.Type = store.MessageType(typ)
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("%w: attachments of message %d: %v", store.ErrCorrupt, m.ID, err)
		}
	}
	return &m, nil
}
