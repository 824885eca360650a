package sqlite

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// Search runs an FTS5 whole-word match over message text. Excerpts come
// from snippet() with <mark> wrappers; paging is by message id descending
// with max_id as the exclusive upper bound.
func (s *messageStore) Search(ctx context.Context, q store.SearchQuery) (*store.SearchPage, error) {
	match := ftsQuery(q.Query)
	if match == "" {
		return &store.SearchPage{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlq := `
		SELECT m.id, b.session_id, snippet(messages_fts, 0, '<mark>', '</mark>', '…', 16),
		       m.type, m.created_at, s.name, s.workspace_id
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN branches b ON b.id = m.branch_id
		JOIN sessions s ON s.id = b.session_id
		WHERE messages_fts MATCH ? AND m.indexed = 1`
	args := []any{match}
	if q.MaxID > 0 {
		sqlq += ` AND m.id < ?`
		args = append(args, q.MaxID)
	}
	sqlq += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.r.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	page := &store.SearchPage{}
	for rows.Next() {
		var r store.SearchResult
		var typ string
		if err := rows.Scan(&r.MessageID, &r.SessionID, &r.Excerpt, &typ,
			&r.CreatedAt, &r.SessionName, &r.WorkspaceID); err != nil {
			return nil, mapErr(err)
		}
		r.Type = store.MessageType(typ)
		page.Results = append(page.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if len(page.Results) > limit {
		page.Results = page.Results[:limit]
		page.HasMore = true
	}
	return page, nil
}

// ftsQuery turns free-form user input into a safe FTS5 MATCH expression:
// each whitespace-separated term is double-quoted (whole-word match,
// implicit AND), embedded quotes doubled.
func ftsQuery(input string) string {
	terms := strings.Fields(input)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
