package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type mcpStore struct {
	db *DB
}

func (s *mcpStore) Put(ctx context.Context, c *store.MCPServerConfig) error {
	args, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Errorf("%w: encode args: %v", store.ErrCorrupt, err)
	}
	headers, err := json.Marshal(c.Headers)
	if err != nil {
		return fmt.Errorf("%w: encode headers: %v", store.ErrCorrupt, err)
	}
	_, err = s.db.w.ExecContext(ctx,
		`INSERT INTO mcp_servers (name, transport, url, command, args, headers, enabled, timeout_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     transport = excluded.transport, url = excluded.url, command = excluded.command,
		     args = excluded.args, headers = excluded.headers, enabled = excluded.enabled,
		     timeout_sec = excluded.timeout_sec`,
		c.Name, c.Transport, c.URL, c.Command, string(args), string(headers),
		boolInt(c.Enabled), c.TimeoutSec)
	return mapErr(err)
}

func (s *mcpStore) Get(ctx context.Context, name string) (*store.MCPServerConfig, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT name, transport, url, command, args, headers, enabled, timeout_sec
		 FROM mcp_servers WHERE name = ?`, name)
	return scanMCP(row)
}

func (s *mcpStore) List(ctx context.Context) ([]*store.MCPServerConfig, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT name, transport, url, command, args, headers, enabled, timeout_sec
		 FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.MCPServerConfig
	for rows.Next() {
		c, err := scanMCP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (s *mcpStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.w.ExecContext(ctx, `DELETE FROM mcp_servers WHERE name = ?`, name)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanMCP(row rowScanner) (*store.MCPServerConfig, error) {
	var c store.MCPServerConfig
	var args, headers string
	var enabled int
	if err := row.Scan(&c.Name, &c.Transport, &c.URL, &c.Command, &args, &headers,
		&enabled, &c.TimeoutSec); err != nil {
		return nil, mapErr(err)
	}
	c.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(args), &c.Args); err != nil {
		return nil, fmt.Errorf("%w: mcp args: %v", store.ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(headers), &c.Headers); err != nil {
		return nil, fmt.Errorf("%w: mcp headers: %v", store.ErrCorrupt, err)
	}
	return &c, nil
}

type promptStore struct {
	db *DB
}

func (s *promptStore) Put(ctx context.Context, p *store.Prompt) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.w.ExecContext(ctx,
		`INSERT INTO prompts (name, text, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		p.Name, p.Text, p.UpdatedAt)
	return mapErr(err)
}

func (s *promptStore) Get(ctx context.Context, name string) (*store.Prompt, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT name, text, updated_at FROM prompts WHERE name = ?`, name)
	var p store.Prompt
	if err := row.Scan(&p.Name, &p.Text, &p.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *promptStore) List(ctx context.Context) ([]*store.Prompt, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT name, text, updated_at FROM prompts ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Prompt
	for rows.Next() {
		var p store.Prompt
		if err := rows.Scan(&p.Name, &p.Text, &p.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &p)
	}
	return out, mapErr(rows.Err())
}

func (s *promptStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.w.ExecContext(ctx, `DELETE FROM prompts WHERE name = ?`, name)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type workspaceStore struct {
	db *DB
}

func (s *workspaceStore) Put(ctx context.Context, w *store.Workspace) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.w.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, default_prompt, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, default_prompt = excluded.default_prompt`,
		w.ID, w.Name, w.DefaultPrompt, w.CreatedAt)
	return mapErr(err)
}

func (s *workspaceStore) Get(ctx context.Context, id string) (*store.Workspace, error) {
	row := s.db.r.QueryRowContext(ctx,
		`SELECT id, name, default_prompt, created_at FROM workspaces WHERE id = ?`, id)
	var w store.Workspace
	if err := row.Scan(&w.ID, &w.Name, &w.DefaultPrompt, &w.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (s *workspaceStore) List(ctx context.Context) ([]*store.Workspace, error) {
	rows, err := s.db.r.QueryContext(ctx,
		`SELECT id, name, default_prompt, created_at FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Workspace
	for rows.Next() {
		var w store.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.DefaultPrompt, &w.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &w)
	}
	return out, mapErr(rows.Err())
}

func (s *workspaceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.w.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
