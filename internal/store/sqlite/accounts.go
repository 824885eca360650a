package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type accountStore struct {
	db *DB
}

func (s *accountStore) Put(ctx context.Context, a *store.Account) error {
	_, err := s.db.w.ExecContext(ctx,
		`INSERT INTO accounts (id, kind, name, api_key, api_base, access_token, refresh_token, token_expiry,
		                       enabled, sort_order, last_used_at, quota_exhausted_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     kind = excluded.kind, name = excluded.name, api_key = excluded.api_key,
		     api_base = excluded.api_base, access_token = excluded.access_token,
		     refresh_token = excluded.refresh_token, token_expiry = excluded.token_expiry,
		     enabled = excluded.enabled, sort_order = excluded.sort_order`,
		a.ID, string(a.Kind), a.Name, a.APIKey, a.APIBase, a.AccessToken, a.RefreshToken,
		nullTime(a.TokenExpiry), boolInt(a.Enabled), a.SortOrder,
		nullTime(a.LastUsedAt), nullTime(a.QuotaExhaustedUntil))
	return mapErr(err)
}

func (s *accountStore) Get(ctx context.Context, id string) (*store.Account, error) {
	row := s.db.r.QueryRowContext(ctx, selectAccount+` WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *accountStore) List(ctx context.Context, kind store.AccountKind) ([]*store.Account, error) {
	q := selectAccount
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY sort_order, id`

	rows, err := s.db.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (s *accountStore) MarkUsed(ctx context.Context, id string) error {
	_, err := s.db.w.ExecContext(ctx,
		`UPDATE accounts SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return mapErr(err)
}

func (s *accountStore) MarkQuotaExhausted(ctx context.Context, id string, untilUnix int64) error {
	_, err := s.db.w.ExecContext(ctx,
		`UPDATE accounts SET quota_exhausted_until = ? WHERE id = ?`,
		time.Unix(untilUnix, 0).UTC(), id)
	return mapErr(err)
}

func (s *accountStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.w.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectAccount = `SELECT id, kind, name, api_key, api_base, access_token, refresh_token, token_expiry,
       enabled, sort_order, last_used_at, quota_exhausted_until FROM accounts`

func scanAccount(row rowScanner) (*store.Account, error) {
	var a store.Account
	var kind string
	var enabled int
	var expiry, lastUsed, quota sql.NullTime
	if err := row.Scan(&a.ID, &kind, &a.Name, &a.APIKey, &a.APIBase, &a.AccessToken,
		&a.RefreshToken, &expiry, &enabled, &a.SortOrder, &lastUsed, &quota); err != nil {
		return nil, mapErr(err)
	}
	a.Kind = store.AccountKind(kind)
	a.Enabled = enabled != 0
	a.TokenExpiry = expiry.Time
	a.LastUsedAt = lastUsed.Time
	a.QuotaExhaustedUntil = quota.Time
	return &a, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
