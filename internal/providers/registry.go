package providers

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// ErrNoAccount means no enabled credential can serve the requested model.
var ErrNoAccount = errors.New("providers: no account configured")

const quotaBackoff = 30 * time.Minute

// Registry resolves model names to credentials and builds providers.
// Gemini OAuth accounts carry per-account quota and are picked
// least-recently-used; API-key accounts are picked in configured order.
type Registry struct {
	accounts     store.AccountStore
	clientID     string
	clientSecret string
	logger       *slog.Logger

	mu      sync.Mutex
	sources map[string]*TokenSource // account id -> cached token source
}

func NewRegistry(accounts store.AccountStore, oauthClientID, oauthClientSecret string, logger *slog.Logger) *Registry {
	return &Registry{
		accounts:     accounts,
		clientID:     oauthClientID,
		clientSecret: oauthClientSecret,
		logger:       logger,
		sources:      make(map[string]*TokenSource),
	}
}

func kindForModel(model string) store.AccountKind {
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return store.AccountGemini
	}
	return store.AccountOpenAI
}

// Resolve picks the account that should serve model and builds a
// provider bound to it. exclude lists account IDs already tried this
// turn.
func (r *Registry) Resolve(ctx context.Context, model string, exclude ...string) (Provider, *store.Account, error) {
	kind := kindForModel(model)
	accounts, err := r.accounts.List(ctx, kind)
	if err != nil {
		return nil, nil, err
	}

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	now := time.Now()
	candidates := accounts[:0]
	for _, a := range accounts {
		if !a.Enabled || skip[a.ID] {
			continue
		}
		if kind == store.AccountGemini && a.QuotaExhaustedUntil.After(now) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoAccount
	}

	var picked *store.Account
	if kind == store.AccountGemini {
		// Least recently used; sort order breaks ties.
		sort.SliceStable(candidates, func(i, j int) bool {
			if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
				return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
			}
			return candidates[i].SortOrder < candidates[j].SortOrder
		})
		picked = candidates[0]
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].SortOrder < candidates[j].SortOrder
		})
		picked = candidates[0]
	}

	if err := r.accounts.MarkUsed(ctx, picked.ID); err != nil {
		r.logger.Warn("mark account used", "account", picked.ID, "error", err)
	}

	return r.providerFor(picked, model), picked, nil
}

func (r *Registry) providerFor(a *store.Account, model string) Provider {
	if a.Kind == store.AccountGemini {
		return NewGeminiProvider(r.tokenSource(a), model)
	}
	name := "openai"
	if a.Name != "" {
		name = a.Name
	}
	return NewOpenAIProvider(name, a.APIKey, a.APIBase, model)
}

func (r *Registry) tokenSource(a *store.Account) *TokenSource {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts, ok := r.sources[a.ID]; ok {
		return ts
	}
	id := a.ID
	ts := NewTokenSource(r.clientID, r.clientSecret, a.AccessToken, a.RefreshToken, a.TokenExpiry,
		func(access string, expiry time.Time) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			acct, err := r.accounts.Get(ctx, id)
			if err != nil {
				return
			}
			acct.AccessToken = access
			acct.TokenExpiry = expiry
			if err := r.accounts.Put(ctx, acct); err != nil {
				r.logger.Warn("persist refreshed token", "account", id, "error", err)
			}
		})
	r.sources[a.ID] = ts
	return ts
}

// Generate resolves an account for req.Model and runs the stream. On a
// quota error the account is benched and one other account is tried
// before the error surfaces.
func (r *Registry) Generate(ctx context.Context, req Request, onPart func(Part)) (*Result, error) {
	provider, account, err := r.Resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	result, err := provider.Generate(ctx, req, onPart)
	if err == nil || !IsQuotaError(err) {
		return result, err
	}

	until := time.Now().Add(quotaBackoff)
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > 0 {
		until = time.Now().Add(he.RetryAfter)
	}
	if merr := r.accounts.MarkQuotaExhausted(ctx, account.ID, until.Unix()); merr != nil {
		r.logger.Warn("mark quota exhausted", "account", account.ID, "error", merr)
	}
	r.logger.Info("quota exhausted, trying another account",
		"model", req.Model, "account", account.ID)

	provider, _, rerr := r.Resolve(ctx, req.Model, account.ID)
	if rerr != nil {
		return nil, err
	}
	return provider.Generate(ctx, req, onPart)
}
