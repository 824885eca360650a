package providers

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

type fakeAccounts struct {
	accounts map[string]*store.Account
	used     []string
}

func newFakeAccounts(accts ...*store.Account) *fakeAccounts {
	m := make(map[string]*store.Account)
	for _, a := range accts {
		m[a.ID] = a
	}
	return &fakeAccounts{accounts: m}
}

func (f *fakeAccounts) Put(ctx context.Context, a *store.Account) error {
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*store.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) List(ctx context.Context, kind store.AccountKind) ([]*store.Account, error) {
	var out []*store.Account
	for _, a := range f.accounts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccounts) MarkUsed(ctx context.Context, id string) error {
	f.used = append(f.used, id)
	f.accounts[id].LastUsedAt = time.Now()
	return nil
}

func (f *fakeAccounts) MarkQuotaExhausted(ctx context.Context, id string, until int64) error {
	f.accounts[id].QuotaExhaustedUntil = time.Unix(until, 0)
	return nil
}

func (f *fakeAccounts) Delete(ctx context.Context, id string) error {
	delete(f.accounts, id)
	return nil
}

func testRegistry(accts *fakeAccounts) *Registry {
	return NewRegistry(accts, "cid", "secret", slog.New(slog.DiscardHandler))
}

func TestResolveGeminiLeastRecentlyUsed(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-1 * time.Minute)
	accts := newFakeAccounts(
		&store.Account{ID: "a", Kind: store.AccountGemini, Enabled: true, LastUsedAt: recent},
		&store.Account{ID: "b", Kind: store.AccountGemini, Enabled: true, LastUsedAt: old},
	)

	_, picked, err := testRegistry(accts).Resolve(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if picked.ID != "b" {
		t.Errorf("picked %s, want b (least recently used)", picked.ID)
	}
	if len(accts.used) != 1 || accts.used[0] != "b" {
		t.Errorf("MarkUsed calls = %v, want [b]", accts.used)
	}
}

func TestResolveGeminiSkipsExhaustedQuota(t *testing.T) {
	accts := newFakeAccounts(
		&store.Account{ID: "a", Kind: store.AccountGemini, Enabled: true,
			QuotaExhaustedUntil: time.Now().Add(time.Hour)},
		&store.Account{ID: "b", Kind: store.AccountGemini, Enabled: true,
			LastUsedAt: time.Now()},
	)

	_, picked, err := testRegistry(accts).Resolve(context.Background(), "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if picked.ID != "b" {
		t.Errorf("picked %s, want b", picked.ID)
	}
}

func TestResolveOpenAIByConfiguredOrder(t *testing.T) {
	accts := newFakeAccounts(
		&store.Account{ID: "a", Kind: store.AccountOpenAI, Enabled: true, SortOrder: 2, APIKey: "k2"},
		&store.Account{ID: "b", Kind: store.AccountOpenAI, Enabled: true, SortOrder: 1, APIKey: "k1"},
		&store.Account{ID: "c", Kind: store.AccountOpenAI, Enabled: false, SortOrder: 0, APIKey: "k0"},
	)

	_, picked, err := testRegistry(accts).Resolve(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if picked.ID != "b" {
		t.Errorf("picked %s, want b (lowest enabled sort order)", picked.ID)
	}
}

func TestResolveNoAccount(t *testing.T) {
	accts := newFakeAccounts(
		&store.Account{ID: "a", Kind: store.AccountOpenAI, Enabled: false},
	)

	_, _, err := testRegistry(accts).Resolve(context.Background(), "gpt-4o")
	if err != ErrNoAccount {
		t.Fatalf("err = %v, want ErrNoAccount", err)
	}
}

func TestResolveExcludes(t *testing.T) {
	accts := newFakeAccounts(
		&store.Account{ID: "a", Kind: store.AccountGemini, Enabled: true},
		&store.Account{ID: "b", Kind: store.AccountGemini, Enabled: true},
	)

	_, picked, err := testRegistry(accts).Resolve(context.Background(), "gemini-2.5-pro", "a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if picked.ID != "b" {
		t.Errorf("picked %s, want b", picked.ID)
	}

	_, _, err = testRegistry(accts).Resolve(context.Background(), "gemini-2.5-pro", "a", "b")
	if err != ErrNoAccount {
		t.Errorf("err = %v, want ErrNoAccount when all excluded", err)
	}
}

func TestKindForModel(t *testing.T) {
	tests := []struct {
		model string
		want  store.AccountKind
	}{
		{"gemini-2.5-pro", store.AccountGemini},
		{"Gemini-2.5-flash", store.AccountGemini},
		{"gpt-4o", store.AccountOpenAI},
		{"deepseek-chat", store.AccountOpenAI},
	}
	for _, tt := range tests {
		if got := kindForModel(tt.model); got != tt.want {
			t.Errorf("kindForModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
