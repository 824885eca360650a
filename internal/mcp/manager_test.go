package mcp

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/loom/internal/tools"
)

type stubTool struct{ name string }

func (s stubTool) Name() string               { return s.name }
func (s stubTool) Description() string        { return "stub" }
func (s stubTool) RequiresConfirmation() bool { return false }
func (s stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s stubTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	return tools.TextResult("ok"), nil
}

func TestExposedNameCollisionRenaming(t *testing.T) {
	registry := tools.NewRegistry(slog.New(slog.DiscardHandler))
	if err := registry.Register(stubTool{name: "read_file"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := NewManager(registry, nil, slog.New(slog.DiscardHandler))

	if got := m.exposedName("files", "read_file"); got != "files__read_file" {
		t.Errorf("colliding name = %q, want files__read_file", got)
	}
	if got := m.exposedName("files", "search_docs"); got != "search_docs" {
		t.Errorf("free name = %q, want search_docs", got)
	}
}

func TestRouteForResolvesOrigin(t *testing.T) {
	registry := tools.NewRegistry(slog.New(slog.DiscardHandler))
	m := NewManager(registry, nil, slog.New(slog.DiscardHandler))

	m.routes["files__read_file"] = Route{Server: "files", OriginalName: "read_file"}

	r, ok := m.RouteFor("files__read_file")
	if !ok || r.Server != "files" || r.OriginalName != "read_file" {
		t.Errorf("RouteFor = %+v, %v", r, ok)
	}
	if _, ok := m.RouteFor("unknown"); ok {
		t.Error("RouteFor(unknown) = true, want false")
	}
}
