package tools

import (
	"context"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/sandbox"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// Tool execution context keys.
// These replace mutable setter fields on tool instances, making tools
// thread-safe for concurrent execution. Values are injected into context
// by the registry and read by individual tools during Execute().

type toolContextKey string

const (
	ctxStores  toolContextKey = "tool_stores"
	ctxSandbox toolContextKey = "tool_sandbox"
	ctxBlobs   toolContextKey = "tool_blobs"
	ctxLLM     toolContextKey = "tool_llm"
	ctxEnv     toolContextKey = "tool_env"
	ctxParams  toolContextKey = "tool_params"
	ctxSpawn   toolContextKey = "tool_spawn"
)

// CallParams identify the turn a tool call belongs to.
type CallParams struct {
	SessionID            string
	BranchID             string
	ModelName            string
	ConfirmationReceived bool
}

func WithStores(ctx context.Context, s *store.Stores) context.Context {
	return context.WithValue(ctx, ctxStores, s)
}

func StoresFromCtx(ctx context.Context) *store.Stores {
	v, _ := ctx.Value(ctxStores).(*store.Stores)
	return v
}

func WithSandbox(ctx context.Context, fs *sandbox.FS) context.Context {
	return context.WithValue(ctx, ctxSandbox, fs)
}

func SandboxFromCtx(ctx context.Context) *sandbox.FS {
	v, _ := ctx.Value(ctxSandbox).(*sandbox.FS)
	return v
}

func WithBlobs(ctx context.Context, b *blob.Store) context.Context {
	return context.WithValue(ctx, ctxBlobs, b)
}

func BlobsFromCtx(ctx context.Context) *blob.Store {
	v, _ := ctx.Value(ctxBlobs).(*blob.Store)
	return v
}

func WithLLM(ctx context.Context, r *providers.Registry) context.Context {
	return context.WithValue(ctx, ctxLLM, r)
}

func LLMFromCtx(ctx context.Context) *providers.Registry {
	v, _ := ctx.Value(ctxLLM).(*providers.Registry)
	return v
}

func WithEnvRoots(ctx context.Context, roots []store.EnvRoot) context.Context {
	return context.WithValue(ctx, ctxEnv, roots)
}

func EnvRootsFromCtx(ctx context.Context) []store.EnvRoot {
	v, _ := ctx.Value(ctxEnv).([]store.EnvRoot)
	return v
}

func WithCallParams(ctx context.Context, p CallParams) context.Context {
	return context.WithValue(ctx, ctxParams, p)
}

func CallParamsFromCtx(ctx context.Context) CallParams {
	v, _ := ctx.Value(ctxParams).(CallParams)
	return v
}

// SpawnFunc runs a subsession turn and returns the final model text.
// Injected by the turn engine so the subagent tool can recurse without
// an import cycle.
type SpawnFunc func(ctx context.Context, sessionID, model, prompt string) (string, error)

func WithSpawn(ctx context.Context, fn SpawnFunc) context.Context {
	return context.WithValue(ctx, ctxSpawn, fn)
}

func SpawnFromCtx(ctx context.Context) SpawnFunc {
	v, _ := ctx.Value(ctxSpawn).(SpawnFunc)
	return v
}
