// Package store defines the persistence interfaces for sessions,
// branches, messages and the supporting tables, plus the domain types
// they exchange. The sqlite subpackage provides the embedded
// single-writer implementation.
package store

import (
	"context"
	"time"
)

// SessionStore manages session rows.
type SessionStore interface {
	// Create inserts the session and its initial branch, filling
	// s.PrimaryBranchID. Returns ErrConflict when the id exists.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// List returns non-temporary sessions, newest activity first.
	List(ctx context.Context, workspaceID string, includeArchived bool) ([]*Session, error)
	Rename(ctx context.Context, id, name string) error
	SetPrimaryBranch(ctx context.Context, id, branchID string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	SetWorkspace(ctx context.Context, id, workspaceID string) error
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// ListTemporary returns temporary sessions last active before cutoff.
	ListTemporary(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// BranchStore manages branch rows and the pending-confirmation gate.
type BranchStore interface {
	Get(ctx context.Context, id string) (*Branch, error)
	ListForSession(ctx context.Context, sessionID string) ([]*Branch, error)
	// Fork creates a sibling branch diverging after fromMessageID. The
	// fork point's own chosen_next_id is left untouched.
	Fork(ctx context.Context, fromMessageID int64) (*Branch, error)
	// Create inserts an empty branch (editing the first message of a
	// session forks from before any message exists).
	Create(ctx context.Context, b *Branch) error
	// SetPendingConfirmation stores the serialized function call awaiting
	// approval; empty payload clears the gate.
	SetPendingConfirmation(ctx context.Context, branchID, payload string) error
}

// MessageStore manages message rows and full-text search.
type MessageStore interface {
	// Append inserts m on its branch, advancing the previous tail's
	// chosen_next_id and the branch tail in one transaction. Fills m.ID,
	// m.ParentMessageID and m.CreatedAt.
	Append(ctx context.Context, m *Message) error
	Get(ctx context.Context, id int64) (*Message, error)
	// AppendText extends the text of an in-progress message (streaming
	// model fragments are persisted incrementally).
	AppendText(ctx context.Context, id int64, fragment string) error
	SetCumulTokens(ctx context.Context, id int64, count int) error
	// SetType retags a message (a cancelled model message becomes
	// model_error).
	SetType(ctx context.Context, id int64, t MessageType) error
	// History walks the branch spine through parent branches, returning
	// messages strictly before beforeID (0 = from the tail), newest
	// first, at most limit+1 rows so callers can detect hasMore.
	History(ctx context.Context, branchID string, beforeID int64, limit int) ([]*Message, error)
	Search(ctx context.Context, q SearchQuery) (*SearchPage, error)
	// ReferencesAttachment reports whether any message references the
	// blob hash (blob GC guard).
	ReferencesAttachment(ctx context.Context, hash string) (bool, error)
}

// EnvStore manages versioned session environments.
type EnvStore interface {
	// Roots returns the session's current roots (all diffs applied).
	Roots(ctx context.Context, sessionID string) ([]EnvRoot, error)
	// Apply records diff as a new environment version and appends an
	// env_changed message to the session's primary branch.
	Apply(ctx context.Context, sessionID string, diff EnvDiff) error
}

// ShellStore persists shell jobs.
type ShellStore interface {
	Create(ctx context.Context, j *ShellJob) error
	Get(ctx context.Context, id string) (*ShellJob, error)
	AppendOutput(ctx context.Context, id, chunk string) error
	// DrainOutput returns accumulated output and clears it.
	DrainOutput(ctx context.Context, id string) (string, error)
	Finish(ctx context.Context, id string, status ShellJobStatus, exitCode int) error
	ListForSession(ctx context.Context, sessionID string) ([]*ShellJob, error)
}

// AccountStore persists provider credentials.
type AccountStore interface {
	Put(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	List(ctx context.Context, kind AccountKind) ([]*Account, error)
	MarkUsed(ctx context.Context, id string) error
	MarkQuotaExhausted(ctx context.Context, id string, until int64) error
	Delete(ctx context.Context, id string) error
}

// MCPStore persists MCP server configurations.
type MCPStore interface {
	Put(ctx context.Context, c *MCPServerConfig) error
	Get(ctx context.Context, name string) (*MCPServerConfig, error)
	List(ctx context.Context) ([]*MCPServerConfig, error)
	Delete(ctx context.Context, name string) error
}

// PromptStore persists named system prompts.
type PromptStore interface {
	Put(ctx context.Context, p *Prompt) error
	Get(ctx context.Context, name string) (*Prompt, error)
	List(ctx context.Context) ([]*Prompt, error)
	Delete(ctx context.Context, name string) error
}

// WorkspaceStore persists workspaces.
type WorkspaceStore interface {
	Put(ctx context.Context, w *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	List(ctx context.Context) ([]*Workspace, error)
	Delete(ctx context.Context, id string) error
}

// Stores bundles every backend handed through Deps.
type Stores struct {
	Sessions   SessionStore
	Branches   BranchStore
	Messages   MessageStore
	Env        EnvStore
	Shell      ShellStore
	Accounts   AccountStore
	MCP        MCPStore
	Prompts    PromptStore
	Workspaces WorkspaceStore
}
