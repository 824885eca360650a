package store

import "time"

// Session identifies one conversation. Sessions are append-mostly: only
// name, primary branch, workspace and the archived flag mutate in place.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SystemPrompt    string    `json:"systemPrompt"`
	WorkspaceID     string    `json:"workspaceId,omitempty"`
	PrimaryBranchID string    `json:"primaryBranchId"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
	Archived        bool      `json:"archived"`
}

// Branch is one linear conversation path within a session. Branches form
// a forest rooted at the session's initial branch; a fork records the
// parent branch and the message in the parent it diverged after.
type Branch struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"sessionId"`
	ParentBranchID      string    `json:"parentBranchId,omitempty"`
	BranchFromMessageID int64     `json:"branchFromMessageId,omitempty"`
	TailMessageID       int64     `json:"tailMessageId,omitempty"`
	PendingConfirmation string    `json:"pendingConfirmation,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// MessageType tags one entry in a branch.
type MessageType string

const (
	TypeUser             MessageType = "user"
	TypeModel            MessageType = "model"
	TypeThought          MessageType = "thought"
	TypeFunctionCall     MessageType = "function_call"
	TypeFunctionResponse MessageType = "function_response"
	TypeSystemPrompt     MessageType = "system_prompt"
	TypeEnvChanged       MessageType = "env_changed"
	TypeCompression      MessageType = "compression"
	TypeModelError       MessageType = "model_error"
	TypeError            MessageType = "error"
	TypeCommand          MessageType = "command"
)

// Role returns the conversational role a type plays when history is
// replayed to a provider.
func (t MessageType) Role() string {
	switch t {
	case TypeUser, TypeCommand, TypeEnvChanged, TypeFunctionResponse:
		return "user"
	case TypeThought:
		return "thought"
	case TypeSystemPrompt:
		return "system"
	default:
		return "model"
	}
}

// Curated reports whether messages of this type belong in the prompt
// history sent to the model. Thoughts and error bookkeeping stay out;
// compression summaries stay in.
func (t MessageType) Curated() bool {
	switch t {
	case TypeThought, TypeModelError, TypeError, TypeEnvChanged, TypeSystemPrompt:
		return false
	default:
		return true
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeUser, TypeModel, TypeThought, TypeFunctionCall, TypeFunctionResponse,
		TypeSystemPrompt, TypeEnvChanged, TypeCompression, TypeModelError, TypeError, TypeCommand:
		return true
	}
	return false
}

// FileAttachment references blob-store bytes by content hash.
type FileAttachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Hash     string `json:"hash"`
}

// Message is one atomic entry in a branch. ChosenNextID traces the
// canonical spine; edits bump Generation instead of mutating text.
type Message struct {
	ID              int64            `json:"id"`
	BranchID        string           `json:"branchId"`
	ParentMessageID int64            `json:"parentMessageId,omitempty"`
	ChosenNextID    int64            `json:"chosenNextId,omitempty"`
	Text            string           `json:"text"`
	Type            MessageType      `json:"type"`
	Attachments     []FileAttachment `json:"attachments,omitempty"`
	CumulTokenCount int              `json:"cumulTokenCount,omitempty"`
	Model           string           `json:"model,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	Generation      int              `json:"generation"`
	Indexed         bool             `json:"-"`
}

// EnvRoot is one filesystem path granted to a session, optionally with a
// root-specific prompt fragment.
type EnvRoot struct {
	Path   string `json:"path"`
	Prompt string `json:"prompt,omitempty"`
}

// EnvDiff records one environment change, persisted as the payload of an
// env_changed message.
type EnvDiff struct {
	Added   []EnvRoot `json:"added,omitempty"`
	Removed []EnvRoot `json:"removed,omitempty"`
	Prompts []EnvRoot `json:"prompts,omitempty"`
}

// ShellJobStatus enumerates shell job lifecycle states.
type ShellJobStatus string

const (
	ShellRunning ShellJobStatus = "running"
	ShellExited  ShellJobStatus = "exited"
	ShellKilled  ShellJobStatus = "killed"
)

// ShellJob is a non-blocking shell command started by the run_shell_command
// tool. Output accumulates until drained by poll_shell_command.
type ShellJob struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Command   string         `json:"command"`
	PID       int            `json:"pid,omitempty"`
	Status    ShellJobStatus `json:"status"`
	ExitCode  *int           `json:"exitCode,omitempty"`
	Output    string         `json:"output,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// AccountKind distinguishes credential families.
type AccountKind string

const (
	AccountGemini AccountKind = "gemini" // OAuth, quota-limited
	AccountOpenAI AccountKind = "openai" // API key, OpenAI-compatible endpoint
)

// Account is one provider credential. Gemini accounts carry OAuth tokens
// and a quota window; OpenAI-compatible accounts carry an API key and an
// explicit ordering for selection.
type Account struct {
	ID                  string      `json:"id"`
	Kind                AccountKind `json:"kind"`
	Name                string      `json:"name"`
	APIKey              string      `json:"-"`
	APIBase             string      `json:"apiBase,omitempty"`
	AccessToken         string      `json:"-"`
	RefreshToken        string      `json:"-"`
	TokenExpiry         time.Time   `json:"-"`
	Enabled             bool        `json:"enabled"`
	SortOrder           int         `json:"sortOrder"`
	LastUsedAt          time.Time   `json:"lastUsedAt,omitempty"`
	QuotaExhaustedUntil time.Time   `json:"quotaExhaustedUntil,omitempty"`
}

// MCPServerConfig describes one MCP connection.
type MCPServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "sse", "http", "stdio"
	URL        string            `json:"url,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    bool              `json:"enabled"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

// Prompt is a named reusable system prompt.
type Prompt struct {
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Workspace groups sessions under a default system prompt.
type Workspace struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DefaultPrompt string    `json:"defaultPrompt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SearchQuery is one full-text search request.
type SearchQuery struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	MaxID int64  `json:"max_id,omitempty"` // return results with message id strictly below
}

// SearchResult is one full-text hit with a <mark>-wrapped excerpt.
type SearchResult struct {
	MessageID   int64       `json:"message_id"`
	SessionID   string      `json:"session_id"`
	Excerpt     string      `json:"excerpt"`
	Type        MessageType `json:"type"`
	CreatedAt   time.Time   `json:"created_at"`
	SessionName string      `json:"session_name"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
}

// SearchPage is a page of search results. HasMore is true when at least
// limit+1 candidates matched.
type SearchPage struct {
	Results []SearchResult `json:"results"`
	HasMore bool           `json:"has_more"`
}
