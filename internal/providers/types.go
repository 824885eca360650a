package providers

import "context"

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Generate sends the request and streams response parts via onPart.
	// Returns the aggregated result after the stream ends.
	Generate(ctx context.Context, req Request, onPart func(Part)) (*Result, error)

	// DefaultModel returns the backend's default model name.
	DefaultModel() string

	// Name returns the backend identifier (e.g. "gemini", "openai").
	Name() string
}

// Request contains the input for a Generate call.
type Request struct {
	Model        string           `json:"model,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
}

// Part is one unit of a streamed model response. Exactly one field group
// is populated per part.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          string            `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	InlineData       []InlineData      `json:"inline_data,omitempty"`
	FinishReason     string            `json:"finish_reason,omitempty"`
	TokenCount       *int              `json:"token_count,omitempty"` // cumulative for the turn
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Args     map[string]interface{} `json:"args"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Response    map[string]interface{} `json:"response"`
	Attachments []InlineData           `json:"attachments,omitempty"`
}

// InlineData is binary content carried inline on the wire (base64).
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Name     string `json:"name,omitempty"`
}

// Result is the aggregate of a completed Generate stream.
type Result struct {
	Text          string          `json:"text"`
	Thought       string          `json:"thought,omitempty"`
	FunctionCalls []*FunctionCall `json:"function_calls,omitempty"`
	FinishReason  string          `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage         *Usage          `json:"usage,omitempty"`
}

// Message represents one conversation entry sent to the backend.
type Message struct {
	Role             string            `json:"role"` // "system", "user", "assistant", "tool"
	Content          string            `json:"content"`
	Images           []InlineData      `json:"images,omitempty"`
	FunctionCalls    []*FunctionCall   `json:"function_calls,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption for one turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}
