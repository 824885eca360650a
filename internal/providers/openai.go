package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, VLLM, etc.)
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	bearerFn     func(ctx context.Context) (string, error)
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

// WithChatPath returns a copy with a custom chat completions path.
func (p *OpenAIProvider) WithChatPath(path string) *OpenAIProvider {
	p.chatPath = path
	return p
}

// WithBearer replaces the static API key with a per-request token source
// (OAuth accounts refresh tokens out of band).
func (p *OpenAIProvider) WithBearer(fn func(ctx context.Context) (string, error)) *OpenAIProvider {
	p.bearerFn = fn
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request, onPart func(Part)) (*Result, error) {
	model := p.resolveModel(req.Model)
	body := p.buildRequestBody(model, req)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	emit := func(part Part) {
		if onPart != nil {
			onPart(part)
		}
	}

	result := &Result{FinishReason: "stop"}
	accumulators := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				result.Usage = chunk.Usage.toUsage()
				total := result.Usage.TotalTokens
				emit(Part{TokenCount: &total})
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			result.Thought += delta.ReasoningContent
			emit(Part{Thought: delta.ReasoningContent})
		}
		if delta.Content != "" {
			result.Text += delta.Content
			emit(Part{Text: delta.Content})
		}

		// Tool calls arrive as argument fragments keyed by index.
		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{
					call: FunctionCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)},
				}
				accumulators[tc.Index] = acc
			}
			if tc.Function.Name != "" {
				acc.call.Name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
			if tc.Function.ThoughtSignature != "" {
				acc.thoughtSig = tc.Function.ThoughtSignature
			}
		}

		if chunk.Choices[0].FinishReason != "" {
			result.FinishReason = chunk.Choices[0].FinishReason
		}

		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
			total := result.Usage.TotalTokens
			emit(Part{TokenCount: &total})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", p.name, err)
	}

	for i := 0; i < len(accumulators); i++ {
		acc := accumulators[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.call.Args = args
		if acc.thoughtSig != "" {
			acc.call.Metadata = map[string]string{"thought_signature": acc.thoughtSig}
		}
		call := acc.call
		result.FunctionCalls = append(result.FunctionCalls, &call)
		emit(Part{FunctionCall: &call})
	}

	if len(result.FunctionCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emit(Part{FinishReason: result.FinishReason})

	return result, nil
}

type toolCallAccumulator struct {
	call       FunctionCall
	rawArgs    string
	thoughtSig string
}

func (p *OpenAIProvider) buildRequestBody(model string, req Request) map[string]interface{} {
	inputMessages := req.Messages
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		inputMessages = collapseCallsWithoutSig(inputMessages)
	}

	msgs := make([]map[string]interface{}, 0, len(inputMessages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]interface{}{
			"role":    "system",
			"content": req.SystemPrompt,
		})
	}
	for _, m := range inputMessages {
		msgs = append(msgs, encodeMessage(m)...)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   true,
		"stream_options": map[string]interface{}{
			"include_usage": true,
		},
	}

	if len(req.Tools) > 0 {
		body["tools"] = encodeTools(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	return body
}

// encodeMessage converts one internal message to OpenAI wire format.
// Function responses become role "tool" messages; a message carrying
// both text and a response expands to two wire messages.
func encodeMessage(m Message) []map[string]interface{} {
	if m.FunctionResponse != nil {
		respJSON, _ := json.Marshal(m.FunctionResponse.Response)
		return []map[string]interface{}{{
			"role":         "tool",
			"tool_call_id": m.FunctionResponse.ID,
			"content":      string(respJSON),
		}}
	}

	msg := map[string]interface{}{"role": m.Role}

	// Omit empty content for assistant messages with tool_calls
	// (Gemini rejects empty content).
	if m.Role == "user" && len(m.Images) > 0 {
		var parts []map[string]interface{}
		for _, img := range m.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{
				"type": "text",
				"text": m.Content,
			})
		}
		msg["content"] = parts
	} else if m.Content != "" || len(m.FunctionCalls) == 0 {
		msg["content"] = m.Content
	}

	if len(m.FunctionCalls) > 0 {
		toolCalls := make([]map[string]interface{}, len(m.FunctionCalls))
		for i, fc := range m.FunctionCalls {
			argsJSON, _ := json.Marshal(fc.Args)
			fn := map[string]interface{}{
				"name":      fc.Name,
				"arguments": string(argsJSON),
			}
			if sig := fc.Metadata["thought_signature"]; sig != "" {
				fn["thought_signature"] = sig
			}
			toolCalls[i] = map[string]interface{}{
				"id":       fc.ID,
				"type":     "function",
				"function": fn,
			}
		}
		msg["tool_calls"] = toolCalls
	}

	return []map[string]interface{}{msg}
}

func encodeTools(backend string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, len(tools))
	for i, t := range tools {
		out[i] = map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  cleanSchema(backend, t.Parameters),
			},
		}
	}
	return out
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}

	token := p.apiKey
	if p.bearerFn != nil {
		token, err = p.bearerFn(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: bearer token: %w", p.name, err)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}
