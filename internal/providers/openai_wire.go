package providers

// Wire types for the OpenAI-compatible streaming protocol.

type openAIStreamChunk struct {
	Choices []struct {
		Delta        openAIDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	ToolCalls        []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name             string `json:"name"`
			Arguments        string `json:"arguments"`
			ThoughtSignature string `json:"thought_signature"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	PromptTokensDetails     *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *openAIUsage) toUsage() *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// cleanSchema strips JSON-schema keywords some backends reject.
func cleanSchema(backend string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties":
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = cleanSchema(backend, sub)
			continue
		}
		if subs, ok := v.([]interface{}); ok {
			cleaned := make([]interface{}, len(subs))
			for i, s := range subs {
				if sm, ok := s.(map[string]interface{}); ok {
					cleaned[i] = cleanSchema(backend, sm)
				} else {
					cleaned[i] = s
				}
			}
			out[k] = cleaned
			continue
		}
		out[k] = v
	}
	return out
}
