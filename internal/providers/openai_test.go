package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestGenerateStreamsParts(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	})
	defer srv.Close()

	p := NewOpenAIProvider("test", "key", srv.URL, "test-model")

	var parts []Part
	result, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(part Part) { parts = append(parts, part) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.Text != "Hello world" {
		t.Errorf("text = %q, want %q", result.Text, "Hello world")
	}
	if result.Thought != "hmm" {
		t.Errorf("thought = %q, want %q", result.Thought, "hmm")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", result.FinishReason)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", result.Usage)
	}

	var sawToken, sawFinish bool
	for _, p := range parts {
		if p.TokenCount != nil && *p.TokenCount == 15 {
			sawToken = true
		}
		if p.FinishReason == "stop" {
			sawFinish = true
		}
	}
	if !sawToken {
		t.Error("no cumulative token count part emitted")
	}
	if !sawFinish {
		t.Error("no finish reason part emitted")
	}
}

func TestGenerateAccumulatesToolCalls(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.txt\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	p := NewOpenAIProvider("test", "key", srv.URL, "test-model")

	var calls []*FunctionCall
	result, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "read it"}},
	}, func(part Part) {
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(result.FunctionCalls) != 1 {
		t.Fatalf("got %d function calls, want 1", len(result.FunctionCalls))
	}
	fc := result.FunctionCalls[0]
	if fc.Name != "read_file" || fc.ID != "call_1" {
		t.Errorf("call = %+v", fc)
	}
	if fc.Args["path"] != "a.txt" {
		t.Errorf("args = %v, want path=a.txt", fc.Args)
	}
	if result.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", result.FinishReason)
	}
	if len(calls) != 1 {
		t.Errorf("streamed %d function call parts, want 1", len(calls))
	}
}

func TestGenerateSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test", "key", srv.URL, "test-model")
	_, err := p.Generate(context.Background(), Request{}, nil)
	if !IsQuotaError(err) {
		t.Fatalf("err = %v, want quota error", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCollapseCallsWithoutSig(t *testing.T) {
	signed := &FunctionCall{ID: "c1", Name: "f", Metadata: map[string]string{"thought_signature": "sig"}}
	unsigned := &FunctionCall{ID: "c2", Name: "g"}

	msgs := []Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "thinking", FunctionCalls: []*FunctionCall{unsigned}},
		{FunctionResponse: &FunctionResponse{ID: "c2", Name: "g", Response: map[string]interface{}{"ok": true}}},
		{Role: "assistant", FunctionCalls: []*FunctionCall{signed}},
		{FunctionResponse: &FunctionResponse{ID: "c1", Name: "f", Response: map[string]interface{}{"ok": true}}},
	}

	out := collapseCallsWithoutSig(msgs)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	// Unsigned cycle collapses to plain assistant text.
	if out[1].Role != "assistant" || out[1].Content != "thinking" || len(out[1].FunctionCalls) != 0 {
		t.Errorf("collapsed message = %+v", out[1])
	}
	// Signed cycle survives intact.
	if len(out[2].FunctionCalls) != 1 || out[2].FunctionCalls[0].ID != "c1" {
		t.Errorf("signed call dropped: %+v", out[2])
	}
}
