package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	geminiAPIBase       = "https://generativelanguage.googleapis.com/v1beta/openai"
	geminiDefaultModel  = "gemini-2.5-pro"
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
)

// TokenSource refreshes an OAuth access token when it nears expiry.
// Refreshed tokens are reported through onRefresh so the caller can
// persist them.
type TokenSource struct {
	mu           sync.Mutex
	clientID     string
	clientSecret string
	accessToken  string
	refreshToken string
	expiry       time.Time
	client       *http.Client
	onRefresh    func(access string, expiry time.Time)
}

func NewTokenSource(clientID, clientSecret, access, refresh string, expiry time.Time, onRefresh func(string, time.Time)) *TokenSource {
	return &TokenSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		accessToken:  access,
		refreshToken: refresh,
		expiry:       expiry,
		client:       &http.Client{Timeout: 30 * time.Second},
		onRefresh:    onRefresh,
	}
}

// Token returns a valid access token, refreshing if it expires within
// the next minute.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.accessToken != "" && time.Until(ts.expiry) > time.Minute {
		return ts.accessToken, nil
	}
	if ts.refreshToken == "" {
		return "", fmt.Errorf("gemini: no refresh token")
	}

	form := url.Values{
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
		"refresh_token": {ts.refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", googleTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &HTTPError{Status: resp.StatusCode, Body: "gemini token refresh: " + string(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("gemini: decode token: %w", err)
	}

	ts.accessToken = tok.AccessToken
	ts.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if ts.onRefresh != nil {
		ts.onRefresh(ts.accessToken, ts.expiry)
	}
	return ts.accessToken, nil
}

// NewGeminiProvider builds a provider against Gemini's OpenAI-compatible
// endpoint using an OAuth token source.
func NewGeminiProvider(ts *TokenSource, defaultModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return NewOpenAIProvider("gemini", "", geminiAPIBase, defaultModel).
		WithBearer(ts.Token)
}

// collapseCallsWithoutSig strips function-call cycles that lack
// thought_signature (required by Gemini 2.5+). History stored before
// signature capture doesn't have it, and Gemini rejects those messages
// with HTTP 400. The assistant's text content (if any) is preserved;
// only the calls and their matching responses are dropped.
func collapseCallsWithoutSig(msgs []Message) []Message {
	collapseIDs := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.FunctionCalls) == 0 {
			continue
		}
		for _, fc := range m.FunctionCalls {
			if fc.Metadata["thought_signature"] == "" {
				for _, fc2 := range m.FunctionCalls {
					collapseIDs[fc2.ID] = true
				}
				break
			}
		}
	}
	if len(collapseIDs) == 0 {
		return msgs
	}

	result := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.FunctionCalls) > 0 && collapseIDs[m.FunctionCalls[0].ID] {
			if m.Content != "" {
				result = append(result, Message{Role: "assistant", Content: m.Content})
			}
			for i+1 < len(msgs) && msgs[i+1].FunctionResponse != nil && collapseIDs[msgs[i+1].FunctionResponse.ID] {
				i++
			}
			continue
		}

		if m.FunctionResponse != nil && collapseIDs[m.FunctionResponse.ID] {
			continue
		}

		result = append(result, m)
	}
	return result
}
