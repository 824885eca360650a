package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// CallPayload is the persisted body of a function_call message.
type CallPayload struct {
	ID   string                 `json:"id,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ResponsePayload is the persisted body of a function_response message.
// The same shape, minus Name, travels on the R event wire.
type ResponsePayload struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"`
	Response    map[string]interface{} `json:"response"`
	Attachments []store.FileAttachment `json:"attachments,omitempty"`
}

// PendingConfirmation is stored on the branch while a gated tool call
// waits for the user and is echoed verbatim in the P event.
type PendingConfirmation struct {
	MessageID int64                  `json:"messageId"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args"`
	Preview   string                 `json:"preview,omitempty"`
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeJSON(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

func parseCallPayload(text string) (*CallPayload, error) {
	var p CallPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("malformed function_call payload: %w", err)
	}
	return &p, nil
}

func parseResponsePayload(text string) (*ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("malformed function_response payload: %w", err)
	}
	return &p, nil
}

func (p *CallPayload) toProvider() *providers.FunctionCall {
	return &providers.FunctionCall{ID: p.ID, Name: p.Name, Args: p.Args}
}

func (p *ResponsePayload) toProvider() *providers.FunctionResponse {
	return &providers.FunctionResponse{ID: p.ID, Name: p.Name, Response: p.Response}
}
