package tools

import "github.com/nextlevelbuilder/loom/internal/store"

// Result is the unified return type from tool execution. Value is fed
// back to the model as the function response; Attachments reference
// blob-store content surfaced alongside it.
type Result struct {
	Value       map[string]interface{} `json:"value"`
	Attachments []store.FileAttachment `json:"attachments,omitempty"`
}

func NewResult(value map[string]interface{}) *Result {
	return &Result{Value: value}
}

func TextResult(text string) *Result {
	return &Result{Value: map[string]interface{}{"output": text}}
}

// DeniedResult is fed back to the model when the user rejects a
// confirmation-gated call.
func DeniedResult() *Result {
	return &Result{Value: map[string]interface{}{"status": "denied"}}
}

func (r *Result) WithAttachments(atts ...store.FileAttachment) *Result {
	r.Attachments = append(r.Attachments, atts...)
	return r
}
