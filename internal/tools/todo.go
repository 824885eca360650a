package tools

import (
	"context"
	"fmt"
	"sync"
)

// TodoItem is one entry on the model's working plan.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// WriteTodoTool lets the model maintain a per-session task list shown
// to the user. The list is transient working state, not history, so it
// lives in memory keyed by session.
type WriteTodoTool struct {
	mu    sync.Mutex
	lists map[string][]TodoItem
}

func NewWriteTodoTool() *WriteTodoTool {
	return &WriteTodoTool{lists: make(map[string][]TodoItem)}
}

func (t *WriteTodoTool) Name() string               { return "write_todo" }
func (t *WriteTodoTool) RequiresConfirmation() bool { return false }
func (t *WriteTodoTool) Description() string {
	return "Replace the session's todo list with the given items"
}

func (t *WriteTodoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"todos": map[string]interface{}{
				"type":        "array",
				"description": "Full replacement list of todo items",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"text": map[string]interface{}{"type": "string"},
						"done": map[string]interface{}{"type": "boolean"},
					},
					"required": []string{"text"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *WriteTodoTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	raw, _ := args["todos"].([]interface{})
	items := make([]TodoItem, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: write_todo: items must be objects", ErrBadRequest)
		}
		text, _ := m["text"].(string)
		done, _ := m["done"].(bool)
		items = append(items, TodoItem{Text: text, Done: done})
	}

	params := CallParamsFromCtx(ctx)
	t.mu.Lock()
	t.lists[params.SessionID] = items
	t.mu.Unlock()

	return NewResult(map[string]interface{}{"count": len(items)}), nil
}

// List returns the current todo list for a session.
func (t *WriteTodoTool) List(sessionID string) []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TodoItem(nil), t.lists[sessionID]...)
}
