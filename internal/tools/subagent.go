package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/loom/internal/session"
)

// SubagentTool runs a prompt in an isolated subsession sharing the
// parent's sandbox and returns the subagent's final answer.
type SubagentTool struct{}

func (t *SubagentTool) Name() string               { return "subagent" }
func (t *SubagentTool) RequiresConfirmation() bool { return false }
func (t *SubagentTool) Description() string {
	return "Delegate a task to a subagent running in an isolated subsession"
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Task description for the subagent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short identifier for the subsession",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model override for the subagent. Defaults to the parent's model.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	spawn := SpawnFromCtx(ctx)
	if spawn == nil {
		return nil, fmt.Errorf("subagent: no spawn function in context")
	}
	params := CallParamsFromCtx(ctx)
	if session.IsSubsession(params.SessionID) {
		return nil, fmt.Errorf("%w: subagents cannot spawn subagents", ErrBadRequest)
	}

	prompt, _ := args["prompt"].(string)
	label, _ := args["label"].(string)
	if label == "" {
		label = "sub"
	}
	model, _ := args["model"].(string)
	if model == "" {
		model = params.ModelName
	}

	subID := session.Subsession(params.SessionID, label)
	answer, err := spawn(ctx, subID, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("subagent: %w", err)
	}
	return NewResult(map[string]interface{}{
		"session_id": subID,
		"answer":     answer,
	}), nil
}
