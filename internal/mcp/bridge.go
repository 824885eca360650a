package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/loom/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the tools.Tool interface.
// Exposed names may be prefixed with "{server}__" when they collide
// with an existing tool.
type BridgeTool struct {
	server       string
	exposedName  string
	originalName string
	description  string
	schema       map[string]interface{}
	client       *mcpclient.Client
	timeout      time.Duration
	connected    *atomic.Bool
}

func NewBridgeTool(server string, def mcpgo.Tool, client *mcpclient.Client, exposedName string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	schema := map[string]interface{}{"type": "object"}
	if data, err := json.Marshal(def.InputSchema); err == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err == nil && len(m) > 0 {
			schema = m
		}
	}
	return &BridgeTool{
		server:       server,
		exposedName:  exposedName,
		originalName: def.Name,
		description:  def.Description,
		schema:       schema,
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
		connected:    connected,
	}
}

func (t *BridgeTool) Name() string                       { return t.exposedName }
func (t *BridgeTool) Description() string                { return t.description }
func (t *BridgeTool) Parameters() map[string]interface{} { return t.schema }
func (t *BridgeTool) RequiresConfirmation() bool         { return false }

// Server returns the MCP server this tool belongs to.
func (t *BridgeTool) Server() string { return t.server }

// OriginalName returns the tool name as declared by the server, before
// any collision renaming.
func (t *BridgeTool) OriginalName() string { return t.originalName }

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: server %s is disconnected", t.server)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.originalName
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s on %s: %w", t.originalName, t.server, err)
	}

	var text string
	for _, content := range res.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}

	if res.IsError {
		return nil, fmt.Errorf("mcp: %s: %s", t.originalName, text)
	}
	return tools.TextResult(text), nil
}
