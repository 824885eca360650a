package tools

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/loom/internal/store"
)

const defaultMaxEntries = 200

// ListDirectoryTool returns a bounded directory tree from the session
// sandbox.
type ListDirectoryTool struct{}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "List files and directories under a path as a bounded tree"
}
func (t *ListDirectoryTool) RequiresConfirmation() bool { return false }

func (t *ListDirectoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list. Defaults to the sandbox root.",
			},
			"max_entries": map[string]interface{}{
				"type":        "number",
				"description": "Maximum entries before the tree is truncated.",
				"minimum":     1.0,
			},
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	fs := SandboxFromCtx(ctx)
	if fs == nil {
		return nil, fmt.Errorf("list_directory: no sandbox in context")
	}

	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	maxEntries := defaultMaxEntries
	if v, ok := args["max_entries"].(float64); ok && v > 0 {
		maxEntries = int(v)
	}

	tree, err := fs.ListDirectory(path, maxEntries)
	if err != nil {
		return nil, fmt.Errorf("list_directory: %w", err)
	}
	return NewResult(map[string]interface{}{"tree": tree}), nil
}

// ReadFileTool reads file contents from the session sandbox. Text files
// come back inline; binary files are stored as blobs and referenced as
// attachments.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string                { return "read_file" }
func (t *ReadFileTool) Description() string         { return "Read the contents of a file" }
func (t *ReadFileTool) RequiresConfirmation() bool  { return false }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	fs := SandboxFromCtx(ctx)
	if fs == nil {
		return nil, fmt.Errorf("read_file: no sandbox in context")
	}
	path, _ := args["path"].(string)

	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}

	if utf8.Valid(data) && !strings.Contains(string(data), "\x00") {
		return NewResult(map[string]interface{}{"content": string(data)}), nil
	}

	blobs := BlobsFromCtx(ctx)
	if blobs == nil {
		return nil, fmt.Errorf("read_file: binary file and no blob store in context")
	}
	hash, err := blobs.Put(data)
	if err != nil {
		return nil, fmt.Errorf("read_file: store blob: %w", err)
	}
	return NewResult(map[string]interface{}{
		"binary": true,
		"size":   len(data),
	}).WithAttachments(store.FileAttachment{
		FileName: filepath.Base(path),
		MimeType: mimeFor(path),
		Hash:     hash,
	}), nil
}

// WriteFileTool writes file contents into the session sandbox. Gated on
// user confirmation; the turn engine shows a unified diff before
// approval.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string               { return "write_file" }
func (t *WriteFileTool) Description() string        { return "Write content to a file, creating parent directories as needed" }
func (t *WriteFileTool) RequiresConfirmation() bool { return true }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full new file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

// Preview renders a unified diff of the proposed write against the
// file's current content for the confirmation prompt.
func (t *WriteFileTool) Preview(ctx context.Context, args map[string]interface{}) (string, error) {
	fs := SandboxFromCtx(ctx)
	if fs == nil {
		return "", fmt.Errorf("write_file: no sandbox in context")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	old, err := fs.ReadFile(path)
	if err != nil {
		old = nil // new file
	}
	return UnifiedDiff(string(old), content, path, 3), nil
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	fs := SandboxFromCtx(ctx)
	if fs == nil {
		return nil, fmt.Errorf("write_file: no sandbox in context")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	if err := fs.WriteFile(path, []byte(content)); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return NewResult(map[string]interface{}{
		"status":  "success",
		"path":    path,
		"written": len(content),
	}), nil
}

func mimeFor(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
