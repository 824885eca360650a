package agent

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// buildPrompt replays the branch's curated history as provider
// messages, oldest first. Thoughts, error bookkeeping and environment
// notices stay out; compression summaries and tool traffic stay in.
func (e *Engine) buildPrompt(ctx context.Context, branchID string) ([]providers.Message, error) {
	history, err := e.stores.Messages.History(ctx, branchID, 0, e.historyLimit)
	if err != nil {
		return nil, err
	}
	// History returns newest first.
	msgs := make([]providers.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if !m.Type.Curated() {
			continue
		}
		pm, ok := e.toProviderMessage(m)
		if !ok {
			continue
		}
		msgs = append(msgs, pm)
	}
	return msgs, nil
}

func (e *Engine) toProviderMessage(m *store.Message) (providers.Message, bool) {
	switch m.Type {
	case store.TypeFunctionCall:
		p, err := parseCallPayload(m.Text)
		if err != nil {
			e.logger.Warn("skipping corrupt function_call in history", "message", m.ID, "error", err)
			return providers.Message{}, false
		}
		return providers.Message{Role: "assistant", FunctionCalls: []*providers.FunctionCall{p.toProvider()}}, true
	case store.TypeFunctionResponse:
		p, err := parseResponsePayload(m.Text)
		if err != nil {
			e.logger.Warn("skipping corrupt function_response in history", "message", m.ID, "error", err)
			return providers.Message{}, false
		}
		return providers.Message{Role: "tool", FunctionResponse: p.toProvider()}, true
	}

	role := m.Type.Role()
	if role != "user" {
		role = "assistant"
	}
	pm := providers.Message{Role: role, Content: m.Text}
	for _, att := range m.Attachments {
		if !strings.HasPrefix(att.MimeType, "image/") {
			continue
		}
		data, err := e.blobs.Get(att.Hash)
		if err != nil {
			e.logger.Warn("attachment blob missing", "hash", att.Hash, "error", err)
			continue
		}
		pm.Images = append(pm.Images, providers.InlineData{
			MimeType: att.MimeType,
			Data:     encodeBase64(data),
			Name:     att.FileName,
		})
	}
	if pm.Content == "" && len(pm.Images) == 0 {
		return providers.Message{}, false
	}
	return pm, true
}

// systemPrompt assembles the session's system prompt plus one fragment
// per environment root that carries one.
func systemPrompt(sess *store.Session, roots []store.EnvRoot) string {
	var b strings.Builder
	b.WriteString(sess.SystemPrompt)
	for _, r := range roots {
		if r.Prompt == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(r.Prompt)
	}
	if len(roots) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Workspace roots available to filesystem tools:\n")
		for _, r := range roots {
			b.WriteString("- ")
			b.WriteString(r.Path)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
