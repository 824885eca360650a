package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

const defaultSessionName = "New Chat"

// copySuffixRe matches a trailing "(Copy)" or "(Copy N)" marker.
// Separators are exactly one whitespace rune each; "Copy" is matched
// case-insensitively. Go's \s does not cover Unicode spaces such as
// U+3000, hence the explicit class.
var copySuffixRe = regexp.MustCompile(`(?i)^(.*\S)[\t\n\f\r\p{Zs}]\(copy(?:[\t\n\f\r\p{Zs}](\d+))?\)$`)

// CopySessionName derives the name for a duplicated session. A bare
// name gains " (Copy)", an existing copy marker increments its counter,
// and a zero counter is normalized back to the unnumbered form.
func CopySessionName(name string) string {
	name = strings.TrimRightFunc(name, unicode.IsSpace)
	if name == "" {
		return defaultSessionName + " (Copy)"
	}

	m := copySuffixRe.FindStringSubmatch(name)
	if m == nil {
		return name + " (Copy)"
	}
	base := m[1]
	if m[2] == "" {
		return base + " (Copy 2)"
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return name + " (Copy)"
	}
	if n == 0 {
		return base + " (Copy)"
	}
	return fmt.Sprintf("%s (Copy %d)", base, n+1)
}

const namingSystemPrompt = `You name chat sessions. Given the first exchange of a conversation, respond with a short descriptive title of at most six words. Respond with the title only: no quotes, no punctuation at the end, no explanation.`

// inferSessionName asks the model for a short title summarizing the
// opening exchange. The result is flattened to a single line.
func (e *Engine) inferSessionName(ctx context.Context, model, userText, assistantText string) (string, error) {
	req := providers.Request{
		Model:        model,
		SystemPrompt: namingSystemPrompt,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf("User: %s\n\nAssistant: %s", clip(userText, 2000), clip(assistantText, 2000))},
		},
	}
	res, err := e.llm.Generate(ctx, req, func(providers.Part) {})
	if err != nil {
		return "", err
	}
	name := sanitizeSessionName(res.Text)
	if name == "" {
		return "", fmt.Errorf("model returned empty session name")
	}
	return name, nil
}

func sanitizeSessionName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"'`)
	return clip(s, 80)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
