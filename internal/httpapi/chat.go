package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
)

type chatStartRequest struct {
	Message      string                 `json:"message"`
	SystemPrompt string                 `json:"systemPrompt"`
	WorkspaceID  string                 `json:"workspaceId"`
	Model        string                 `json:"model"`
	Temporary    bool                   `json:"temporary"`
	Attachments  []store.FileAttachment `json:"attachments"`
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	var req chatStartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	t, err := s.engine.StartSession(r.Context(), agent.StartRequest{
		Message:      req.Message,
		SystemPrompt: req.SystemPrompt,
		WorkspaceID:  req.WorkspaceID,
		Model:        req.Model,
		Temporary:    req.Temporary,
		Attachments:  req.Attachments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamTurn(w, r, t, true)
}

type chatMessageRequest struct {
	SessionID   string                 `json:"sessionId"`
	Message     string                 `json:"message"`
	Model       string                 `json:"model"`
	Command     bool                   `json:"command"`
	Attachments []store.FileAttachment `json:"attachments"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	t, err := s.engine.Send(r.Context(), agent.SendRequest{
		SessionID:   req.SessionID,
		Message:     req.Message,
		Model:       req.Model,
		Command:     req.Command,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamTurn(w, r, t, false)
}

type confirmRequest struct {
	Approved     bool                   `json:"approved"`
	ModifiedData map[string]interface{} `json:"modifiedData"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	t, err := s.engine.Confirm(r.Context(), agent.ConfirmRequest{
		SessionID:    r.PathValue("sessionId"),
		BranchID:     r.PathValue("branchId"),
		Approved:     req.Approved,
		ModifiedArgs: req.ModifiedData,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamTurn(w, r, t, false)
}

// branchRequest covers both regeneration (retry=1 with
// originalMessageId) and edits (updatedMessageId plus replacement text).
type branchRequest struct {
	Content           string `json:"content"`
	Model             string `json:"model"`
	SystemPrompt      string `json:"systemPrompt"`
	OriginalMessageID int64  `json:"originalMessageId"`
	UpdatedMessageID  int64  `json:"updatedMessageId"`
	NewMessageText    string `json:"newMessageText"`
}

func (s *Server) handleBranchPost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var req branchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	var t *agent.Turn
	var err error
	switch {
	case r.URL.Query().Get("retry") == "1":
		t, err = s.engine.Retry(r.Context(), sessionID, req.OriginalMessageID, req.Model)
	case req.UpdatedMessageID != 0:
		text := req.NewMessageText
		if text == "" {
			text = req.Content
		}
		t, err = s.engine.Edit(r.Context(), agent.EditRequest{
			SessionID: sessionID,
			MessageID: req.UpdatedMessageID,
			Message:   text,
			Model:     req.Model,
		})
	default:
		err = fmt.Errorf("%w: retry=1 or updatedMessageId required", tools.ErrBadRequest)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamTurn(w, r, t, false)
}

func (s *Server) handleRetryError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	decodeBody(w, r, &req) // empty body is fine

	t, err := s.engine.RetryError(r.Context(), r.PathValue("sessionId"), req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamTurn(w, r, t, false)
}

// streamTurn attaches a subscriber, launches the prepared turn and
// relays its events until the terminal one. The subscriber attaches
// before Run starts, so no event can be missed.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, t *agent.Turn, waitName bool) {
	sseHeaders(w)
	sub := s.hub.Attach(t.BranchID())

	s.ops.publish(OpsEvent{Kind: "turn.started", SessionID: t.SessionID(), BranchID: t.BranchID()})
	go func() {
		if err := t.Run(); err != nil {
			s.logger.Warn("turn failed", "session", t.SessionID(), "branch", t.BranchID(), "error", err)
		}
	}()

	s.hub.ServeTurn(r.Context(), w, t.BranchID(), sub, sse.StreamOpts{Owner: true, WaitName: waitName})
	s.ops.publish(OpsEvent{Kind: "turn.finished", SessionID: t.SessionID(), BranchID: t.BranchID()})
}

// handleSessionGet serves a JSON history page, or the SSE load stream
// when the client asks for text/event-stream.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.stores.Sessions.Get(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	branchID := r.URL.Query().Get("primaryBranchId")
	if branchID == "" {
		branchID = sess.PrimaryBranchID
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.loadStream(w, r, sess, branchID)
		return
	}

	beforeID, _ := strconv.ParseInt(r.URL.Query().Get("beforeMessageId"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("fetchLimit"))
	if limit <= 0 {
		limit = 50
	}
	history, err := s.stores.Messages.History(r.Context(), branchID, beforeID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hasMore := len(history) > limit
	if hasMore {
		history = history[:limit]
	}
	// Newest first from the store; oldest first on the wire.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":       sess.ID,
		"primaryBranchId": sess.PrimaryBranchID,
		"messages":        history,
		"hasMore":         hasMore,
	})
}

// loadStream opens an existing branch as SSE: workspace hint, then
// either a single idle snapshot or the active-call snapshot followed by
// the live turn events.
func (s *Server) loadStream(w http.ResponseWriter, r *http.Request, sess *store.Session, branchID string) {
	sseHeaders(w)
	sub := s.hub.Attach(branchID)

	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	if sess.WorkspaceID != "" {
		sse.Event{Type: sse.TypeWorkspaceHint, Payload: sess.WorkspaceID}.WriteTo(w)
		flush()
	}

	st, err := s.engine.StateSnapshot(r.Context(), sess, branchID)
	if err != nil {
		s.hub.Detach(branchID, sub)
		sse.Event{Type: sse.TypeError, Payload: err.Error()}.WriteTo(w)
		flush()
		return
	}

	since, active := s.hub.InFlightSince(branchID)
	if !active {
		s.hub.Detach(branchID, sub)
		sse.Event{Type: sse.TypeInitialIdle, Payload: encodeState(st)}.WriteTo(w)
		flush()
		return
	}

	elapsed := time.Since(since).Seconds()
	st.CallElapsedTimeSeconds = &elapsed
	sse.Event{Type: sse.TypeInitialState, Payload: encodeState(st)}.WriteTo(w)
	flush()
	// A load-stream viewer is never the turn owner; its disconnect
	// must not cancel the generation.
	s.hub.ServeTurn(r.Context(), w, branchID, sub, sse.StreamOpts{})
}

func (s *Server) handleSetPrimaryBranch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var req struct {
		BranchID string `json:"branchId"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.BranchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "branchId required"})
		return
	}
	branch, err := s.stores.Branches.Get(r.Context(), req.BranchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if branch.SessionID != sessionID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "branch not in session"})
		return
	}
	if err := s.stores.Sessions.SetPrimaryBranch(r.Context(), sessionID, req.BranchID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	name := strings.Join(strings.Fields(req.Name), " ")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	if err := s.stores.Sessions.Rename(r.Context(), r.PathValue("sessionId"), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archived bool `json:"archived"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := s.stores.Sessions.SetArchived(r.Context(), r.PathValue("sessionId"), req.Archived); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": req.Archived})
}

func (s *Server) handleMoveWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := s.stores.Sessions.SetWorkspace(r.Context(), r.PathValue("sessionId"), req.WorkspaceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// handleEnvGet returns the session's current roots with all recorded
// diffs applied.
func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	roots, err := s.stores.Env.Roots(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if roots == nil {
		roots = []store.EnvRoot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roots": roots})
}

// handleEnvApply records an environment diff. The store appends the
// matching env_changed message, so the next turn replays it as a G
// event.
func (s *Server) handleEnvApply(w http.ResponseWriter, r *http.Request) {
	var diff store.EnvDiff
	if err := decodeBody(w, r, &diff); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(diff.Added)+len(diff.Removed)+len(diff.Prompts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty diff"})
		return
	}
	for _, root := range diff.Added {
		if root.Path == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "added root without path"})
			return
		}
	}
	if err := s.stores.Env.Apply(r.Context(), r.PathValue("sessionId"), diff); err != nil {
		s.writeError(w, r, err)
		return
	}
	roots, err := s.stores.Env.Roots(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roots": roots})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID int64 `json:"messageId"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.MessageID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messageId required"})
		return
	}
	sess, err := s.engine.ExtractSession(r.Context(), r.PathValue("sessionId"), req.MessageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.CopySession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListAllSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.stores.Sessions.List(r.Context(), "", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("includeArchived") == "true"
	sessions, err := s.stores.Sessions.List(r.Context(), r.URL.Query().Get("workspaceId"), includeArchived)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func encodeState(st *agent.InitialState) string {
	b, _ := json.Marshal(st)
	return string(b)
}

func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
