package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/sandbox"
	"github.com/nextlevelbuilder/loom/internal/session"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
)

var (
	// ErrBranchBusy means a turn is already streaming on the branch.
	ErrBranchBusy = fmt.Errorf("%w: branch busy", store.ErrConflict)
	// ErrConfirmationPending means a gated tool call awaits the user and
	// only the confirm endpoint may act on the branch.
	ErrConfirmationPending = fmt.Errorf("%w: confirmation pending", store.ErrConflict)
	// ErrNoPendingConfirmation means confirm was called on an idle branch.
	ErrNoPendingConfirmation = fmt.Errorf("%w: no pending confirmation", store.ErrConflict)
)

// Generator abstracts the provider registry so tests can substitute a
// scripted model.
type Generator interface {
	Generate(ctx context.Context, req providers.Request, onPart func(providers.Part)) (*providers.Result, error)
}

// Config wires an Engine. Stores, Hub, Tools, LLM and Blobs are
// required; the rest have working defaults.
type Config struct {
	Stores    *store.Stores
	Hub       *sse.Hub
	Tools     *tools.Registry
	LLM       Generator
	Registry  *providers.Registry // exposed to tools; may be nil in tests
	Sandboxes *sandbox.Manager
	Blobs     *blob.Store
	Logger    *slog.Logger

	DefaultModel      string
	MaxToolIterations int
	HistoryLimit      int
}

// Engine runs conversation turns: it owns the per-branch in-flight
// lock, streams model output into the store and onto the hub, and
// dispatches tool calls.
type Engine struct {
	stores    *store.Stores
	hub       *sse.Hub
	tools     *tools.Registry
	llm       Generator
	registry  *providers.Registry
	sandboxes *sandbox.Manager
	blobs     *blob.Store
	logger    *slog.Logger

	defaultModel string
	maxIter      int
	historyLimit int
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		stores:       cfg.Stores,
		hub:          cfg.Hub,
		tools:        cfg.Tools,
		llm:          cfg.LLM,
		registry:     cfg.Registry,
		sandboxes:    cfg.Sandboxes,
		blobs:        cfg.Blobs,
		logger:       cfg.Logger,
		defaultModel: cfg.DefaultModel,
		maxIter:      cfg.MaxToolIterations,
		historyLimit: cfg.HistoryLimit,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxIter <= 0 {
		e.maxIter = 24
	}
	if e.historyLimit <= 0 {
		e.historyLimit = 200
	}
	return e
}

type turnKind int

const (
	kindSend turnKind = iota
	kindConfirm
	kindResume // retry after error, no new user message
)

// Turn is a prepared generation turn. Preparation acquires the branch
// lock synchronously so HTTP handlers can report conflicts before they
// start streaming; Run drives the turn and releases the lock through
// its terminal event.
type Turn struct {
	engine *Engine

	sess     *store.Session
	branchID string
	model    string
	kind     turnKind

	// kindSend
	userText    string
	userType    store.MessageType
	attachments []store.FileAttachment
	ackID       int64 // pre-existing message to ack instead of appending

	// kindConfirm
	pending  *PendingConfirmation
	approved bool
	modified map[string]interface{}

	inferName bool
	autoDeny  bool // subagents deny gated tools instead of pausing

	ctx    context.Context
	cancel context.CancelFunc
}

func (t *Turn) SessionID() string { return t.sess.ID }
func (t *Turn) BranchID() string  { return t.branchID }

// StartRequest creates a session and sends its first message.
type StartRequest struct {
	Message      string
	SystemPrompt string
	WorkspaceID  string
	Model        string
	Temporary    bool
	Attachments  []store.FileAttachment
}

// SendRequest appends a message to an existing session's primary branch.
type SendRequest struct {
	SessionID   string
	Message     string
	Model       string
	Command     bool
	Attachments []store.FileAttachment
}

// ConfirmRequest resolves a pending tool confirmation.
type ConfirmRequest struct {
	SessionID    string
	BranchID     string
	Approved     bool
	ModifiedArgs map[string]interface{}
}

// EditRequest replaces a user message on a fresh branch forked from
// just before it.
type EditRequest struct {
	SessionID string
	MessageID int64
	Message   string
	Model     string
}

// StartSession persists a new session with its system prompt and
// prepares the first turn.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (*Turn, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty message", tools.ErrBadRequest)
	}
	id := session.New()
	if req.Temporary {
		id = session.NewTemporary()
	}
	sess := &store.Session{
		ID:           id,
		SystemPrompt: req.SystemPrompt,
		WorkspaceID:  req.WorkspaceID,
	}
	if err := e.stores.Sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if req.SystemPrompt != "" {
		m := &store.Message{BranchID: sess.PrimaryBranchID, Text: req.SystemPrompt, Type: store.TypeSystemPrompt}
		if err := e.stores.Messages.Append(ctx, m); err != nil {
			return nil, err
		}
	}
	t, err := e.prepareSend(ctx, sess, req.Message, req.Model, false, req.Attachments)
	if err != nil {
		return nil, err
	}
	t.inferName = true
	return t, nil
}

// Send prepares a turn for a new message on the session's primary branch.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*Turn, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty message", tools.ErrBadRequest)
	}
	sess, err := e.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	t, err := e.prepareSend(ctx, sess, req.Message, req.Model, req.Command, req.Attachments)
	if err != nil {
		return nil, err
	}
	t.inferName = sess.Name == ""
	return t, nil
}

func (e *Engine) prepareSend(ctx context.Context, sess *store.Session, text, model string, command bool, atts []store.FileAttachment) (*Turn, error) {
	branch, err := e.stores.Branches.Get(ctx, sess.PrimaryBranchID)
	if err != nil {
		return nil, err
	}
	if branch.PendingConfirmation != "" {
		return nil, ErrConfirmationPending
	}
	t := &Turn{
		engine:   e,
		sess:     sess,
		branchID: branch.ID,
		model:    e.resolveModel(model),
		kind:     kindSend,
		userText: text,
		userType: store.TypeUser,
	}
	if command {
		t.userType = store.TypeCommand
	}
	t.attachments = atts
	if err := e.lock(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Confirm prepares the continuation of a turn paused on a gated tool
// call. The stored confirmation is consumed here; a second confirm on
// the same branch conflicts.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (*Turn, error) {
	sess, err := e.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = sess.PrimaryBranchID
	}
	branch, err := e.stores.Branches.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if branch.PendingConfirmation == "" {
		return nil, ErrNoPendingConfirmation
	}
	var pending PendingConfirmation
	if err := decodeJSON(branch.PendingConfirmation, &pending); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}

	t := &Turn{
		engine:   e,
		sess:     sess,
		branchID: branch.ID,
		model:    e.resolveModel(""),
		kind:     kindConfirm,
		pending:  &pending,
		approved: req.Approved,
		modified: req.ModifiedArgs,
	}
	if err := e.lock(t); err != nil {
		return nil, err
	}
	if err := e.stores.Branches.SetPendingConfirmation(ctx, branch.ID, ""); err != nil {
		t.cancel()
		e.hub.CancelInFlight(branch.ID)
		return nil, err
	}
	return t, nil
}

// Retry forks a sibling branch from the user message that produced
// modelMessageID and regenerates from there. The session's primary
// branch moves to the fork; the original branch is untouched.
func (e *Engine) Retry(ctx context.Context, sessionID string, modelMessageID int64, model string) (*Turn, error) {
	sess, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target, err := e.stores.Messages.Get(ctx, modelMessageID)
	if err != nil {
		return nil, err
	}
	if target.ParentMessageID == 0 {
		return nil, fmt.Errorf("%w: message has no parent to retry from", tools.ErrBadRequest)
	}
	srcBranch, err := e.stores.Branches.Get(ctx, target.BranchID)
	if err != nil {
		return nil, err
	}
	if srcBranch.SessionID != sess.ID {
		return nil, fmt.Errorf("%w: message not in session", tools.ErrBadRequest)
	}
	branch, err := e.stores.Branches.Fork(ctx, target.ParentMessageID)
	if err != nil {
		return nil, err
	}
	if err := e.stores.Sessions.SetPrimaryBranch(ctx, sess.ID, branch.ID); err != nil {
		return nil, err
	}
	sess.PrimaryBranchID = branch.ID

	t := &Turn{
		engine:   e,
		sess:     sess,
		branchID: branch.ID,
		model:    e.resolveModel(model),
		kind:     kindSend,
		ackID:    target.ParentMessageID,
	}
	if err := e.lock(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Edit forks from just before an existing user message and sends the
// replacement text on the fork. Editing the first message of a branch
// forks from the root.
func (e *Engine) Edit(ctx context.Context, req EditRequest) (*Turn, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty message", tools.ErrBadRequest)
	}
	sess, err := e.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	target, err := e.stores.Messages.Get(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if target.Type != store.TypeUser && target.Type != store.TypeCommand {
		return nil, fmt.Errorf("%w: only user messages can be edited", tools.ErrBadRequest)
	}

	var branch *store.Branch
	if target.ParentMessageID != 0 {
		branch, err = e.stores.Branches.Fork(ctx, target.ParentMessageID)
		if err != nil {
			return nil, err
		}
	} else {
		branch = &store.Branch{SessionID: sess.ID, ParentBranchID: target.BranchID}
		if err := e.stores.Branches.Create(ctx, branch); err != nil {
			return nil, err
		}
	}
	if err := e.stores.Sessions.SetPrimaryBranch(ctx, sess.ID, branch.ID); err != nil {
		return nil, err
	}
	sess.PrimaryBranchID = branch.ID

	t := &Turn{
		engine:      e,
		sess:        sess,
		branchID:    branch.ID,
		model:       e.resolveModel(req.Model),
		kind:        kindSend,
		userText:    req.Message,
		userType:    target.Type,
		attachments: target.Attachments,
	}
	if err := e.lock(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RetryError forks from the newest message before the trailing error
// run and regenerates without a new user message.
func (e *Engine) RetryError(ctx context.Context, sessionID, model string) (*Turn, error) {
	sess, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := e.stores.Messages.History(ctx, sess.PrimaryBranchID, 0, e.historyLimit)
	if err != nil {
		return nil, err
	}
	var anchor int64
	for _, m := range history { // newest first
		if m.Type == store.TypeError || m.Type == store.TypeModelError {
			continue
		}
		anchor = m.ID
		break
	}
	if anchor == 0 {
		return nil, fmt.Errorf("%w: nothing to retry from", tools.ErrBadRequest)
	}
	branch, err := e.stores.Branches.Fork(ctx, anchor)
	if err != nil {
		return nil, err
	}
	if err := e.stores.Sessions.SetPrimaryBranch(ctx, sess.ID, branch.ID); err != nil {
		return nil, err
	}
	sess.PrimaryBranchID = branch.ID

	t := &Turn{
		engine:   e,
		sess:     sess,
		branchID: branch.ID,
		model:    e.resolveModel(model),
		kind:     kindResume,
		ackID:    anchor,
	}
	if err := e.lock(t); err != nil {
		return nil, err
	}
	return t, nil
}

// CopySession duplicates a session's metadata under a derived name and
// points the copy at the source's primary branch history by forking at
// its tail. Messages are shared, not duplicated.
func (e *Engine) CopySession(ctx context.Context, sessionID string) (*store.Session, error) {
	src, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	dup := &store.Session{
		ID:           session.New(),
		Name:         CopySessionName(src.Name),
		SystemPrompt: src.SystemPrompt,
		WorkspaceID:  src.WorkspaceID,
	}
	if err := e.stores.Sessions.Create(ctx, dup); err != nil {
		return nil, err
	}
	srcBranch, err := e.stores.Branches.Get(ctx, src.PrimaryBranchID)
	if err != nil {
		return nil, err
	}
	if srcBranch.TailMessageID != 0 {
		// Fork would put the branch in the source session; create it in
		// the copy explicitly.
		fork := &store.Branch{
			SessionID:           dup.ID,
			ParentBranchID:      srcBranch.ID,
			BranchFromMessageID: srcBranch.TailMessageID,
			TailMessageID:       srcBranch.TailMessageID,
		}
		if err := e.stores.Branches.Create(ctx, fork); err != nil {
			return nil, err
		}
		if err := e.stores.Sessions.SetPrimaryBranch(ctx, dup.ID, fork.ID); err != nil {
			return nil, err
		}
		dup.PrimaryBranchID = fork.ID
	}
	return dup, nil
}

// ExtractSession creates a new session whose history is the source
// branch spine up to and including messageID. Like CopySession the
// messages are shared through a fork, not duplicated.
func (e *Engine) ExtractSession(ctx context.Context, sessionID string, messageID int64) (*store.Session, error) {
	src, err := e.stores.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg, err := e.stores.Messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	msgBranch, err := e.stores.Branches.Get(ctx, msg.BranchID)
	if err != nil {
		return nil, err
	}
	if msgBranch.SessionID != src.ID {
		return nil, fmt.Errorf("%w: message not in session", tools.ErrBadRequest)
	}
	dup := &store.Session{
		ID:           session.New(),
		Name:         CopySessionName(src.Name),
		SystemPrompt: src.SystemPrompt,
		WorkspaceID:  src.WorkspaceID,
	}
	if err := e.stores.Sessions.Create(ctx, dup); err != nil {
		return nil, err
	}
	fork := &store.Branch{
		SessionID:           dup.ID,
		ParentBranchID:      msgBranch.ID,
		BranchFromMessageID: messageID,
		TailMessageID:       messageID,
	}
	if err := e.stores.Branches.Create(ctx, fork); err != nil {
		return nil, err
	}
	if err := e.stores.Sessions.SetPrimaryBranch(ctx, dup.ID, fork.ID); err != nil {
		return nil, err
	}
	dup.PrimaryBranchID = fork.ID
	return dup, nil
}

// lock claims the branch's in-flight slot. The detached context keeps
// the turn alive after the originating request returns; the hub cancels
// it when a subscriber's connection drops.
func (e *Engine) lock(t *Turn) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(context.Background()))
	if !e.hub.SetInFlight(t.branchID, cancel) {
		cancel()
		return ErrBranchBusy
	}
	t.ctx, t.cancel = ctx, cancel
	return nil
}

func (e *Engine) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return e.defaultModel
}

// InitialState is the payload of the 0 and 1 events: everything a
// client needs to render the branch before live parts arrive.
type InitialState struct {
	SessionID              string               `json:"sessionId"`
	History                []*store.Message     `json:"history"`
	SystemPrompt           string               `json:"systemPrompt,omitempty"`
	WorkspaceID            string               `json:"workspaceId,omitempty"`
	PrimaryBranchID        string               `json:"primaryBranchId"`
	CallElapsedTimeSeconds *float64             `json:"callElapsedTimeSeconds,omitempty"`
	Pending                *PendingConfirmation `json:"pendingConfirmation,omitempty"`
}

// StateSnapshot builds the initial-state payload for a branch.
func (e *Engine) StateSnapshot(ctx context.Context, sess *store.Session, branchID string) (*InitialState, error) {
	branch, err := e.stores.Branches.Get(ctx, branchID)
	if err != nil {
		return nil, err
	}
	history, err := e.stores.Messages.History(ctx, branchID, 0, e.historyLimit)
	if err != nil {
		return nil, err
	}
	// Oldest first for the wire.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	st := &InitialState{
		SessionID:       sess.ID,
		History:         history,
		SystemPrompt:    sess.SystemPrompt,
		WorkspaceID:     sess.WorkspaceID,
		PrimaryBranchID: sess.PrimaryBranchID,
	}
	if branch.PendingConfirmation != "" {
		var pending PendingConfirmation
		if err := decodeJSON(branch.PendingConfirmation, &pending); err == nil {
			st.Pending = &pending
		}
	}
	return st, nil
}

// Spawn runs a one-shot subagent session to completion and returns its
// final text. Gated tools are denied instead of pausing; a subagent has
// no user to ask.
func (e *Engine) Spawn(ctx context.Context, sessionID, model, prompt string) (string, error) {
	sess := &store.Session{ID: sessionID, Name: sessionID}
	if err := e.stores.Sessions.Create(ctx, sess); err != nil {
		return "", err
	}
	t := &Turn{
		engine:   e,
		sess:     sess,
		branchID: sess.PrimaryBranchID,
		model:    e.resolveModel(model),
		kind:     kindSend,
		userText: prompt,
		userType: store.TypeUser,
		autoDeny: true,
	}
	if err := e.lock(t); err != nil {
		return "", err
	}
	if err := t.Run(); err != nil {
		return "", err
	}
	return t.lastModelText(ctx)
}

func (t *Turn) lastModelText(ctx context.Context) (string, error) {
	history, err := t.engine.stores.Messages.History(ctx, t.branchID, 0, 10)
	if err != nil {
		return "", err
	}
	for _, m := range history {
		if m.Type == store.TypeModel {
			return m.Text, nil
		}
	}
	return "", fmt.Errorf("subagent produced no reply")
}

// nameInferTimeout bounds the async session-naming call.
const nameInferTimeout = 30 * time.Second
