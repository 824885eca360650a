package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/sandbox"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
	"github.com/nextlevelbuilder/loom/internal/tools"
)

// scriptedModel plays back one canned response per Generate call.
type scriptedModel struct {
	steps []func(onPart func(providers.Part)) (*providers.Result, error)
	reqs  []providers.Request
}

func (s *scriptedModel) Generate(ctx context.Context, req providers.Request, onPart func(providers.Part)) (*providers.Result, error) {
	s.reqs = append(s.reqs, req)
	if len(s.reqs) > len(s.steps) {
		return nil, fmt.Errorf("unscripted generate call %d", len(s.reqs))
	}
	return s.steps[len(s.reqs)-1](onPart)
}

func textStep(fragments ...string) func(onPart func(providers.Part)) (*providers.Result, error) {
	return func(onPart func(providers.Part)) (*providers.Result, error) {
		for _, f := range fragments {
			onPart(providers.Part{Text: f})
		}
		return &providers.Result{Text: strings.Join(fragments, ""), FinishReason: "stop"}, nil
	}
}

func callStep(name string, args map[string]interface{}) func(onPart func(providers.Part)) (*providers.Result, error) {
	return func(onPart func(providers.Part)) (*providers.Result, error) {
		call := &providers.FunctionCall{ID: "c1", Name: name, Args: args}
		onPart(providers.Part{FunctionCall: call})
		return &providers.Result{FunctionCalls: []*providers.FunctionCall{call}, FinishReason: "tool_calls"}, nil
	}
}

type echoTool struct{ gated bool }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
	}
}
func (e *echoTool) RequiresConfirmation() bool { return e.gated }
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	return tools.NewResult(map[string]interface{}{"echo": args["text"]}), nil
}

type testRig struct {
	engine *Engine
	stores *store.Stores
	hub    *sse.Hub
	model  *scriptedModel
	tools  *tools.Registry
}

func newTestRig(t *testing.T, steps ...func(onPart func(providers.Part)) (*providers.Result, error)) *testRig {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}

	model := &scriptedModel{steps: steps}
	reg := tools.NewRegistry(logger)
	hub := sse.NewHub(logger)
	engine := NewEngine(Config{
		Stores:       db.Stores(),
		Hub:          hub,
		Tools:        reg,
		LLM:          model,
		Sandboxes:    sandbox.NewManager(t.TempDir()),
		Blobs:        blobs,
		Logger:       logger,
		DefaultModel: "gpt-test",
	})
	return &testRig{engine: engine, stores: db.Stores(), hub: hub, model: model, tools: reg}
}

func (r *testRig) newSession(t *testing.T, name string) *store.Session {
	t.Helper()
	sess := &store.Session{ID: "sess-" + t.Name(), Name: name}
	if err := r.stores.Sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return sess
}

// decodeEvent reverses Event.Encode.
func decodeEvent(t *testing.T, raw []byte) sse.Event {
	t.Helper()
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n\n"), "\n")
	for i, l := range lines {
		if !strings.HasPrefix(l, "data: ") {
			t.Fatalf("malformed wire line %q", l)
		}
		lines[i] = strings.TrimPrefix(l, "data: ")
	}
	return sse.Event{Type: sse.Type(lines[0][0]), Payload: strings.Join(lines[1:], "\n")}
}

// drainEvents collects buffered events until a terminal one.
func drainEvents(t *testing.T, sub *sse.Subscriber) []sse.Event {
	t.Helper()
	var out []sse.Event
	for {
		select {
		case raw, ok := <-sub.Events():
			if !ok {
				return out
			}
			ev := decodeEvent(t, raw)
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no terminal event; got %s", eventTypes(out))
		}
	}
}

func eventTypes(evs []sse.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		b.WriteByte(byte(ev.Type))
	}
	return b.String()
}

func TestSendStreamsModelReply(t *testing.T) {
	rig := newTestRig(t, textStep("Hel", "lo"))
	sess := rig.newSession(t, "named")

	turn, err := rig.engine.Send(context.Background(), SendRequest{SessionID: sess.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)

	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0MMQ" {
		t.Fatalf("event sequence = %q, want A0MMQ", got)
	}

	// The streamed fragments landed in one persisted model message.
	history, err := rig.stores.Messages.History(context.Background(), turn.BranchID(), 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Type != store.TypeModel || history[0].Text != "Hello" {
		t.Errorf("model message = %q %q", history[0].Type, history[0].Text)
	}
	if history[1].Type != store.TypeUser || history[1].Text != "hi" {
		t.Errorf("user message = %q %q", history[1].Type, history[1].Text)
	}

	// The 0 event carries a state snapshot including the new message.
	var st InitialState
	if err := json.Unmarshal([]byte(evs[1].Payload), &st); err != nil {
		t.Fatalf("initial state payload: %v", err)
	}
	if st.SessionID != sess.ID || len(st.History) != 1 {
		t.Errorf("snapshot session=%q history=%d", st.SessionID, len(st.History))
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	rig := newTestRig(t,
		callStep("echo", map[string]interface{}{"text": "ping"}),
		textStep("done"))
	if err := rig.tools.Register(&echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess := rig.newSession(t, "named")

	turn, err := rig.engine.Send(context.Background(), SendRequest{SessionID: sess.ID, Message: "go"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0FRMQ" {
		t.Fatalf("event sequence = %q, want A0FRMQ", got)
	}

	// R payload: id line, name line, then {response, attachments} JSON.
	parts := strings.SplitN(evs[3].Payload, "\n", 3)
	if len(parts) != 3 || parts[1] != "echo" {
		t.Fatalf("R payload = %q", evs[3].Payload)
	}
	var wire struct {
		Response map[string]interface{} `json:"response"`
	}
	if err := json.Unmarshal([]byte(parts[2]), &wire); err != nil {
		t.Fatalf("R json: %v", err)
	}
	if wire.Response["echo"] != "ping" {
		t.Errorf("tool response = %v", wire.Response)
	}

	// The second model request replays the tool traffic.
	if len(rig.model.reqs) != 2 {
		t.Fatalf("generate calls = %d", len(rig.model.reqs))
	}
	last := rig.model.reqs[1].Messages
	var sawCall, sawResp bool
	for _, m := range last {
		if len(m.FunctionCalls) > 0 {
			sawCall = true
		}
		if m.FunctionResponse != nil && m.FunctionResponse.Response["echo"] == "ping" {
			sawResp = true
		}
	}
	if !sawCall || !sawResp {
		t.Errorf("second prompt missing tool traffic: call=%v resp=%v", sawCall, sawResp)
	}
}

func TestConfirmationGate(t *testing.T) {
	rig := newTestRig(t,
		callStep("echo", map[string]interface{}{"text": "careful"}),
		textStep("after"))
	if err := rig.tools.Register(&echoTool{gated: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "do it"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0FP" {
		t.Fatalf("event sequence = %q, want A0FP", got)
	}
	branch, err := rig.stores.Branches.Get(ctx, turn.BranchID())
	if err != nil {
		t.Fatalf("Get branch: %v", err)
	}
	if branch.PendingConfirmation == "" {
		t.Fatal("pending confirmation not persisted")
	}

	// While pending, a plain send conflicts.
	if _, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "more"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Send while pending = %v, want conflict", err)
	}

	// Denial records a refusal and hands control back to the model.
	cturn, err := rig.engine.Confirm(ctx, ConfirmRequest{SessionID: sess.ID, Approved: false})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := cturn.Run(); err != nil {
		t.Fatalf("confirm Run: %v", err)
	}
	evs = drainEvents(t, sub)
	if got := eventTypes(evs); got != "RMQ" {
		t.Fatalf("confirm sequence = %q, want RMQ", got)
	}
	if !strings.Contains(evs[0].Payload, `"denied"`) {
		t.Errorf("denial payload = %q", evs[0].Payload)
	}
	branch, _ = rig.stores.Branches.Get(ctx, turn.BranchID())
	if branch.PendingConfirmation != "" {
		t.Error("pending confirmation survived resolution")
	}

	// A second confirm has nothing to resolve.
	if _, err := rig.engine.Confirm(ctx, ConfirmRequest{SessionID: sess.ID, Approved: true}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second Confirm = %v, want conflict", err)
	}
}

func TestConfirmDropsUnknownModifiedKeys(t *testing.T) {
	rig := newTestRig(t,
		callStep("echo", map[string]interface{}{"text": "orig"}),
		textStep("after"))
	if err := rig.tools.Register(&echoTool{gated: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "do it"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(t, sub)

	// A key the tool's schema does not declare must not turn the
	// approval into a validation failure.
	cturn, err := rig.engine.Confirm(ctx, ConfirmRequest{
		SessionID: sess.ID,
		Approved:  true,
		ModifiedArgs: map[string]interface{}{
			"text":         "edited",
			"message_text": "stray client field",
		},
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := cturn.Run(); err != nil {
		t.Fatalf("confirm Run: %v", err)
	}

	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "RMQ" {
		t.Fatalf("confirm sequence = %q, want RMQ", got)
	}
	if !strings.Contains(evs[0].Payload, `"echo":"edited"`) {
		t.Errorf("response payload = %q, want the edited argument echoed", evs[0].Payload)
	}
	if strings.Contains(evs[0].Payload, "error") {
		t.Errorf("approved call failed validation: %q", evs[0].Payload)
	}
}

func TestBranchBusy(t *testing.T) {
	rig := newTestRig(t, textStep("ok"))
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "first"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "second"}); !errors.Is(err, ErrBranchBusy) {
		t.Fatalf("concurrent Send = %v, want ErrBranchBusy", err)
	}
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Terminal event released the lock.
	if _, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "third"}); err != nil {
		t.Fatalf("Send after release: %v", err)
	}
}

func TestRetryForksSiblingBranch(t *testing.T) {
	rig := newTestRig(t, textStep("first answer"), textStep("second answer"))
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	origBranch := turn.BranchID()
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	history, _ := rig.stores.Messages.History(ctx, origBranch, 0, 10)
	modelMsg, userMsg := history[0], history[1]

	rturn, err := rig.engine.Retry(ctx, sess.ID, modelMsg.ID, "")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if rturn.BranchID() == origBranch {
		t.Fatal("retry did not fork")
	}
	sub := rig.hub.Attach(rturn.BranchID())
	defer rig.hub.Detach(rturn.BranchID(), sub)
	if err := rturn.Run(); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0MQ" {
		t.Fatalf("retry sequence = %q, want A0MQ", got)
	}
	if evs[0].Payload != fmt.Sprint(userMsg.ID) {
		t.Errorf("retry ack = %q, want %d", evs[0].Payload, userMsg.ID)
	}

	// Fork sees the shared user message plus its own reply.
	forked, _ := rig.stores.Messages.History(ctx, rturn.BranchID(), 0, 10)
	if len(forked) != 2 {
		t.Fatalf("forked history length = %d, want 2", len(forked))
	}
	if forked[0].Text != "second answer" {
		t.Errorf("forked reply = %q", forked[0].Text)
	}

	// Original branch and its reply are untouched; primary moved.
	orig, _ := rig.stores.Messages.History(ctx, origBranch, 0, 10)
	if orig[0].Text != "first answer" {
		t.Errorf("original reply = %q", orig[0].Text)
	}
	got, _ := rig.stores.Sessions.Get(ctx, sess.ID)
	if got.PrimaryBranchID != rturn.BranchID() {
		t.Error("primary branch did not move to the fork")
	}
}

func TestEditForksBeforeMessage(t *testing.T) {
	rig := newTestRig(t, textStep("old reply"), textStep("new reply"))
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "original question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	history, _ := rig.stores.Messages.History(ctx, turn.BranchID(), 0, 10)
	userMsg := history[1]

	eturn, err := rig.engine.Edit(ctx, EditRequest{SessionID: sess.ID, MessageID: userMsg.ID, Message: "edited question"})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if eturn.BranchID() == turn.BranchID() {
		t.Fatal("edit did not fork")
	}
	if err := eturn.Run(); err != nil {
		t.Fatalf("edit Run: %v", err)
	}

	forked, _ := rig.stores.Messages.History(ctx, eturn.BranchID(), 0, 10)
	if len(forked) != 2 {
		t.Fatalf("forked history length = %d, want 2", len(forked))
	}
	if forked[1].Text != "edited question" || forked[0].Text != "new reply" {
		t.Errorf("forked history = %q / %q", forked[1].Text, forked[0].Text)
	}
	// The original question still exists on the old branch.
	if m, err := rig.stores.Messages.Get(ctx, userMsg.ID); err != nil || m.Text != "original question" {
		t.Errorf("original message = %v, %v", m, err)
	}

	// Only user messages are editable.
	modelMsg := history[0]
	if _, err := rig.engine.Edit(ctx, EditRequest{SessionID: sess.ID, MessageID: modelMsg.ID, Message: "x"}); !errors.Is(err, tools.ErrBadRequest) {
		t.Errorf("Edit model message = %v, want bad request", err)
	}
}

func TestGenerateFailureMarksModelError(t *testing.T) {
	boom := errors.New("upstream exploded")
	rig := newTestRig(t,
		func(onPart func(providers.Part)) (*providers.Result, error) {
			onPart(providers.Part{Text: "partial "})
			return nil, boom
		},
		textStep("recovered"))
	sess := rig.newSession(t, "named")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)
	if err := turn.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want upstream error", err)
	}
	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0ME" {
		t.Fatalf("event sequence = %q, want A0ME", got)
	}

	history, _ := rig.stores.Messages.History(ctx, turn.BranchID(), 0, 10)
	if history[0].Type != store.TypeError {
		t.Errorf("newest message type = %q, want error", history[0].Type)
	}
	if history[1].Type != store.TypeModelError || history[1].Text != "partial " {
		t.Errorf("partial message = %q %q, want model_error", history[1].Type, history[1].Text)
	}

	// retry-error forks from before the error run and regenerates.
	rturn, err := rig.engine.RetryError(ctx, sess.ID, "")
	if err != nil {
		t.Fatalf("RetryError: %v", err)
	}
	if err := rturn.Run(); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	forked, _ := rig.stores.Messages.History(ctx, rturn.BranchID(), 0, 10)
	if forked[0].Text != "recovered" || forked[0].Type != store.TypeModel {
		t.Errorf("retried reply = %q %q", forked[0].Type, forked[0].Text)
	}
	// The error bookkeeping stays behind on the old branch.
	for _, m := range forked {
		if m.Type == store.TypeError || m.Type == store.TypeModelError {
			t.Errorf("error message leaked into fork: %v", m.Type)
		}
	}
}

func TestStartSessionInfersName(t *testing.T) {
	rig := newTestRig(t,
		textStep("Paris has excellent museums."),
		textStep("Paris Trip Planning"))
	ctx := context.Background()

	turn, err := rig.engine.StartSession(ctx, StartRequest{Message: "plan my paris trip", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sub := rig.hub.Attach(turn.BranchID())
	defer rig.hub.Detach(turn.BranchID(), sub)
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := drainEvents(t, sub)
	if got := eventTypes(evs); got != "A0MQ" {
		t.Fatalf("event sequence = %q, want A0MQ", got)
	}

	// N arrives after Q from the detached naming call.
	select {
	case raw := <-sub.Events():
		ev := decodeEvent(t, raw)
		if ev.Type != sse.TypeSessionName {
			t.Fatalf("late event = %c", ev.Type)
		}
		id, name, _ := sse.SplitOnceByNewline(ev.Payload)
		if id != turn.SessionID() || name != "Paris Trip Planning" {
			t.Errorf("N payload = %q / %q", id, name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no N event")
	}
	sess, err := rig.stores.Sessions.Get(ctx, turn.SessionID())
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if sess.Name != "Paris Trip Planning" {
		t.Errorf("session name = %q", sess.Name)
	}
	if sess.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", sess.SystemPrompt)
	}
}

func TestCopySessionSharesHistory(t *testing.T) {
	rig := newTestRig(t, textStep("answer"))
	sess := rig.newSession(t, "Research")
	ctx := context.Background()

	turn, err := rig.engine.Send(ctx, SendRequest{SessionID: sess.ID, Message: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := turn.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dup, err := rig.engine.CopySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CopySession: %v", err)
	}
	if dup.Name != "Research (Copy)" {
		t.Errorf("copy name = %q", dup.Name)
	}
	history, err := rig.stores.Messages.History(ctx, dup.PrimaryBranchID, 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("copied history length = %d, want 2", len(history))
	}
}
