package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/internal/tracing"
)

// streamState tracks the messages being written while one Generate
// stream is in flight.
type streamState struct {
	modelMsgID   int64
	thoughtMsgID int64
	modelText    string
}

// Run drives a prepared turn to its terminal event. It always releases
// the branch lock: every exit path broadcasts Q, P or E, and the hub
// clears the in-flight slot on terminal events.
func (t *Turn) Run() (err error) {
	e := t.engine
	defer t.cancel()

	ctx, tspan := tracing.Start(t.ctx, "agent.turn",
		attribute.String("session.id", t.sess.ID),
		attribute.String("branch.id", t.branchID),
		attribute.String("model", t.model))
	t.ctx = ctx
	defer func() { tracing.End(tspan, err) }()

	toolCtx, release, err := t.toolContext()
	if err != nil {
		t.fail(nil, err)
		return err
	}
	defer release()

	if err := e.stores.Sessions.Touch(t.ctx, t.sess.ID); err != nil {
		e.logger.Warn("session touch failed", "session", t.sess.ID, "error", err)
	}

	switch t.kind {
	case kindSend:
		if err := t.openSend(); err != nil {
			t.fail(nil, err)
			return err
		}
	case kindConfirm:
		t.resolveConfirmation(toolCtx)
	case kindResume:
		t.emit(sse.TypeAck, strconv.FormatInt(t.ackID, 10))
		if err := t.emitInitialState(); err != nil {
			t.fail(nil, err)
			return err
		}
	}

	return t.generate(toolCtx)
}

// openSend appends the user message (unless acking an existing one) and
// emits the A and 0 events that open the stream.
func (t *Turn) openSend() error {
	e := t.engine
	ackID := t.ackID
	if ackID == 0 {
		t.emitEnvChanges()
		m := &store.Message{
			BranchID:    t.branchID,
			Text:        t.userText,
			Type:        t.userType,
			Attachments: t.attachments,
		}
		if err := e.stores.Messages.Append(t.ctx, m); err != nil {
			return err
		}
		ackID = m.ID
	}
	t.emit(sse.TypeAck, strconv.FormatInt(ackID, 10))
	return t.emitInitialState()
}

// emitEnvChanges replays env_changed entries appended since the last
// turn so clients see environment diffs before the new A event.
func (t *Turn) emitEnvChanges() {
	e := t.engine
	history, err := e.stores.Messages.History(t.ctx, t.branchID, 0, 20)
	if err != nil {
		e.logger.Warn("env change scan failed", "branch", t.branchID, "error", err)
		return
	}
	// History is newest first; the pending env changes are the
	// contiguous env_changed run at the tail.
	var run []*store.Message
	for _, m := range history {
		if m.Type != store.TypeEnvChanged {
			break
		}
		run = append(run, m)
	}
	for i := len(run) - 1; i >= 0; i-- {
		t.emit(sse.TypeGeneration, fmt.Sprintf("%d\n%s", run[i].ID, run[i].Text))
	}
}

func (t *Turn) emitInitialState() error {
	st, err := t.engine.StateSnapshot(t.ctx, t.sess, t.branchID)
	if err != nil {
		return err
	}
	t.emit(sse.TypeInitialState, encodeJSON(st))
	return nil
}

// generate is the model loop: build the prompt, stream one response,
// run any requested tools, repeat until the model stops calling tools.
func (t *Turn) generate(toolCtx context.Context) error {
	e := t.engine
	for iter := 0; iter < e.maxIter; iter++ {
		msgs, err := e.buildPrompt(t.ctx, t.branchID)
		if err != nil {
			t.fail(nil, err)
			return err
		}
		roots, err := e.stores.Env.Roots(t.ctx, t.sess.ID)
		if err != nil {
			t.fail(nil, err)
			return err
		}

		st := &streamState{}
		genCtx, genSpan := tracing.Start(t.ctx, "llm.generate",
			attribute.String("model", t.model),
			attribute.Int("iteration", iter))
		res, err := e.llm.Generate(genCtx, providers.Request{
			Model:        t.model,
			SystemPrompt: systemPrompt(t.sess, roots),
			Messages:     msgs,
			Tools:        e.tools.Definitions(),
		}, func(p providers.Part) { t.handlePart(st, p) })
		if err != nil {
			tracing.End(genSpan, err)
			t.fail(st, err)
			return err
		}
		if res.Usage != nil {
			genSpan.SetAttributes(
				attribute.Int("tokens.prompt", res.Usage.PromptTokens),
				attribute.Int("tokens.completion", res.Usage.CompletionTokens))
		}
		genSpan.SetAttributes(attribute.String("finish_reason", res.FinishReason))
		tracing.End(genSpan, nil)

		if st.modelMsgID != 0 && res.Usage != nil {
			if err := e.stores.Messages.SetCumulTokens(t.ctx, st.modelMsgID, res.Usage.TotalTokens); err == nil {
				t.emit(sse.TypeTokenCount, fmt.Sprintf("%d\n%d", st.modelMsgID, res.Usage.TotalTokens))
			}
		}

		if len(res.FunctionCalls) == 0 {
			t.complete(st)
			return nil
		}
		for _, call := range res.FunctionCalls {
			cont, err := t.handleCall(toolCtx, call)
			if err != nil {
				t.fail(st, err)
				return err
			}
			if !cont {
				return nil // paused on confirmation
			}
		}
	}

	err := fmt.Errorf("tool iteration limit reached")
	t.fail(nil, err)
	return err
}

// handlePart persists one streamed part and mirrors it onto the hub.
// Store failures are logged, not fatal: the stream keeps flowing and
// the aggregate result still lands.
func (t *Turn) handlePart(st *streamState, p providers.Part) {
	e := t.engine
	switch {
	case p.Thought != "":
		if st.thoughtMsgID == 0 {
			m := &store.Message{BranchID: t.branchID, Type: store.TypeThought, Model: t.model}
			if err := e.stores.Messages.Append(t.ctx, m); err != nil {
				e.logger.Warn("thought append failed", "error", err)
				return
			}
			st.thoughtMsgID = m.ID
		}
		if err := e.stores.Messages.AppendText(t.ctx, st.thoughtMsgID, p.Thought); err != nil {
			e.logger.Warn("thought fragment failed", "error", err)
			return
		}
		t.emit(sse.TypeThought, fmt.Sprintf("%d\n%s", st.thoughtMsgID, p.Thought))

	case p.Text != "":
		if st.modelMsgID == 0 {
			m := &store.Message{BranchID: t.branchID, Type: store.TypeModel, Model: t.model}
			if err := e.stores.Messages.Append(t.ctx, m); err != nil {
				e.logger.Warn("model append failed", "error", err)
				return
			}
			st.modelMsgID = m.ID
		}
		if err := e.stores.Messages.AppendText(t.ctx, st.modelMsgID, p.Text); err != nil {
			e.logger.Warn("model fragment failed", "error", err)
			return
		}
		st.modelText += p.Text
		t.emit(sse.TypeModelText, fmt.Sprintf("%d\n%s", st.modelMsgID, p.Text))

	case p.TokenCount != nil:
		if st.modelMsgID == 0 {
			return
		}
		if err := e.stores.Messages.SetCumulTokens(t.ctx, st.modelMsgID, *p.TokenCount); err != nil {
			e.logger.Warn("token count update failed", "error", err)
			return
		}
		t.emit(sse.TypeTokenCount, fmt.Sprintf("%d\n%d", st.modelMsgID, *p.TokenCount))

	case len(p.InlineData) > 0:
		t.persistInlineData(p.InlineData)
	}
}

// persistInlineData stores model-emitted binary parts in the blob store
// and records them as an attachment-only model message.
func (t *Turn) persistInlineData(parts []providers.InlineData) {
	e := t.engine
	var atts []store.FileAttachment
	for _, d := range parts {
		raw, err := decodeBase64(d.Data)
		if err != nil {
			e.logger.Warn("inline data not base64", "error", err)
			continue
		}
		hash, err := e.blobs.Put(raw)
		if err != nil {
			e.logger.Warn("inline data blob write failed", "error", err)
			continue
		}
		atts = append(atts, store.FileAttachment{FileName: d.Name, MimeType: d.MimeType, Hash: hash})
	}
	if len(atts) == 0 {
		return
	}
	m := &store.Message{BranchID: t.branchID, Type: store.TypeModel, Model: t.model, Attachments: atts}
	if err := e.stores.Messages.Append(t.ctx, m); err != nil {
		e.logger.Warn("inline data message failed", "error", err)
		return
	}
	t.emit(sse.TypeInlineData, encodeJSON(map[string]interface{}{
		"messageId":   m.ID,
		"attachments": atts,
	}))
}

// handleCall persists a requested tool call and either pauses on a
// confirmation gate or executes and records the response. Returns
// false when the turn paused.
func (t *Turn) handleCall(toolCtx context.Context, call *providers.FunctionCall) (bool, error) {
	e := t.engine
	argsJSON := encodeJSON(call.Args)
	callMsg := &store.Message{
		BranchID: t.branchID,
		Type:     store.TypeFunctionCall,
		Text:     encodeJSON(CallPayload{ID: call.ID, Name: call.Name, Args: call.Args}),
		Model:    t.model,
	}
	if err := e.stores.Messages.Append(t.ctx, callMsg); err != nil {
		return false, err
	}
	t.emit(sse.TypeFunctionCall, fmt.Sprintf("%d\n%s\n%s", callMsg.ID, call.Name, argsJSON))

	tool, ok := e.tools.Get(call.Name)
	if !ok {
		t.recordResponse(callMsg.ID, call, map[string]interface{}{
			"error": fmt.Sprintf("unknown tool %q", call.Name),
		}, nil)
		return true, nil
	}

	if tool.RequiresConfirmation() {
		if t.autoDeny {
			t.recordResponse(callMsg.ID, call, map[string]interface{}{"status": "denied"}, nil)
			return true, nil
		}
		pending := PendingConfirmation{MessageID: callMsg.ID, Name: call.Name, Args: call.Args}
		if pv, ok := tool.(tools.Previewer); ok {
			if preview, err := pv.Preview(toolCtx, call.Args); err == nil {
				pending.Preview = preview
			}
		}
		payload := encodeJSON(pending)
		if err := e.stores.Branches.SetPendingConfirmation(t.ctx, t.branchID, payload); err != nil {
			return false, err
		}
		t.emit(sse.TypePendingConfirm, payload)
		return false, nil
	}

	t.executeCall(toolCtx, callMsg.ID, call, true)
	return true, nil
}

// executeCall dispatches through the tool registry and persists the
// function response. Tool failures become error-shaped responses that
// flow back to the model rather than ending the turn.
func (t *Turn) executeCall(toolCtx context.Context, callMsgID int64, call *providers.FunctionCall, confirmed bool) {
	e := t.engine
	toolCtx, span := tracing.Start(toolCtx, "tool.execute",
		attribute.String("tool", call.Name))
	res, err := e.tools.Call(toolCtx, call.Name, call.Args, tools.CallParams{
		SessionID:            t.sess.ID,
		BranchID:             t.branchID,
		ModelName:            t.model,
		ConfirmationReceived: confirmed,
	})
	tracing.End(span, err)
	var value map[string]interface{}
	var atts []store.FileAttachment
	if err != nil {
		e.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		value = map[string]interface{}{"error": err.Error()}
	} else {
		value = res.Value
		atts = res.Attachments
	}
	t.recordResponse(callMsgID, call, value, atts)
}

func (t *Turn) recordResponse(callMsgID int64, call *providers.FunctionCall, value map[string]interface{}, atts []store.FileAttachment) {
	e := t.engine
	respMsg := &store.Message{
		BranchID: t.branchID,
		Type:     store.TypeFunctionResponse,
		Text: encodeJSON(ResponsePayload{
			ID:          call.ID,
			Name:        call.Name,
			Response:    value,
			Attachments: atts,
		}),
	}
	if err := e.stores.Messages.Append(t.ctx, respMsg); err != nil {
		e.logger.Warn("function response append failed", "tool", call.Name, "error", err)
		return
	}
	wire := encodeJSON(map[string]interface{}{"response": value, "attachments": atts})
	t.emit(sse.TypeFunctionResp, fmt.Sprintf("%d\n%s\n%s", respMsg.ID, call.Name, wire))
}

// resolveConfirmation acts on the consumed confirmation: a denial
// synthesizes a refusal response, an approval executes the call with
// any user-modified arguments. Either way the model sees the outcome
// and the loop continues.
func (t *Turn) resolveConfirmation(toolCtx context.Context) {
	call := &providers.FunctionCall{Name: t.pending.Name, Args: t.pending.Args}
	if !t.approved {
		t.recordResponse(t.pending.MessageID, call, map[string]interface{}{"status": "denied"}, nil)
		return
	}
	if len(t.modified) > 0 {
		call.Args = t.engine.mergeModifiedArgs(call.Name, call.Args, t.modified)
	}
	t.executeCall(toolCtx, t.pending.MessageID, call, true)
}

// mergeModifiedArgs overlays user modifications onto the original call
// arguments. Keys the tool's schema does not declare are dropped with a
// warning instead of failing the approved call at validation.
func (e *Engine) mergeModifiedArgs(name string, base, mod map[string]interface{}) map[string]interface{} {
	var allowed map[string]interface{}
	if tool, ok := e.tools.Get(name); ok {
		allowed, _ = tool.Parameters()["properties"].(map[string]interface{})
	}
	merged := make(map[string]interface{}, len(base)+len(mod))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range mod {
		if allowed != nil {
			if _, ok := allowed[k]; !ok {
				e.logger.Warn("dropping unknown confirmation argument", "tool", name, "key", k)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// complete ends a successful turn: Q goes out immediately, the session
// name inference runs detached and lands as a late N event.
func (t *Turn) complete(st *streamState) {
	e := t.engine
	if t.inferName && st.modelText != "" {
		userText := t.userText
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), nameInferTimeout)
			defer cancel()
			name, err := e.inferSessionName(ctx, t.model, userText, st.modelText)
			if err != nil {
				e.logger.Warn("session name inference failed", "session", t.sess.ID, "error", err)
				return
			}
			if err := e.stores.Sessions.Rename(ctx, t.sess.ID, name); err != nil {
				e.logger.Warn("session rename failed", "session", t.sess.ID, "error", err)
				return
			}
			e.hub.Broadcast(t.branchID, sse.Event{Type: sse.TypeSessionName, Payload: t.sess.ID + "\n" + name})
		}()
	}
	t.emit(sse.TypeComplete, "")
}

// fail ends the turn with E. A partially streamed assistant message is
// retagged model_error so history replay skips it; the error itself is
// persisted so retry-error can find the anchor.
func (t *Turn) fail(st *streamState, err error) {
	e := t.engine
	// Persistence here must survive the turn's own cancellation.
	ctx := context.WithoutCancel(t.ctx)
	if st != nil && st.modelMsgID != 0 {
		if serr := e.stores.Messages.SetType(ctx, st.modelMsgID, store.TypeModelError); serr != nil {
			e.logger.Warn("model_error retag failed", "message", st.modelMsgID, "error", serr)
		}
	}
	m := &store.Message{BranchID: t.branchID, Type: store.TypeError, Text: err.Error()}
	if aerr := e.stores.Messages.Append(ctx, m); aerr != nil {
		e.logger.Warn("error message append failed", "error", aerr)
	}
	e.logger.Error("turn failed", "session", t.sess.ID, "branch", t.branchID, "error", err)
	t.emit(sse.TypeError, err.Error())
}

func (t *Turn) emit(typ sse.Type, payload string) {
	t.engine.hub.Broadcast(t.branchID, sse.Event{Type: typ, Payload: payload})
}

// toolContext builds the context tool executions run under: the
// session's sandbox, stores, blob store and subagent spawner.
func (t *Turn) toolContext() (context.Context, func(), error) {
	e := t.engine
	ctx := t.ctx
	release := func() {}

	roots, err := e.stores.Env.Roots(ctx, t.sess.ID)
	if err != nil {
		return nil, nil, err
	}
	if e.sandboxes != nil {
		paths := make([]string, 0, len(roots))
		for _, r := range roots {
			paths = append(paths, r.Path)
		}
		fs, err := e.sandboxes.Acquire(t.sess.ID, paths)
		if err != nil {
			return nil, nil, err
		}
		ctx = tools.WithSandbox(ctx, fs)
		release = func() { e.sandboxes.Release(t.sess.ID) }
	}
	ctx = tools.WithStores(ctx, e.stores)
	ctx = tools.WithEnvRoots(ctx, roots)
	if e.blobs != nil {
		ctx = tools.WithBlobs(ctx, e.blobs)
	}
	if e.registry != nil {
		ctx = tools.WithLLM(ctx, e.registry)
	}
	ctx = tools.WithSpawn(ctx, e.Spawn)
	return ctx, release, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
