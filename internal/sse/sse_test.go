package sse

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEventEncode(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"ping", Event{Type: TypePing}, "data: .\n\n"},
		{"complete", Event{Type: TypeComplete}, "data: Q\n\n"},
		{"ack", Event{Type: TypeAck, Payload: "42"}, "data: A\ndata: 42\n\n"},
		{
			"model text with id",
			Event{Type: TypeModelText, Payload: "7\nhello"},
			"data: M\ndata: 7\ndata: hello\n\n",
		},
		{
			"multiline payload",
			Event{Type: TypeThought, Payload: "7\nline one\nline two"},
			"data: T\ndata: 7\ndata: line one\ndata: line two\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tt.ev.Encode()); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitOnceByNewline(t *testing.T) {
	first, rest, found := SplitOnceByNewline("42\nhello\nworld")
	if first != "42" || rest != "hello\nworld" || !found {
		t.Errorf("got (%q, %q, %v)", first, rest, found)
	}

	first, rest, found = SplitOnceByNewline("bare")
	if first != "bare" || rest != "" || found {
		t.Errorf("got (%q, %q, %v)", first, rest, found)
	}
}

func TestTerminalEvents(t *testing.T) {
	terminal := []Type{TypeComplete, TypeError, TypePendingConfirm}
	for _, typ := range terminal {
		if !(Event{Type: typ}).Terminal() {
			t.Errorf("%c should be terminal", typ)
		}
	}
	for _, typ := range []Type{TypeModelText, TypeAck, TypePing, TypeSessionName} {
		if (Event{Type: typ}).Terminal() {
			t.Errorf("%c should not be terminal", typ)
		}
	}
}

func testHub() *Hub { return NewHub(slog.New(slog.DiscardHandler)) }

func TestHubBroadcastOrdering(t *testing.T) {
	h := testHub()
	sub := h.Attach("b1")

	h.Broadcast("b1", Event{Type: TypeAck, Payload: "1"})
	h.Broadcast("b1", Event{Type: TypeModelText, Payload: "2\nhi"})
	h.Broadcast("b1", Event{Type: TypeComplete})

	want := []string{
		"data: A\ndata: 1\n\n",
		"data: M\ndata: 2\ndata: hi\n\n",
		"data: Q\n\n",
	}
	for i, w := range want {
		got := string(<-sub.Events())
		if got != w {
			t.Errorf("event %d = %q, want %q", i, got, w)
		}
	}
}

func TestHubUnicastSend(t *testing.T) {
	h := testHub()
	a := h.Attach("b1")
	b := h.Attach("b1")

	h.Send("b1", a, Event{Type: TypeWorkspaceHint, Payload: "ws1"})
	h.Broadcast("b1", Event{Type: TypeComplete})

	if got := string(<-a.Events()); got != "data: W\ndata: ws1\n\n" {
		t.Errorf("unicast = %q", got)
	}
	// b receives only the broadcast.
	if got := string(<-b.Events()); got != "data: Q\n\n" {
		t.Errorf("b first event = %q, want complete", got)
	}
}

func TestHubDetachClosesChannel(t *testing.T) {
	h := testHub()
	sub := h.Attach("b1")
	h.Detach("b1", sub)

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after detach")
	}
	// Broadcasting to a pruned branch is a no-op.
	h.Broadcast("b1", Event{Type: TypeModelText, Payload: "1\nx"})
}

func TestHubInFlightLifecycle(t *testing.T) {
	h := testHub()
	sub := h.Attach("b1")

	ctx, cancel := context.WithCancel(context.Background())
	if !h.SetInFlight("b1", cancel) {
		t.Fatal("SetInFlight failed on idle branch")
	}
	if h.SetInFlight("b1", func() {}) {
		t.Error("second SetInFlight succeeded while turn in flight")
	}
	if !h.InFlight("b1") {
		t.Error("InFlight = false")
	}

	// Terminal event clears the in-flight context.
	h.Broadcast("b1", Event{Type: TypeComplete})
	if h.InFlight("b1") {
		t.Error("InFlight = true after terminal event")
	}
	select {
	case <-ctx.Done():
		t.Error("terminal event should not cancel the turn")
	default:
	}

	h.Detach("b1", sub)
	_ = <-sub.Events()
}

func TestServeTurnStopsAtTerminal(t *testing.T) {
	h := testHub()
	sub := h.Attach("b1")

	go func() {
		h.Broadcast("b1", Event{Type: TypeAck, Payload: "1"})
		h.Broadcast("b1", Event{Type: TypeModelText, Payload: "2\nhi"})
		h.Broadcast("b1", Event{Type: TypeComplete})
	}()

	rec := httptest.NewRecorder()
	h.ServeTurn(context.Background(), rec, "b1", sub, StreamOpts{Owner: true})

	want := "data: A\ndata: 1\n\ndata: M\ndata: 2\ndata: hi\n\ndata: Q\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestServeTurnLingersForName(t *testing.T) {
	h := testHub()
	sub := h.Attach("b1")

	go func() {
		h.Broadcast("b1", Event{Type: TypeComplete})
		h.Broadcast("b1", Event{Type: TypeSessionName, Payload: "s1\nTrip Planning"})
	}()

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeTurn(context.Background(), rec, "b1", sub, StreamOpts{Owner: true, WaitName: true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTurn did not return after name event")
	}
	want := "data: Q\n\ndata: N\ndata: s1\ndata: Trip Planning\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestServeTurnViewerDisconnectKeepsTurn(t *testing.T) {
	h := testHub()
	turnCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !h.SetInFlight("b1", cancel) {
		t.Fatal("SetInFlight failed")
	}

	viewerCtx, disconnect := context.WithCancel(context.Background())
	disconnect()
	sub := h.Attach("b1")
	rec := httptest.NewRecorder()
	h.ServeTurn(viewerCtx, rec, "b1", sub, StreamOpts{})

	if !h.InFlight("b1") {
		t.Error("viewer disconnect cleared the in-flight turn")
	}
	select {
	case <-turnCtx.Done():
		t.Error("viewer disconnect cancelled the turn context")
	default:
	}

	owner := h.Attach("b1")
	h.ServeTurn(viewerCtx, httptest.NewRecorder(), "b1", owner, StreamOpts{Owner: true})
	if h.InFlight("b1") {
		t.Error("owner disconnect left the turn in flight")
	}
	select {
	case <-turnCtx.Done():
	default:
		t.Error("owner disconnect did not cancel the turn context")
	}
}

func TestHubCancelInFlight(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	if !h.SetInFlight("b1", cancel) {
		t.Fatal("SetInFlight failed")
	}

	h.CancelInFlight("b1")
	select {
	case <-ctx.Done():
	default:
		t.Error("CancelInFlight did not cancel the context")
	}
	if h.InFlight("b1") {
		t.Error("InFlight = true after cancel")
	}
}
