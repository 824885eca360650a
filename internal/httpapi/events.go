package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OpsEvent is one operational event on the /api/events feed: turn
// lifecycle, suitable for dashboards and tailing tools.
type OpsEvent struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	BranchID  string    `json:"branchId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

const opsBufferSize = 64

// opsBus fans operational events out to websocket subscribers. Slow
// subscribers are dropped, never blocked on.
type opsBus struct {
	mu   sync.Mutex
	subs map[chan OpsEvent]struct{}
}

func newOpsBus() *opsBus {
	return &opsBus{subs: make(map[chan OpsEvent]struct{})}
}

func (b *opsBus) publish(ev OpsEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *opsBus) subscribe() chan OpsEvent {
	ch := make(chan OpsEvent, opsBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *opsBus) unsubscribe(ch chan OpsEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// handleEvents upgrades to a websocket and streams operational events
// as JSON messages until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.ops.subscribe()
	defer s.ops.unsubscribe(ch)

	// Reader goroutine notices the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
