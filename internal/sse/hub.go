package sse

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	pingInterval  = 15 * time.Second
	subBufferSize = 256
)

// Subscriber receives encoded events for one branch. A subscriber that
// cannot keep up is closed; the HTTP layer observes the closed channel
// and tears down the response.
type Subscriber struct {
	ch     chan []byte
	closed bool // guarded by hub mu
}

// Events returns the encoded-event channel. It is closed when the
// subscriber is detached or falls behind.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

type branchState struct {
	subs   map[*Subscriber]struct{}
	refs   int
	cancel context.CancelFunc // in-flight turn, nil when idle
	since  time.Time          // when the in-flight turn started
}

// Hub is the per-branch event multicaster. Each event is serialized
// once and fanned out to every attached subscriber.
type Hub struct {
	mu       sync.Mutex
	branches map[string]*branchState
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		branches: make(map[string]*branchState),
		logger:   logger,
	}
}

func (h *Hub) branch(branchID string) *branchState {
	bs, ok := h.branches[branchID]
	if !ok {
		bs = &branchState{subs: make(map[*Subscriber]struct{})}
		h.branches[branchID] = bs
	}
	return bs
}

// Attach registers a subscriber on a branch. Events broadcast after the
// attach point are delivered in order.
func (h *Hub) Attach(branchID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{ch: make(chan []byte, subBufferSize)}
	bs := h.branch(branchID)
	bs.subs[sub] = struct{}{}
	bs.refs++
	return sub
}

// Detach removes a subscriber and drops the branch when idle with no
// subscribers left.
func (h *Hub) Detach(branchID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bs, ok := h.branches[branchID]
	if !ok {
		return
	}
	if _, attached := bs.subs[sub]; attached {
		delete(bs.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		bs.refs--
	}
	h.pruneLocked(branchID, bs)
}

// Broadcast fans an event out to all subscribers of a branch. Terminal
// events clear the branch's in-flight context.
func (h *Hub) Broadcast(branchID string, ev Event) {
	encoded := ev.Encode()

	h.mu.Lock()
	defer h.mu.Unlock()

	bs, ok := h.branches[branchID]
	if !ok {
		return
	}
	for sub := range bs.subs {
		h.deliverLocked(bs, sub, encoded)
	}
	if ev.Terminal() {
		bs.cancel = nil
		h.pruneLocked(branchID, bs)
	}
}

// Send unicasts an event to one subscriber (workspace hint, initial
// state).
func (h *Hub) Send(branchID string, sub *Subscriber, ev Event) {
	encoded := ev.Encode()

	h.mu.Lock()
	defer h.mu.Unlock()

	bs, ok := h.branches[branchID]
	if !ok {
		return
	}
	if _, attached := bs.subs[sub]; attached {
		h.deliverLocked(bs, sub, encoded)
	}
}

// deliverLocked enqueues without blocking. A subscriber with a full
// buffer is dead or hopelessly behind; close it so its writer bails.
func (h *Hub) deliverLocked(bs *branchState, sub *Subscriber, encoded []byte) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- encoded:
	default:
		h.logger.Warn("sse subscriber overflow, dropping")
		sub.closed = true
		close(sub.ch)
		delete(bs.subs, sub)
		bs.refs--
	}
}

// SetInFlight records the cancel handle of the turn streaming on a
// branch. Returns false if another turn is already in flight.
func (h *Hub) SetInFlight(branchID string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	bs := h.branch(branchID)
	if bs.cancel != nil {
		return false
	}
	bs.cancel = cancel
	bs.since = time.Now()
	return true
}

// InFlightSince returns the start time of the branch's streaming turn.
func (h *Hub) InFlightSince(branchID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bs, ok := h.branches[branchID]
	if !ok || bs.cancel == nil {
		return time.Time{}, false
	}
	return bs.since, true
}

// CancelInFlight aborts the branch's streaming turn, if any.
func (h *Hub) CancelInFlight(branchID string) {
	h.mu.Lock()
	cancel := (context.CancelFunc)(nil)
	if bs, ok := h.branches[branchID]; ok && bs.cancel != nil {
		cancel = bs.cancel
		bs.cancel = nil
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// InFlight reports whether a turn is currently streaming on the branch.
func (h *Hub) InFlight(branchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	bs, ok := h.branches[branchID]
	return ok && bs.cancel != nil
}

func (h *Hub) pruneLocked(branchID string, bs *branchState) {
	if bs.refs <= 0 && bs.cancel == nil {
		delete(h.branches, branchID)
	}
}

// nameGrace is how long a turn stream stays open after Q waiting for
// the late session-name event.
const nameGrace = 10 * time.Second

// StreamOpts controls ServeTurn. Owner marks the connection that
// started the turn: only the owner's disconnect cancels the in-flight
// generation, so a viewer attached via the load stream can drop without
// killing someone else's turn. WaitName keeps the stream open briefly
// after Q for the late session-name event.
type StreamOpts struct {
	Owner    bool
	WaitName bool
}

// ServeTurn streams a subscriber's events until a terminal event (Q, E
// or P) is written.
func (h *Hub) ServeTurn(ctx context.Context, w http.ResponseWriter, branchID string, sub *Subscriber, opts StreamOpts) {
	defer h.Detach(branchID, sub)

	flusher, _ := w.(http.Flusher)
	write := func(data []byte) bool {
		if _, err := w.Write(data); err != nil {
			h.logger.Debug("sse write failed", "branch", branchID, "error", err)
			if opts.Owner {
				h.CancelInFlight(branchID)
			}
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	ping := Event{Type: TypePing}.Encode()
	timer := time.NewTimer(pingInterval)
	defer timer.Stop()

	lingering := false
	for {
		select {
		case <-ctx.Done():
			if opts.Owner && !lingering {
				h.CancelInFlight(branchID)
			}
			return
		case data, ok := <-sub.ch:
			if !ok {
				return
			}
			if !write(data) {
				return
			}
			typ := eventTypeOf(data)
			if lingering {
				if typ == TypeSessionName {
					return
				}
				continue
			}
			if typ == TypeComplete && opts.WaitName {
				lingering = true
				timer.Reset(nameGrace)
				continue
			}
			if typ == TypeComplete || typ == TypeError || typ == TypePendingConfirm {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pingInterval)
		case <-timer.C:
			if lingering {
				return
			}
			if !write(ping) {
				return
			}
			timer.Reset(pingInterval)
		}
	}
}

// eventTypeOf recovers the type character from an encoded event
// ("data: <TYPE>\n...").
func eventTypeOf(encoded []byte) Type {
	if len(encoded) > 6 {
		return Type(encoded[6])
	}
	return 0
}
