package chat

import (
	"context"
	"sync"
	"time"

	"github.com/aweb/aweb/internal/events"
)

// WaiterState is a send-and-wait blocked request's terminal or
// in-progress state (spec.md §4.3.1).
type WaiterState string

const (
	WaiterWaiting             WaiterState = "WAITING"
	WaiterReplied             WaiterState = "REPLIED"
	WaiterReadReceiptExtended WaiterState = "READ_RECEIPT_EXTENDED"
	WaiterHangOnExtended      WaiterState = "HANG_ON_EXTENDED"
	WaiterDeadlineReached     WaiterState = "DEADLINE_REACHED"
	WaiterSenderLeft          WaiterState = "SENDER_LEFT"
	WaiterCancelled           WaiterState = "CANCELLED"
)

// WaiterResult is what Wait returns once a waiter leaves WAITING.
type WaiterResult struct {
	State     WaiterState
	Reply     string
	FromAlias string
}

func terminal(state WaiterState) bool {
	switch state {
	case WaiterReplied, WaiterDeadlineReached, WaiterSenderLeft, WaiterCancelled:
		return true
	default:
		return false
	}
}

// waiter is one blocked SendMessage/CreateSession request.
type waiter struct {
	sessionID       string
	agentID         string
	sentMessageID   string
	hangOnExtension time.Duration

	mu       sync.Mutex
	deadline time.Time
	done     chan WaiterResult
	closed   bool
}

func (w *waiter) extendDeadline(extend time.Duration, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	base := now
	if w.deadline.After(base) {
		base = w.deadline
	}
	w.deadline = base.Add(extend)
}

func (w *waiter) effectiveDeadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

func (w *waiter) deliver(result WaiterResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.done <- result:
	default:
	}
}

// Registry tracks blocked waiters per session so incoming chat events
// can resolve them (spec.md §4.3.1, §9).
type Registry struct {
	mu        sync.Mutex
	bySession map[string]map[string]*waiter
}

// NewRegistry constructs an empty waiter registry.
func NewRegistry() *Registry {
	return &Registry{bySession: make(map[string]map[string]*waiter)}
}

// Register creates a waiter for agentID in sessionID, replacing any
// preexisting (stale) waiter for the same pair. sentMessageID is the
// id of the message this request just posted, used for replay-skip.
func (r *Registry) Register(sessionID, agentID, sentMessageID string, deadline time.Time, hangOnExtension time.Duration) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &waiter{
		sessionID: sessionID, agentID: agentID, sentMessageID: sentMessageID,
		hangOnExtension: hangOnExtension, deadline: deadline,
		done: make(chan WaiterResult, 1),
	}
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]*waiter)
		r.bySession[sessionID] = set
	}
	set[agentID] = w
	return w
}

// unregister removes w iff it is still the registered waiter for its slot.
func (r *Registry) unregister(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.bySession[w.sessionID]; ok {
		if set[w.agentID] == w {
			delete(set, w.agentID)
		}
		if len(set) == 0 {
			delete(r.bySession, w.sessionID)
		}
	}
}

// Lookup reports whether agentID has an active waiter in sessionID and,
// if so, its current effective deadline. Used by Pending (spec.md §4.3).
func (r *Registry) Lookup(sessionID, agentID string) (time.Time, bool) {
	r.mu.Lock()
	w, ok := r.bySession[sessionID][agentID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return w.effectiveDeadline(), true
}

// Dispatch applies an incoming bus event to every other waiter in the
// event's session, per the transition table in spec.md §4.3.1. The
// event's own author is skipped to satisfy the replay-skip rule for its
// own sent message, and any other-agent waiter is left untouched by its
// own messages as well (a waiter only reacts to events from others).
func (r *Registry) Dispatch(ev events.BusEvent, now time.Time) {
	switch e := ev.(type) {
	case events.MessageEvent:
		r.dispatchMessage(e, now)
	case events.ReadReceiptEvent:
		r.dispatchReadReceipt(e, now)
	}
}

func (r *Registry) dispatchMessage(e events.MessageEvent, now time.Time) {
	r.mu.Lock()
	set := r.bySession[e.Session]
	var targets []*waiter
	for agentID, w := range set {
		if agentID == e.FromAgentID {
			continue // a sender never resolves its own waiter
		}
		if w.sentMessageID == e.MessageID {
			continue // replay-skip: never resolve on our own echoed message
		}
		targets = append(targets, w)
	}
	r.mu.Unlock()

	for _, w := range targets {
		if e.HangOn {
			if e.ExtendsWaitSeconds > 0 {
				w.extendDeadline(time.Duration(e.ExtendsWaitSeconds)*time.Second, now)
				w.deliver(WaiterResult{State: WaiterHangOnExtended})
			}
			continue
		}
		state := WaiterReplied
		if e.SenderLeaving {
			state = WaiterSenderLeft
		}
		w.deliver(WaiterResult{State: state, Reply: e.Body, FromAlias: e.FromAlias})
	}
}

func (r *Registry) dispatchReadReceipt(e events.ReadReceiptEvent, now time.Time) {
	if e.ExtendsWaitSeconds <= 0 {
		return
	}
	r.mu.Lock()
	set := r.bySession[e.Session]
	var targets []*waiter
	for agentID, w := range set {
		if agentID == e.ReaderAgentID {
			continue
		}
		targets = append(targets, w)
	}
	r.mu.Unlock()

	for _, w := range targets {
		w.extendDeadline(time.Duration(e.ExtendsWaitSeconds)*time.Second, now)
		w.deliver(WaiterResult{State: WaiterReadReceiptExtended})
	}
}

// Wait blocks until w reaches a terminal state: a reply, the sender
// leaving, the deadline elapsing, or ctx being cancelled. HANG_ON_EXTENDED
// and READ_RECEIPT_EXTENDED are handled inside the loop by waiting on
// against the extended deadline, so Wait never returns them. Wait always
// unregisters w before returning.
func (r *Registry) Wait(ctx context.Context, w *waiter) WaiterResult {
	for {
		remaining := time.Until(w.effectiveDeadline())
		if remaining <= 0 {
			r.unregister(w)
			return WaiterResult{State: WaiterDeadlineReached}
		}

		timer := time.NewTimer(remaining)
		select {
		case result := <-w.done:
			timer.Stop()
			if terminal(result.State) {
				r.unregister(w)
				return result
			}
			// Non-terminal extension: loop and recompute remaining
			// against the (now later) deadline.
			continue
		case <-timer.C:
			r.unregister(w)
			return WaiterResult{State: WaiterDeadlineReached}
		case <-ctx.Done():
			timer.Stop()
			r.unregister(w)
			return WaiterResult{State: WaiterCancelled}
		}
	}
}
