// Package eventbus writes audit events through the Action Store and
// fans them out live to subscribers. The Store is the authoritative
// record; fan-out is at-most-once and best-effort.
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/store"
)

// subscriberBuffer is the per-subscriber channel depth. A slow
// subscriber drops its oldest buffered event rather than blocking the
// bus or other subscribers.
const subscriberBuffer = 256

// Delivery wraps an event as pushed to a live subscriber, with a flag
// marking that the subscriber missed at least one event because its
// buffer overflowed.
type Delivery struct {
	Event  *action.Event
	Lagged bool
}

type subscriber struct {
	ch     chan Delivery
	closed bool
}

// Bus appends events through a Store and multiplexes them to live
// subscribers. A Bus value is safe for concurrent use.
type Bus struct {
	st store.Store

	mu          sync.Mutex
	subs        map[int]*subscriber
	nextSubID   int
	chainByID   map[string]string // action_id -> last record_hash, when chaining enabled
	chainEnable bool

	publisher Publisher
}

// Publisher is an optional external fan-out sink (e.g. Redis Pub/Sub)
// in addition to in-process subscribers, so multiple Governor processes
// can share live event delivery. It is not a consensus or durability
// mechanism — the Store remains authoritative.
type Publisher interface {
	Publish(ctx context.Context, e *action.Event) error
}

// New constructs a Bus writing through st. When chainHashing is true,
// every event is linked into a per-action hash chain
// (record_hash = H(prev_hash || canonical(event))), mirroring a
// tamper-evident append-only ledger.
func New(st store.Store, chainHashing bool, publisher Publisher) *Bus {
	return &Bus{
		st:          st,
		subs:        make(map[int]*subscriber),
		chainByID:   make(map[string]string),
		chainEnable: chainHashing,
		publisher:   publisher,
	}
}

// Emit persists an event for actionID and pushes it to all current
// subscribers. The Store write is best-effort: a failure is logged and
// swallowed, it never aborts the caller's state change, per the
// Coordinator's contract.
func (b *Bus) Emit(ctx context.Context, actionID string, eventType action.EventType, meta map[string]any) {
	e := &action.Event{
		ID:        uuid.NewString(),
		ActionID:  actionID,
		EventType: eventType,
		Meta:      meta,
	}

	if b.chainEnable {
		b.mu.Lock()
		prev := b.chainByID[actionID]
		if prev == "" {
			prev = "genesis"
		}
		e.PrevHash = prev
		e.RecordHash = computeRecordHash(prev, e)
		b.chainByID[actionID] = e.RecordHash
		b.mu.Unlock()
	}

	if err := b.st.AppendEvent(ctx, e); err != nil {
		slog.Warn("eventbus: append event failed, continuing (best-effort)",
			"action_id", actionID, "event_type", eventType, "error", err)
	}

	b.broadcast(e)

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, e); err != nil {
			slog.Warn("eventbus: external publish failed", "action_id", actionID, "error", err)
		}
	}
}

func computeRecordHash(prev string, e *action.Event) string {
	hashable := struct {
		ActionID  string         `json:"action_id"`
		EventType action.EventType `json:"event_type"`
		Meta      map[string]any `json:"meta,omitempty"`
		PrevHash  string         `json:"prev_hash"`
	}{e.ActionID, e.EventType, e.Meta, prev}
	data, err := json.Marshal(hashable)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// broadcast fans e out to every live subscriber without blocking on any
// one of them: a full buffer drops its oldest entry to make room and
// marks the next delivered event as lagged.
func (b *Bus) broadcast(e *action.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- Delivery{Event: e}:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- Delivery{Event: e, Lagged: true}:
			default:
			}
		}
	}
}

// Subscribe returns a live delivery channel and an unsubscribe func.
// The channel is closed once Unsubscribe is called; callers must drain
// it to completion or abandon it after unsubscribing.
func (b *Bus) Subscribe() (<-chan Delivery, func()) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{ch: make(chan Delivery, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, unsubscribe
}
