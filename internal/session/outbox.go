package session

import (
	"sync"
	"time"

	"github.com/ploston/runner/internal/protocol"
)

// PendingEnvelope is one sequenced frame awaiting a cumulative ack.
type PendingEnvelope struct {
	Sequence uint64
	Type     protocol.MessageType
	Frame    []byte
	QueuedAt time.Time
	Attempts int
}

// Outbox holds unacknowledged envelopes in sequence order. A cursor
// marks where the current connection's writer has read to; resetting
// the cursor replays everything unacknowledged on the next connection
// before any new traffic, preserving sequence order.
type Outbox struct {
	mu     sync.Mutex
	items  []PendingEnvelope
	cursor int
	notify chan struct{}
}

func NewOutbox() *Outbox {
	return &Outbox{
		notify: make(chan struct{}, 1),
	}
}

// Append queues a new envelope behind everything already pending.
func (o *Outbox) Append(item PendingEnvelope) {
	o.mu.Lock()
	o.items = append(o.items, item)
	o.mu.Unlock()
	o.wake()
}

// Next returns the envelope at the cursor and advances it. ok is false
// when the writer has drained everything currently queued.
func (o *Outbox) Next() (PendingEnvelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cursor >= len(o.items) {
		return PendingEnvelope{}, false
	}
	item := o.items[o.cursor]
	o.items[o.cursor].Attempts++
	o.cursor++
	return item, true
}

// ResetCursor rewinds the cursor so a fresh connection retransmits
// every unacknowledged envelope.
func (o *Outbox) ResetCursor() {
	o.mu.Lock()
	o.cursor = 0
	o.mu.Unlock()
	o.wake()
}

// AckThrough drops every envelope with sequence <= seq.
func (o *Outbox) AckThrough(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	drop := 0
	for drop < len(o.items) && o.items[drop].Sequence <= seq {
		drop++
	}
	if drop == 0 {
		return
	}
	o.items = o.items[drop:]
	o.cursor -= drop
	if o.cursor < 0 {
		o.cursor = 0
	}
}

// Pending returns a snapshot of everything unacknowledged.
func (o *Outbox) Pending() []PendingEnvelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingEnvelope, len(o.items))
	copy(out, o.items)
	return out
}

// Len reports how many envelopes remain unacknowledged.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Wait returns a channel that is signalled when new work arrives or
// the cursor rewinds.
func (o *Outbox) Wait() <-chan struct{} {
	return o.notify
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
