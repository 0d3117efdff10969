package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Message is one buffered outbound frame, kept until the client acks it and
// the GC sweep reclaims it.
type Message struct {
	Seq          uint64
	Content      json.RawMessage
	Timestamp    time.Time
	Acknowledged bool
}

// Buffer is the per-session append-only log of outbound frames. It absorbs
// client disconnects: frames sent while no connection is live stay here until
// replayed and acknowledged. The log is bounded: when the ring capacity is
// exceeded the oldest entry is evicted even if unacknowledged, which callers
// must treat as a fatal condition for the session.
type Buffer struct {
	mu       sync.Mutex
	msgs     []Message // ascending by Seq
	capacity int

	now func() time.Time
}

// NewBuffer creates a buffer bounded to capacity messages.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{capacity: capacity, now: time.Now}
}

// Append stores one serialized frame under its already-allocated seq.
// Returns true if the ring bound forced the eviction of an unacknowledged
// message, meaning the producer has outrun the consumer.
func (b *Buffer) Append(seq uint64, content json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Message{Seq: seq, Content: content, Timestamp: b.now()}
	if n := len(b.msgs); n == 0 || b.msgs[n-1].Seq <= seq {
		b.msgs = append(b.msgs, m)
	} else {
		// Concurrent senders can finish out of allocation order; keep the
		// log sorted so Since stays a simple suffix scan.
		i := sort.Search(n, func(i int) bool { return b.msgs[i].Seq > seq })
		b.msgs = append(b.msgs, Message{})
		copy(b.msgs[i+1:], b.msgs[i:])
		b.msgs[i] = m
	}

	if len(b.msgs) <= b.capacity {
		return false
	}
	evicted := b.msgs[0]
	b.msgs = b.msgs[1:]
	return !evicted.Acknowledged
}

// AckUpTo marks every message with seq <= seq as acknowledged. Returns the
// number of messages newly marked.
func (b *Buffer) AckUpTo(seq uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	marked := 0
	for i := range b.msgs {
		if b.msgs[i].Seq > seq {
			break
		}
		if !b.msgs[i].Acknowledged {
			b.msgs[i].Acknowledged = true
			marked++
		}
	}
	return marked
}

// Since returns copies of every message with seq > seq, in seq order.
func (b *Buffer) Since(seq uint64) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.msgs), func(i int) bool { return b.msgs[i].Seq > seq })
	if i == len(b.msgs) {
		return nil
	}
	out := make([]Message, len(b.msgs)-i)
	copy(out, b.msgs[i:])
	return out
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Clear drops everything; used on session destroy.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
}

// Reclaim removes acknowledged messages older than ttl. The newest floor
// messages are retained regardless of ack state as a safety margin for
// out-of-order acks and reconnect replay; unacknowledged messages are never
// reclaimed. Returns the number of messages removed.
func (b *Buffer) Reclaim(ttl time.Duration, floor int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if floor < 0 {
		floor = 0
	}
	if len(b.msgs) <= floor {
		return 0
	}
	cutoff := b.now().Add(-ttl)
	protected := len(b.msgs) - floor

	kept := b.msgs[:0]
	removed := 0
	for i, m := range b.msgs {
		if i < protected && m.Acknowledged && m.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.msgs = kept
	return removed
}
