package session

import (
	"sync"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

// Ack is the outcome of feeding one inbound client frame through the engine.
// A duplicate must be re-acked but never re-executed; every non-duplicate
// releases its carried frame for handling, in client_seq order.
type Ack struct {
	Seq       uint64
	Duplicate bool
	Frame     models.InboundFrame
}

// SyncReport is a point-in-time snapshot of both delivery directions,
// used for sync_status frames and the /status surface.
type SyncReport struct {
	// PendingOutbound counts broker frames the client has not acked yet.
	PendingOutbound int
	// LastAcked is the highest cumulative ack received from the client.
	LastAcked uint64
	// BufferedInbound counts client frames parked ahead of the expected seq.
	BufferedInbound int
	// NextSeq is the next outbound sequence number to be allocated.
	NextSeq uint64
	// Synced is true when nothing is in flight in either direction.
	Synced bool
}

// AckEngine tracks at-least-once delivery in both directions for one session.
//
// Outbound (broker -> client): sequence numbers are allocated monotonically
// from one and stay pending until the client acknowledges them cumulatively.
// Seq zero is reserved for the connection greeting, so an ack of zero means
// "nothing received" and replay starts from the first frame.
// Inbound (client -> broker): client numbering starts at one; frames arriving
// ahead of the expected seq are parked in a reorder buffer and drained as a
// contiguous prefix once the hole is filled.
type AckEngine struct {
	mu sync.Mutex

	// Outbound direction.
	nextSeq         uint64
	clientLastAcked uint64
	pending         map[uint64]struct{}

	// Inbound direction.
	lastSentAck uint64
	reorder     map[uint64]models.InboundFrame
}

// NewAckEngine creates an engine with both directions at their start state.
func NewAckEngine() *AckEngine {
	return &AckEngine{
		nextSeq: 1,
		pending: make(map[uint64]struct{}),
		reorder: make(map[uint64]models.InboundFrame),
	}
}

// NextSeq allocates the next outbound sequence number and marks it pending
// until the client acknowledges it.
func (e *AckEngine) NextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq++
	e.pending[seq] = struct{}{}
	return seq
}

// NextTransientSeq allocates an outbound sequence number that is never
// buffered or awaited: acks and sync_status markers carry one so the client
// sees a consistent outbound numbering, but losing them is harmless.
func (e *AckEngine) NextTransientSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq++
	return seq
}

// AckFromClient applies a cumulative client ack: every pending outbound seq
// <= seq is settled. Returns the number of frames settled by this ack.
func (e *AckEngine) AckFromClient(seq uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	settled := 0
	for s := range e.pending {
		if s <= seq {
			delete(e.pending, s)
			settled++
		}
	}
	if seq > e.clientLastAcked {
		e.clientLastAcked = seq
	}
	return settled
}

// ClientLastAcked returns the highest cumulative ack seen from the client.
// Replay on reattach starts just past this point.
func (e *AckEngine) ClientLastAcked() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientLastAcked
}

// Process feeds one inbound client frame through the ordering rules:
//
//   - seq <= last acked: duplicate, re-ack without executing;
//   - seq == last acked + 1: in order, drain any contiguous parked frames;
//   - seq beyond that: park in the reorder buffer, ack nothing yet.
func (e *AckEngine) Process(clientSeq uint64, frame models.InboundFrame) []Ack {
	e.mu.Lock()
	defer e.mu.Unlock()

	if clientSeq <= e.lastSentAck {
		return []Ack{{Seq: clientSeq, Duplicate: true, Frame: frame}}
	}
	if clientSeq > e.lastSentAck+1 {
		e.reorder[clientSeq] = frame
		return nil
	}

	acks := []Ack{{Seq: clientSeq, Frame: frame}}
	e.lastSentAck = clientSeq
	for {
		next, ok := e.reorder[e.lastSentAck+1]
		if !ok {
			break
		}
		delete(e.reorder, e.lastSentAck+1)
		e.lastSentAck++
		acks = append(acks, Ack{Seq: e.lastSentAck, Frame: next})
	}
	return acks
}

// ResetInbound clears inbound tracking for a reconnecting client, which
// restarts its own numbering at one. Outbound tracking is deliberately left
// alone: replay is driven by the client's reported last-received seq.
func (e *AckEngine) ResetInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSentAck = 0
	e.reorder = make(map[uint64]models.InboundFrame)
}

// AdoptBaseline treats seq as the first client seq this engine will see.
// The client numbers every frame on a connection, including ones that fail
// before any session exists, so the frame that creates a session may carry a
// seq greater than one. Only a pristine engine adopts; once anything has been
// acked or parked the contiguity rules hold as usual.
func (e *AckEngine) AdoptBaseline(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSentAck == 0 && len(e.reorder) == 0 && seq > 0 {
		e.lastSentAck = seq - 1
	}
}

// Report snapshots both directions.
func (e *AckEngine) Report() SyncReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncReport{
		PendingOutbound: len(e.pending),
		LastAcked:       e.clientLastAcked,
		BufferedInbound: len(e.reorder),
		NextSeq:         e.nextSeq,
		Synced:          len(e.pending) == 0 && len(e.reorder) == 0,
	}
}
