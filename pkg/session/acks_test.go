package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

func sendFrame(seq uint64) models.InboundFrame {
	return models.InboundFrame{Type: models.FrameSend, TabID: "t1", Seq: seq, Content: "hi"}
}

func TestNextSeqAllocatesFromOne(t *testing.T) {
	e := NewAckEngine()
	assert.Equal(t, uint64(1), e.NextSeq())
	assert.Equal(t, uint64(2), e.NextSeq())
	assert.Equal(t, uint64(3), e.NextSeq())

	report := e.Report()
	assert.Equal(t, 3, report.PendingOutbound)
	assert.False(t, report.Synced)
}

func TestAckFromClientIsCumulative(t *testing.T) {
	e := NewAckEngine()
	for i := 0; i < 5; i++ {
		e.NextSeq()
	}

	settled := e.AckFromClient(2)
	assert.Equal(t, 2, settled, "acking 2 settles seqs 1 and 2")

	report := e.Report()
	assert.Equal(t, 3, report.PendingOutbound)
	assert.Equal(t, uint64(2), report.LastAcked)

	// Re-acking the same seq settles nothing further.
	assert.Equal(t, 0, e.AckFromClient(2))
	assert.Equal(t, 3, e.AckFromClient(5))
	assert.True(t, e.Report().Synced)
}

func TestProcessInOrder(t *testing.T) {
	e := NewAckEngine()

	acks := e.Process(1, sendFrame(1))
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(1), acks[0].Seq)
	assert.False(t, acks[0].Duplicate)

	acks = e.Process(2, sendFrame(2))
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(2), acks[0].Seq)
}

func TestProcessBuffersAheadAndDrains(t *testing.T) {
	e := NewAckEngine()

	// seq 2 arrives before seq 1: parked, no ack.
	acks := e.Process(2, sendFrame(2))
	assert.Empty(t, acks)
	assert.Equal(t, 1, e.Report().BufferedInbound)

	// seq 3 also ahead.
	acks = e.Process(3, sendFrame(3))
	assert.Empty(t, acks)

	// seq 1 fills the hole; the contiguous prefix drains in order.
	acks = e.Process(1, sendFrame(1))
	require.Len(t, acks, 3)
	for i, want := range []uint64{1, 2, 3} {
		assert.Equal(t, want, acks[i].Seq)
		assert.False(t, acks[i].Duplicate)
	}
	assert.Equal(t, 0, e.Report().BufferedInbound)
}

func TestProcessDuplicateIsReackedNotReleased(t *testing.T) {
	e := NewAckEngine()
	e.Process(1, sendFrame(1))

	acks := e.Process(1, sendFrame(1))
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Duplicate)

	// A later frame still processes normally.
	acks = e.Process(2, sendFrame(2))
	require.Len(t, acks, 1)
	assert.False(t, acks[0].Duplicate)
}

func TestProcessDrainGapStops(t *testing.T) {
	e := NewAckEngine()
	e.Process(2, sendFrame(2))
	e.Process(5, sendFrame(5))

	acks := e.Process(1, sendFrame(1))
	require.Len(t, acks, 2, "drain stops at the 3..4 hole")
	assert.Equal(t, uint64(1), acks[0].Seq)
	assert.Equal(t, uint64(2), acks[1].Seq)
	assert.Equal(t, 1, e.Report().BufferedInbound)
}

func TestResetInboundKeepsOutbound(t *testing.T) {
	e := NewAckEngine()
	e.NextSeq()
	e.NextSeq()
	e.AckFromClient(1)
	e.Process(1, sendFrame(1))
	e.Process(3, sendFrame(3))

	e.ResetInbound()

	// Client restarts numbering at 1.
	acks := e.Process(1, sendFrame(1))
	require.Len(t, acks, 1)
	assert.False(t, acks[0].Duplicate)

	// Outbound state survived the reset.
	report := e.Report()
	assert.Equal(t, uint64(1), report.LastAcked)
	assert.Equal(t, 1, report.PendingOutbound)
}

func TestTransientSeqNotPending(t *testing.T) {
	e := NewAckEngine()
	seq := e.NextTransientSeq()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 0, e.Report().PendingOutbound)

	// Real and transient allocations share the counter.
	assert.Equal(t, uint64(2), e.NextSeq())
}

func TestAdoptBaselineSkipsSpentSeqs(t *testing.T) {
	e := NewAckEngine()

	// Client seqs 1 and 2 were spent on frames that failed before the
	// session existed; the creating frame arrives as seq 3.
	e.AdoptBaseline(3)

	acks := e.Process(3, sendFrame(3))
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(3), acks[0].Seq)
	assert.False(t, acks[0].Duplicate)

	// Numbering continues from the adopted point.
	acks = e.Process(4, sendFrame(4))
	require.Len(t, acks, 1)
	assert.Equal(t, uint64(4), acks[0].Seq)
}

func TestAdoptBaselineNoopOnceUsed(t *testing.T) {
	e := NewAckEngine()
	e.Process(1, sendFrame(1))

	e.AdoptBaseline(5)

	acks := e.Process(2, sendFrame(2))
	require.Len(t, acks, 1, "contiguity from the real history wins")
	assert.Equal(t, uint64(2), acks[0].Seq)
}

func TestAdoptBaselineNoopWithParkedFrames(t *testing.T) {
	e := NewAckEngine()
	e.Process(3, sendFrame(3))

	e.AdoptBaseline(2)

	assert.Empty(t, e.Process(2, sendFrame(2)), "hole at seq 1 is still open")
	acks := e.Process(1, sendFrame(1))
	require.Len(t, acks, 3)
}
