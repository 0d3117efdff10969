package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutOfOrderSendsExecuteInSeqOrder(t *testing.T) {
	app := NewTestApp(t)
	app.Factory.ScriptTurns("tab-1",
		TurnScript{Text: "answer A"},
		TurnScript{Text: "answer B"},
	)

	client := app.Connect()
	app.StartTab(client, "tab-1", 1)

	ctx := context.Background()

	// seq 3 arrives ahead of seq 2: it parks unexecuted and unacked until
	// the hole fills.
	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 3, "turn B")))

	time.Sleep(150 * time.Millisecond)
	for _, f := range client.FramesByType("message_received_ack") {
		require.NotEqual(t, uint64(3), ackSeq(f), "parked frame must not be acked")
	}
	cli := app.Factory.CLI("tab-1")
	require.NotNil(t, cli)
	require.Empty(t, cli.UserTurns(), "parked frame must not execute")

	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 2, "turn A")))

	// Filling the hole releases both: acked and executed in seq order.
	_, err := client.WaitForFrame(func(f WSFrame) bool {
		return f.Type == "message_received_ack" && ackSeq(f) == 3
	}, waitTimeout)
	require.NoError(t, err)

	var ackedSeqs []uint64
	for _, f := range client.FramesByType("message_received_ack") {
		if s := ackSeq(f); s == 2 || s == 3 {
			ackedSeqs = append(ackedSeqs, s)
		}
	}
	assert.Equal(t, []uint64{2, 3}, ackedSeqs)
	assert.Equal(t, []string{"turn A", "turn B"}, cli.UserTurns())
}

func TestDuplicateSendReAcksWithoutReExecuting(t *testing.T) {
	app := NewTestApp(t)
	app.Factory.ScriptTurns("tab-1", TurnScript{Text: "answered once"})

	client := app.Connect()
	app.StartTab(client, "tab-1", 1)

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 2, "say it once")))

	first, err := client.WaitForFrame(func(f WSFrame) bool {
		return f.Type == "message_received_ack" && ackSeq(f) == 2
	}, waitTimeout)
	require.NoError(t, err)
	assert.False(t, isDuplicateAck(*first))

	// Retransmission of the same seq, as the client does when an ack is
	// lost.
	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 2, "say it once")))

	_, err = client.WaitForFrame(func(f WSFrame) bool {
		return f.Type == "message_received_ack" && ackSeq(f) == 2 && isDuplicateAck(f)
	}, waitTimeout)
	require.NoError(t, err)

	// Re-acked, not re-executed: one turn reached the subprocess and the
	// scripted answer played once.
	cli := app.Factory.CLI("tab-1")
	require.NotNil(t, cli)
	assert.Equal(t, []string{"say it once"}, cli.UserTurns())

	results := 0
	for _, f := range client.FramesByType("claude_event") {
		if eventType(f) == "result" {
			results++
		}
	}
	assert.Equal(t, 1, results)
}
