package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionGreeting(t *testing.T) {
	app := NewTestApp(t)

	client, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	greeting, err := client.WaitForFrameType("system", waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, "connected", greeting.Parsed["status"])
	assert.NotEmpty(t, greeting.Parsed["connection_id"])
	assert.Equal(t, uint64(0), greeting.Seq())
}

func TestSimpleTurnStreamsAssistantEvents(t *testing.T) {
	app := NewTestApp(t)
	app.Factory.ScriptTurns("tab-1", TurnScript{Text: "Hello from the model."})

	client := app.Connect()
	app.StartTab(client, "tab-1", 1)

	require.NoError(t, client.Send(context.Background(), sendFrame("tab-1", 2, "Hello?")))

	// The success result ends the turn's event stream.
	_, err := client.WaitForFrame(func(f WSFrame) bool {
		return f.Type == "claude_event" && eventType(f) == "result"
	}, waitTimeout)
	require.NoError(t, err)

	events := client.FramesByType("claude_event")
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "system", eventType(events[0]), "stream opens with the CLI init event")
	assert.Equal(t, "result", eventType(events[len(events)-1]))

	var endTurn bool
	for _, f := range events {
		if eventType(f) == "assistant" && stopReason(f) == "end_turn" {
			endTurn = true
		}
	}
	assert.True(t, endTurn, "expected an assistant event with stop_reason end_turn")

	// Event frames ride one ordered stream: seqs ascend in arrival order.
	var last uint64
	for _, f := range events {
		require.Greater(t, f.Seq(), last, "claude_event seq regressed")
		last = f.Seq()
	}

	// Both inbound frames were acknowledged.
	for _, seq := range []uint64{1, 2} {
		seq := seq
		_, err := client.WaitForFrame(func(f WSFrame) bool {
			return f.Type == "message_received_ack" && ackSeq(f) == seq
		}, waitTimeout)
		require.NoError(t, err, "missing ack for inbound seq %d", seq)
	}

	// The subprocess received exactly the text the client sent.
	cli := app.Factory.CLI("tab-1")
	require.NotNil(t, cli)
	assert.Equal(t, []string{"Hello?"}, cli.UserTurns())
}

func TestMultiTurnConversationKeepsOrder(t *testing.T) {
	app := NewTestApp(t)
	app.Factory.ScriptTurns("tab-1",
		TurnScript{Text: "first answer"},
		TurnScript{Text: "second answer"},
	)

	client := app.Connect()
	app.StartTab(client, "tab-1", 1)

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 2, "first question")))
	require.NoError(t, client.Send(ctx, sendFrame("tab-1", 3, "second question")))

	require.Eventually(t, func() bool {
		results := 0
		for _, f := range client.FramesByType("claude_event") {
			if eventType(f) == "result" {
				results++
			}
		}
		return results == 2
	}, waitTimeout, 25*time.Millisecond)

	var answers []string
	for _, f := range client.FramesByType("claude_event") {
		if eventType(f) == "assistant" {
			answers = append(answers, eventText(f))
		}
	}
	assert.Equal(t, []string{"first answer", "second answer"}, answers)

	cli := app.Factory.CLI("tab-1")
	require.NotNil(t, cli)
	assert.Equal(t, []string{"first question", "second question"}, cli.UserTurns())
}
