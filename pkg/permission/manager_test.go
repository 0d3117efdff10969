package permission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowMode(t *testing.T) {
	m := NewManager(ModeAllow, time.Minute)
	input := map[string]any{"cmd": "ls"}

	d, err := m.GetPermission(context.Background(), "Bash", input, "t1:aaaa0000")
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Equal(t, input, d.UpdatedInput)
}

func TestDenyMode(t *testing.T) {
	m := NewManager(ModeDeny, time.Minute)

	d, err := m.GetPermission(context.Background(), "Bash", nil, "t1:aaaa0000")
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "mode=deny", d.Message)
	assert.True(t, d.Interrupt)
}

func TestPromptResolveRoundTrip(t *testing.T) {
	m := NewManager(ModePrompt, time.Minute)

	notified := make(chan Request, 1)
	m.SetNotifier(func(r Request) { notified <- r })

	input := map[string]any{"cmd": "ls"}
	got := make(chan Decision, 1)
	go func() {
		d, err := m.GetPermission(context.Background(), "Bash", input, "t1:deadbeef")
		require.NoError(t, err)
		got <- d
	}()

	// The waiter must surface the request to the client first.
	var req Request
	select {
	case req = <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not fired")
	}
	assert.Equal(t, "t1:deadbeef", req.RequestID)
	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, 1, m.PendingCount())

	// Allow without updated input: the original input is filled in.
	require.True(t, m.Resolve("t1:deadbeef", Decision{Behavior: "allow"}))

	select {
	case d := <-got:
		assert.True(t, d.Allowed())
		assert.Equal(t, input, d.UpdatedInput)
	case <-time.After(2 * time.Second):
		t.Fatal("GetPermission did not return after Resolve")
	}
	assert.Equal(t, 0, m.PendingCount())
}

func TestResolveUnknownID(t *testing.T) {
	m := NewManager(ModePrompt, time.Minute)
	assert.False(t, m.Resolve("t1:ffffffff", Allow(nil)))
}

func TestCachedModeHitAndExpiry(t *testing.T) {
	m := NewManager(ModeCached, time.Minute)
	current := time.Now()
	m.now = func() time.Time { return current }

	input := map[string]any{"path": "/tmp"}

	// First call prompts; resolve it with deny.
	go func() {
		// Wait for the pending entry, then resolve.
		for m.PendingCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		m.Resolve("t1:00000001", Deny("no"))
	}()
	d, err := m.GetPermission(context.Background(), "Read", input, "t1:00000001")
	require.NoError(t, err)
	assert.False(t, d.Allowed())

	// Second call with the same (name, input) hits the cache: no pending
	// entry is created and the answer is immediate.
	d, err = m.GetPermission(context.Background(), "Read", input, "t1:00000002")
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, 0, m.PendingCount())

	// Advance past the TTL: the entry no longer applies.
	current = current.Add(2 * time.Minute)
	go func() {
		for m.PendingCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		m.Resolve("t1:00000003", Allow(nil))
	}()
	d, err = m.GetPermission(context.Background(), "Read", input, "t1:00000003")
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestCustomModeRules(t *testing.T) {
	m := NewManager(ModeCustom, time.Minute)
	m.SetRule("Bash", "deny")
	m.SetRule("Read", "allow")

	d, err := m.GetPermission(context.Background(), "Bash", nil, "t1:00000001")
	require.NoError(t, err)
	assert.False(t, d.Allowed())

	d, err = m.GetPermission(context.Background(), "Read", map[string]any{"p": 1}, "t1:00000002")
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	// No rule: falls back to prompting.
	go func() {
		for m.PendingCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		m.Resolve("t1:00000003", Allow(nil))
	}()
	d, err = m.GetPermission(context.Background(), "Write", nil, "t1:00000003")
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestDenyPendingByTabPrefix(t *testing.T) {
	m := NewManager(ModePrompt, time.Minute)

	got := make(chan Decision, 1)
	go func() {
		d, err := m.GetPermission(context.Background(), "Bash", nil, "t1:00000001")
		require.NoError(t, err)
		got <- d
	}()
	for m.PendingCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 0, m.DenyPending("t2", "interrupted"))
	assert.Equal(t, 1, m.DenyPending("t1", "interrupted"))

	select {
	case d := <-got:
		assert.False(t, d.Allowed())
		assert.Equal(t, "interrupted", d.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not denied")
	}
}

func TestGetPermissionContextCancel(t *testing.T) {
	m := NewManager(ModePrompt, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetPermission(ctx, "Bash", nil, "t1:00000001")
		errCh <- err
	}()
	for m.PendingCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("GetPermission did not observe cancellation")
	}
}

func TestDecisionMarshalShapes(t *testing.T) {
	allow, err := json.Marshal(Allow(map[string]any{"cmd": "ls"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{"cmd":"ls"}}`, string(allow))

	deny, err := json.Marshal(Deny("nope"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"behavior":"deny","message":"nope","interrupt":true}`, string(deny))
}
