package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/permission"
	"github.com/codeready-toolchain/gantry/pkg/session"
)

// pendingArbitration parks a tool-use question on the session's arbiter the
// way the proxy control channel does, and returns the channel its eventual
// decision lands on.
func pendingArbitration(t *testing.T, rig *testRig, s *session.Session, requestID string) <-chan permission.Decision {
	t.Helper()
	decided := make(chan permission.Decision, 1)
	go func() {
		d, err := s.Permissions.GetPermission(
			context.Background(), "Bash", map[string]any{"command": "ls"}, requestID)
		if err != nil {
			decided <- permission.Deny(err.Error())
			return
		}
		decided <- d
	}()
	require.Eventually(t, func() bool {
		return len(rig.wire.typed(models.FrameTypePermissionRequest)) > 0
	}, time.Second, 5*time.Millisecond, "prompt never reached the wire")
	return decided
}

func awaitDecision(t *testing.T, decided <-chan permission.Decision) permission.Decision {
	t.Helper()
	select {
	case d := <-decided:
		return d
	case <-time.After(time.Second):
		t.Fatal("arbitration never resolved")
		return permission.Decision{}
	}
}

func TestSetPermissionMode(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	rig.wire.reset()

	rig.handle(`{"type":"set_permission_mode","tabId":"t1","mode":"acceptEdits","seq":2}`)

	agent := rig.factory.agent(t, 0)
	assert.Equal(t, []string{"acceptEdits"}, agent.modeChanges())
	assert.Equal(t, "acceptEdits", s.PermissionModeValue())

	var updated models.PermissionModeUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypePermissionModeSet, &updated)
	assert.Equal(t, "acceptEdits", updated.Mode)
	assert.Equal(t, "t1", updated.TabID)
}

func TestSetPermissionModeRequiresMode(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	rig.wire.reset()

	rig.handle(`{"type":"set_permission_mode","tabId":"t1","seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeMissingContent, ef.ErrorCode)
	assert.Empty(t, rig.wire.typed(models.FrameTypePermissionModeSet))
}

func TestSetPermissionModeCLIFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	agent := rig.factory.agent(t, 0)
	agent.modeErr = assert.AnError
	rig.wire.reset()

	rig.handle(`{"type":"set_permission_mode","tabId":"t1","mode":"plan","seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeClaudeSendFailed, ef.ErrorCode)
	assert.Empty(t, rig.wire.typed(models.FrameTypePermissionModeSet),
		"a failed CLI mode change must not be acknowledged")
}

func TestBypassPermissionsAllowsWithoutPrompting(t *testing.T) {
	rig := newTestRig(t)
	rig.handle(`{"type":"start","tabId":"t1","permissionMode":"bypassPermissions","seq":1,` +
		`"claudeConfig":{"provider":"anthropic","apiKey":"sk-test","model":"m"}}`)
	s, ok := rig.sessions.Get("t1")
	require.True(t, ok)

	d, err := s.Permissions.GetPermission(
		context.Background(), "Bash", map[string]any{"command": "ls"}, "t1:r1")
	require.NoError(t, err)
	assert.True(t, d.Allowed())
	assert.Empty(t, rig.wire.typed(models.FrameTypePermissionRequest))
}

func TestPermissionResponseAllow(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	decided := pendingArbitration(t, rig, s, "t1:r1")

	var prompt models.PermissionRequestFrame
	rig.wire.decodeLast(t, models.FrameTypePermissionRequest, &prompt)
	assert.Equal(t, "t1:r1", prompt.RequestID)
	assert.Equal(t, "Bash", prompt.ToolName)

	rig.handle(`{"type":"permission_response","tabId":"t1","requestId":"t1:r1",` +
		`"decision":{"behavior":"allow"},"seq":2}`)

	d := awaitDecision(t, decided)
	assert.True(t, d.Allowed())
	// No updatedInput on the response means the original input passes through.
	assert.Equal(t, map[string]any{"command": "ls"}, d.UpdatedInput)
	assert.Zero(t, s.Permissions.PendingCount())
}

func TestPermissionResponseDeny(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	decided := pendingArbitration(t, rig, s, "t1:r2")

	rig.handle(`{"type":"permission_response","tabId":"t1","requestId":"t1:r2",` +
		`"decision":{"behavior":"deny","reason":"not on this host"},"seq":2}`)

	d := awaitDecision(t, decided)
	assert.False(t, d.Allowed())
	assert.Equal(t, "not on this host", d.Message)
}

func TestPermissionResponseAutoFlipsMode(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	decided := pendingArbitration(t, rig, s, "t1:r3")

	rig.handle(`{"type":"permission_response","tabId":"t1","requestId":"t1:r3",` +
		`"decision":{"behavior":"auto"},"seq":2}`)

	// The pending tool use is allowed first, so it is never re-arbitrated
	// under the new mode.
	d := awaitDecision(t, decided)
	assert.True(t, d.Allowed())

	agent := rig.factory.agent(t, 0)
	assert.Equal(t, []string{"acceptEdits"}, agent.modeChanges())
	assert.Equal(t, "acceptEdits", s.PermissionModeValue())

	var updated models.PermissionModeUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypePermissionModeSet, &updated)
	assert.Equal(t, "acceptEdits", updated.Mode)
}

func TestPermissionResponseUnknownRequest(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	rig.wire.reset()

	rig.handle(`{"type":"permission_response","tabId":"t1","requestId":"t1:ghost",` +
		`"decision":{"behavior":"allow"},"seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeSystemError, ef.ErrorCode)
	assert.Contains(t, ef.Message, "t1:ghost")
}

func TestPermissionResponseMissingFields(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	rig.wire.reset()

	rig.handle(`{"type":"permission_response","tabId":"t1","seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeMissingContent, ef.ErrorCode)
}

func TestInterruptDeniesPendingArbitration(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	decided := pendingArbitration(t, rig, s, "t1:r4")

	rig.handle(`{"type":"interrupt","tabId":"t1","seq":2}`)

	agent := rig.factory.agent(t, 0)
	assert.Equal(t, 1, agent.interruptCount())

	d := awaitDecision(t, decided)
	assert.False(t, d.Allowed())
	assert.Equal(t, "interrupted", d.Message)
	assert.Zero(t, s.Permissions.PendingCount())
}

func TestInterruptWithoutSubprocess(t *testing.T) {
	rig := newTestRig(t)
	// Creation fails, so the session exists in the error state with no agent.
	rig.handle(`{"type":"start","tabId":"t1","seq":1}`)
	rig.wire.reset()

	rig.handle(`{"type":"interrupt","tabId":"t1","seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeClaudeSendFailed, ef.ErrorCode)
}

func TestInterruptFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	agent := rig.factory.agent(t, 0)
	agent.interruptErr = assert.AnError
	rig.wire.reset()

	rig.handle(`{"type":"interrupt","tabId":"t1","seq":2}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeClaudeSendFailed, ef.ErrorCode)
}
