package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

func TestUpdateCredentialsRefreshesLiveRoutes(t *testing.T) {
	rig := newTestRig(t)
	s := rig.start(t)
	rig.wire.reset()

	rig.handle(`{"type":"update_credentials",` +
		`"claudeConfig":{"provider":"openai","apiKey":"sk-new","model":"gpt-4o","baseUrl":"https://api.openai.com/v1"}}`)

	var updated models.CredentialsUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypeCredentialsUpdated, &updated)
	assert.Equal(t, 1, updated.RoutesUpdated)

	// The swap is queued; the route's next read promotes it.
	cfg, ok := rig.registry.Get(s.RouteToken)
	require.True(t, ok)
	assert.Equal(t, "sk-new", cfg.APIKey)
	assert.Equal(t, models.ProviderOpenAI, cfg.Provider)
}

func TestUpdateCredentialsRequiresConfig(t *testing.T) {
	rig := newTestRig(t)
	rig.handle(`{"type":"update_credentials"}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeMissingContent, ef.ErrorCode)
}

func TestUpdateCredentialsWithNoSessions(t *testing.T) {
	rig := newTestRig(t)
	rig.handle(`{"type":"update_credentials",` +
		`"claudeConfig":{"provider":"anthropic","apiKey":"sk-solo","model":"m"}}`)

	var updated models.CredentialsUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypeCredentialsUpdated, &updated)
	assert.Zero(t, updated.RoutesUpdated)

	// The stored credentials still serve the next start without a config.
	rig.handle(`{"type":"start","tabId":"t1","seq":1}`)
	s, ok := rig.sessions.Get("t1")
	require.True(t, ok)
	cfg, ok := rig.registry.Peek(s.RouteToken)
	require.True(t, ok)
	assert.Equal(t, "sk-solo", cfg.APIKey)
}

func TestRoutesCatalogSorted(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register("bbb", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k1"})
	rig.registry.Register("aaa", models.RouteConfig{Provider: models.ProviderGemini, APIKey: "k2", Model: "gemini-2.0-flash"})

	rig.handle(`{"type":"routes"}`)

	var routes models.RoutesFrame
	rig.wire.decodeLast(t, models.FrameTypeRoutes, &routes)
	require.Len(t, routes.Routes, 2)
	assert.Equal(t, "aaa", routes.Routes[0].Token)
	assert.Equal(t, "bbb", routes.Routes[1].Token)
	assert.Equal(t, "gemini-2.0-flash", routes.Routes[0].Model)
}

func TestSetActiveRoute(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k"})

	rig.handle(`{"type":"set_active_route","token":"tok-1"}`)

	var updated models.RouteUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypeRouteUpdated, &updated)
	assert.Equal(t, "tok-1", updated.Token)
	assert.Equal(t, "active", updated.Scope)

	rig.handle(`{"type":"routes"}`)
	var routes models.RoutesFrame
	rig.wire.decodeLast(t, models.FrameTypeRoutes, &routes)
	require.Len(t, routes.Routes, 1)
	assert.True(t, routes.Routes[0].Active)
	assert.False(t, routes.Routes[0].Stable)
}

func TestSetStableRoute(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k"})

	rig.handle(`{"type":"set_stable_route","token":"tok-1"}`)

	var updated models.RouteUpdatedFrame
	rig.wire.decodeLast(t, models.FrameTypeRouteUpdated, &updated)
	assert.Equal(t, "stable", updated.Scope)
}

func TestSetRouteUnknownToken(t *testing.T) {
	rig := newTestRig(t)
	rig.handle(`{"type":"set_active_route","token":"ghost"}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeInvalidRouteToken, ef.ErrorCode)
	assert.Contains(t, ef.Message, "ghost")
}

func TestSetRouteRequiresToken(t *testing.T) {
	rig := newTestRig(t)
	rig.handle(`{"type":"set_stable_route"}`)

	ef := rig.lastError(t)
	assert.Equal(t, CodeInvalidRouteToken, ef.ErrorCode)
}
