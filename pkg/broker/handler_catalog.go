package broker

import (
	"sort"

	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/transport"
)

// handleUpdateCredentials replaces the global credentials and queues the new
// config on every live session's route. In-flight upstream requests keep the
// config they started with; the swap lands on each route's next read.
func (h *Handler) handleUpdateCredentials(conn *transport.Connection, frame models.InboundFrame) {
	if frame.ClaudeConfig == nil {
		h.replyError(conn, frame.TabID, CodeMissingContent, "update_credentials requires claudeConfig")
		return
	}
	h.sessions.SetCredentials(*frame.ClaudeConfig)
	updated := h.sessions.RefreshRoutes()

	h.logger.Info("Credentials updated",
		"provider", frame.ClaudeConfig.Provider, "routes_updated", updated)
	h.reply(conn, models.CredentialsUpdatedFrame{
		Type:          models.FrameTypeCredentialsUpdated,
		RoutesUpdated: updated,
	})
}

// handleRoutes answers with the static route catalog, sorted by token for a
// stable wire order.
func (h *Handler) handleRoutes(conn *transport.Connection) {
	list := h.registry.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Token < list[j].Token })
	h.reply(conn, models.RoutesFrame{Type: models.FrameTypeRoutes, Routes: list})
}

// handleSetRoute marks a catalog entry active or stable.
func (h *Handler) handleSetRoute(conn *transport.Connection, frame models.InboundFrame, scope string) {
	if frame.Token == "" {
		h.replyError(conn, frame.TabID, CodeInvalidRouteToken, "set_"+scope+"_route requires token")
		return
	}

	var err error
	if scope == "active" {
		err = h.registry.SetActive(frame.Token)
	} else {
		err = h.registry.SetStable(frame.Token)
	}
	if err != nil {
		h.replyError(conn, frame.TabID, CodeInvalidRouteToken, "unknown route token "+frame.Token)
		return
	}
	h.reply(conn, models.RouteUpdatedFrame{
		Type:  models.FrameTypeRouteUpdated,
		Token: frame.Token,
		Scope: scope,
	})
}
