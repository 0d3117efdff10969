package broker

import (
	"time"

	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/transport"
	"github.com/codeready-toolchain/gantry/pkg/version"
)

// handleRequestConversations lists recorded conversations for a workdir.
// History reads never raise the error frame; failures go back as a dedicated
// conversations_failed frame so the client can distinguish "empty" from
// "broken".
func (h *Handler) handleRequestConversations(conn *transport.Connection, frame models.InboundFrame) {
	if frame.Workdir == "" {
		h.replyError(conn, frame.TabID, CodeMissingContent, "request_conversations requires workdir")
		return
	}
	summaries, err := h.history.List(frame.Workdir)
	if err != nil {
		h.logger.Warn("Conversation listing failed", "workdir", frame.Workdir, "error", err)
		h.reply(conn, models.ConversationsFailedFrame{
			Type:    models.FrameTypeConversationsFailed,
			Workdir: frame.Workdir,
			Message: err.Error(),
		})
		return
	}
	h.reply(conn, models.ConversationsFrame{
		Type:          models.FrameTypeConversations,
		Workdir:       frame.Workdir,
		Conversations: summaries,
	})
}

// handleShutdown closes the requesting socket. Sessions stay alive for a
// later reconnect; only the transport goes away.
func (h *Handler) handleShutdown(conn *transport.Connection) {
	h.logger.Info("Client requested shutdown", "connection_id", conn.ID)
	h.conns.CloseConnection(conn.ID, "client shutdown")
}

func (h *Handler) handleHealth(conn *transport.Connection) {
	h.reply(conn, models.HealthFrame{
		Type:    models.FrameTypeHealth,
		Status:  "healthy",
		Version: version.GitCommit,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handler) handleStatus(conn *transport.Connection) {
	h.reply(conn, models.BrokerStatusFrame{
		Type:        models.FrameTypeStatus,
		Status:      "ok",
		Sessions:    h.sessions.Snapshot(),
		Connections: h.conns.ActiveConnections(),
	})
}
