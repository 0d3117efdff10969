// Package broker is the control-channel dispatch layer: it decodes inbound
// client frames, runs them through each session's ordering engine and maps
// them onto the session, route and history services. Outbound traffic flows
// back through the session manager's sequenced send path or, for
// session-less frames, directly to the requesting connection.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/gantry/pkg/history"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/permission"
	"github.com/codeready-toolchain/gantry/pkg/routes"
	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/transport"
)

// Conns is the slice of the connection manager the dispatch layer drives.
type Conns interface {
	// Attach reports whether the connection<->session pair is new.
	Attach(connectionID, sessionID string) bool
	SendToConnection(connectionID string, frame []byte) error
	ConnectionCount(sessionID string) int
	ActiveConnections() int
	CloseConnection(connectionID, reason string)
}

// Handler dispatches inbound control-channel frames. It implements
// transport.FrameHandler.
type Handler struct {
	logger   *slog.Logger
	sessions *session.Manager
	conns    Conns
	registry *routes.Registry
	history  *history.Store
	metrics  *metrics.Collector
	notifier session.Notifier

	startedAt time.Time
}

// NewHandler wires the dispatch layer. It installs itself as the session
// manager's permission sink so pending arbitrations reach the client as
// permission_request frames.
func NewHandler(sessions *session.Manager, conns Conns, registry *routes.Registry, hist *history.Store, collector *metrics.Collector, notifier session.Notifier, logger *slog.Logger) *Handler {
	h := &Handler{
		logger:    logger.With("component", "broker"),
		sessions:  sessions,
		conns:     conns,
		registry:  registry,
		history:   hist,
		metrics:   collector,
		notifier:  notifier,
		startedAt: time.Now(),
	}
	sessions.SetPermissionSink(h.permissionPrompt)
	return h
}

// HandleFrame decodes one frame and routes it to its handler. Errors never
// tear the connection down; they come back as error frames.
func (h *Handler) HandleFrame(ctx context.Context, conn *transport.Connection, data []byte) {
	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn("Undecodable frame", "connection_id", conn.ID, "error", err)
		h.replyError(conn, "", CodeSystemError, "malformed frame: "+err.Error())
		return
	}
	if frame.Type == "" {
		h.replyError(conn, frame.TabID, CodeSystemError, "frame has no type")
		return
	}
	h.metrics.FramesIn.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case models.FrameStart:
		h.handleStart(ctx, conn, frame)
	case models.FrameLoadConversation:
		h.handleLoadConversation(ctx, conn, frame)
	case models.FrameUpdateCredentials:
		h.handleUpdateCredentials(conn, frame)
	case models.FrameRoutes:
		h.handleRoutes(conn)
	case models.FrameSetActiveRoute:
		h.handleSetRoute(conn, frame, "active")
	case models.FrameSetStableRoute:
		h.handleSetRoute(conn, frame, "stable")
	case models.FrameRequestConversations:
		h.handleRequestConversations(conn, frame)
	case models.FrameShutdown:
		h.handleShutdown(conn)
	case models.FrameHealth:
		h.handleHealth(conn)
	case models.FrameStatus:
		h.handleStatus(conn)
	case models.FrameSend, models.FrameEditMessage, models.FrameInterrupt,
		models.FrameSetPermissionMode, models.FramePermissionResponse,
		models.FrameResponseAck:
		h.dispatchSession(ctx, conn, frame)
	default:
		h.replyError(conn, frame.TabID, CodeSystemError, "unknown frame type "+string(frame.Type))
	}
}

// dispatchSession resolves the frame's session and applies inbound ordering:
// unsequenced frames execute immediately, sequenced ones run through the ack
// engine, which re-acks duplicates without re-executing and parks frames that
// arrive ahead of a hole.
func (h *Handler) dispatchSession(ctx context.Context, conn *transport.Connection, frame models.InboundFrame) {
	if frame.TabID == "" {
		h.replyError(conn, "", CodeMissingTabID, string(frame.Type)+" requires tabId")
		return
	}
	s, ok := h.sessions.Get(frame.TabID)
	if !ok {
		h.replyError(conn, frame.TabID, CodeSessionNotFound, "no session for tab "+frame.TabID)
		return
	}
	s.Touch()

	if frame.Seq == 0 {
		h.execute(ctx, conn, s, frame)
		return
	}
	for _, ack := range s.Acks.Process(frame.Seq, frame) {
		h.sendAck(s, ack)
		if !ack.Duplicate {
			h.execute(ctx, conn, s, ack.Frame)
		}
	}
}

// execute runs one in-order session frame.
func (h *Handler) execute(ctx context.Context, conn *transport.Connection, s *session.Session, frame models.InboundFrame) {
	switch frame.Type {
	case models.FrameSend:
		h.handleSend(ctx, s, frame)
	case models.FrameEditMessage:
		h.handleEditMessage(ctx, s, frame)
	case models.FrameInterrupt:
		h.handleInterrupt(ctx, s)
	case models.FrameSetPermissionMode:
		h.handleSetPermissionMode(ctx, s, frame)
	case models.FramePermissionResponse:
		h.handlePermissionResponse(ctx, s, frame)
	case models.FrameResponseAck:
		h.handleResponseAck(s, frame)
	default:
		h.replyError(conn, s.TabID, CodeSystemError, "unhandled frame type "+string(frame.Type))
	}
}

// ackSelfProcessed feeds a session-creating frame's seq through the ordering
// engine after its work is done. The frame itself must not re-execute, but
// frames it releases from the reorder buffer do. Client seqs spent on frames
// that failed before this session existed are skipped over via the baseline.
func (h *Handler) ackSelfProcessed(ctx context.Context, conn *transport.Connection, s *session.Session, frame models.InboundFrame) {
	if frame.Seq == 0 {
		return
	}
	s.Acks.AdoptBaseline(frame.Seq)
	for _, ack := range s.Acks.Process(frame.Seq, frame) {
		h.sendAck(s, ack)
		if !ack.Duplicate && ack.Seq != frame.Seq {
			h.execute(ctx, conn, s, ack.Frame)
		}
	}
}

// sendAck emits a message_received_ack on the session's transient sequence.
func (h *Handler) sendAck(s *session.Session, ack session.Ack) {
	h.sessions.SendTransient(s, func(seq uint64) any {
		return models.AckFrame{
			Type:        models.FrameTypeAck,
			TabID:       s.TabID,
			AckSeq:      ack.Seq,
			Seq:         seq,
			IsDuplicate: ack.Duplicate,
		}
	})
}

// permissionPrompt forwards a pending arbitration to the client. With no live
// connection the frame stays buffered for replay and the operator channel is
// told someone is waiting.
func (h *Handler) permissionPrompt(s *session.Session, req permission.Request) {
	h.sessions.Send(s, func(seq uint64) any {
		return models.PermissionRequestFrame{
			Type:      models.FrameTypePermissionRequest,
			TabID:     s.TabID,
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			ToolInput: req.ToolInput,
			Seq:       seq,
		}
	})
	if h.notifier != nil && h.conns.ConnectionCount(s.ID) == 0 {
		h.notifier.PermissionWaiting(s.TabID, req.ToolName)
	}
}

// reply marshals a frame and delivers it to one connection, outside any
// session's sequence space.
func (h *Handler) reply(conn *transport.Connection, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal reply", "connection_id", conn.ID, "error", err)
		return
	}
	h.countOut(data)
	if err := h.conns.SendToConnection(conn.ID, data); err != nil {
		h.logger.Warn("Direct reply failed", "connection_id", conn.ID, "error", err)
	}
}

// replyError sends an unsequenced error frame to the requesting connection.
func (h *Handler) replyError(conn *transport.Connection, tabID, code, message string) {
	h.reply(conn, models.ErrorFrame{
		Type:      models.FrameTypeError,
		TabID:     tabID,
		ErrorCode: code,
		Message:   message,
	})
}

// sendErrorFrame sends a sequenced error frame through the session's ordered
// outbound stream, so it survives a reconnect.
func (h *Handler) sendErrorFrame(s *session.Session, code, message string) {
	h.sessions.Send(s, func(seq uint64) any {
		return models.ErrorFrame{
			Type:      models.FrameTypeError,
			TabID:     s.TabID,
			ErrorCode: code,
			Message:   message,
			Seq:       seq,
		}
	})
}

func (h *Handler) countOut(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Type != "" {
		h.metrics.FramesOut.WithLabelValues(probe.Type).Inc()
	}
}
