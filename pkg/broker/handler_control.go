package broker

import (
	"context"

	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/permission"
	"github.com/codeready-toolchain/gantry/pkg/session"
)

// handleSetPermissionMode updates the broker arbiter and the CLI's own mode,
// then acknowledges with permission_mode_updated.
func (h *Handler) handleSetPermissionMode(ctx context.Context, s *session.Session, frame models.InboundFrame) {
	if frame.Mode == "" {
		h.sendErrorFrame(s, CodeMissingContent, "set_permission_mode requires mode")
		return
	}
	h.applyPermissionMode(ctx, s, frame.Mode)
}

// applyPermissionMode is shared by the explicit frame and the auto decision.
func (h *Handler) applyPermissionMode(ctx context.Context, s *session.Session, mode string) {
	h.sessions.SetPermissionMode(s, mode)
	if a := s.Agent(); a != nil {
		if err := a.SetPermissionMode(ctx, mode); err != nil {
			h.logger.Warn("CLI permission mode change failed",
				"tab_id", s.TabID, "mode", mode, "error", err)
			h.sendErrorFrame(s, CodeClaudeSendFailed, err.Error())
			return
		}
	}
	h.sessions.Send(s, func(seq uint64) any {
		return models.PermissionModeUpdatedFrame{
			Type:  models.FrameTypePermissionModeSet,
			TabID: s.TabID,
			Mode:  mode,
			Seq:   seq,
		}
	})
}

// handlePermissionResponse resolves a pending arbitration. An auto decision
// allows first and only then flips the session into acceptEdits, so the tool
// use that prompted the question is never re-arbitrated under the new mode.
func (h *Handler) handlePermissionResponse(ctx context.Context, s *session.Session, frame models.InboundFrame) {
	if frame.RequestID == "" || frame.Decision == nil {
		h.sendErrorFrame(s, CodeMissingContent, "permission_response requires requestId and decision")
		return
	}

	var decision permission.Decision
	auto := false
	switch frame.Decision.Behavior {
	case models.BehaviorAllow:
		decision = permission.Allow(frame.Decision.UpdatedInput)
	case models.BehaviorDeny:
		decision = permission.Deny(frame.Decision.Reason)
	case models.BehaviorAuto:
		decision = permission.Allow(frame.Decision.UpdatedInput)
		auto = true
	default:
		h.sendErrorFrame(s, CodeSystemError, "unknown decision behavior "+frame.Decision.Behavior)
		return
	}

	if !s.Permissions.Resolve(frame.RequestID, decision) {
		h.logger.Warn("Permission response for unknown request",
			"tab_id", s.TabID, "request_id", frame.RequestID)
		h.sendErrorFrame(s, CodeSystemError, "no pending permission request "+frame.RequestID)
		return
	}
	h.metrics.PermissionDecisions.WithLabelValues(frame.Decision.Behavior).Inc()

	if auto {
		h.applyPermissionMode(ctx, s, "acceptEdits")
	}
}

// handleResponseAck applies the client's cumulative outbound ack.
func (h *Handler) handleResponseAck(s *session.Session, frame models.InboundFrame) {
	settled := h.sessions.AckOutbound(s, frame.AckSeq)
	h.logger.Debug("Outbound frames acknowledged",
		"tab_id", s.TabID, "ack_seq", frame.AckSeq, "settled", settled)
}
