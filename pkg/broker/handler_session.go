package broker

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/transport"
)

// handleStart creates or reattaches the session for a tab. A claudeConfig on
// the frame updates the global credentials before the session registers its
// route. Reattachment replays everything past the client's last ack between
// sync_status markers before the fresh ready status goes out.
func (h *Handler) handleStart(ctx context.Context, conn *transport.Connection, frame models.InboundFrame) {
	if frame.TabID == "" {
		h.replyError(conn, "", CodeMissingTabID, "start requires tabId")
		return
	}
	if frame.ClaudeConfig != nil {
		h.sessions.SetCredentials(*frame.ClaudeConfig)
	}

	s, existed, err := h.sessions.GetOrCreate(ctx, session.CreateSpec{
		TabID:          frame.TabID,
		Workdir:        frame.Workdir,
		SystemPrompt:   frame.SystemPrompt,
		PermissionMode: frame.PermissionMode,
		Credentials:    frame.ClaudeConfig,
	})
	if err != nil {
		h.replyCreateError(conn, frame.TabID, err)
		// The failed frame still consumed a client seq; ack it so the
		// retry stays contiguous.
		if s != nil {
			h.ackSelfProcessed(ctx, conn, s, frame)
		}
		return
	}

	fresh := h.conns.Attach(conn.ID, s.ID)
	h.sessions.MarkActive(s)
	if existed && fresh {
		// A new connection taking over a session restarts its numbering
		// at one; a retry on the same connection keeps counting.
		s.Acks.ResetInbound()
	}

	if existed || frame.LastReceivedSeq != nil {
		h.sessions.Replay(s, conn.ID, frame.LastReceivedSeq)
	}

	h.sessions.Send(s, func(seq uint64) any {
		return models.StatusFrame{
			Type:    models.FrameTypeStatus,
			Status:  "ready",
			TabID:   s.TabID,
			Seq:     seq,
			Resumed: existed,
		}
	})
	h.ackSelfProcessed(ctx, conn, s, frame)
}

// handleLoadConversation starts a session resumed from an on-disk history
// file and replays the loaded tail to the client as one batch frame.
func (h *Handler) handleLoadConversation(ctx context.Context, conn *transport.Connection, frame models.InboundFrame) {
	if frame.TabID == "" {
		h.replyError(conn, "", CodeMissingTabID, "load_conversation requires tabId")
		return
	}
	if frame.SessionID == "" || frame.Workdir == "" {
		h.replyError(conn, frame.TabID, CodeMissingContent, "load_conversation requires workdir and sessionId")
		return
	}

	events, err := h.history.Load(frame.Workdir, frame.SessionID)
	if err != nil {
		h.logger.Warn("Conversation load failed",
			"tab_id", frame.TabID, "session_id", frame.SessionID, "error", err)
		h.reply(conn, models.ConversationsFailedFrame{
			Type:    models.FrameTypeConversationsFailed,
			Workdir: frame.Workdir,
			Message: err.Error(),
		})
		return
	}

	if frame.ClaudeConfig != nil {
		h.sessions.SetCredentials(*frame.ClaudeConfig)
	}
	s, existed, err := h.sessions.GetOrCreate(ctx, session.CreateSpec{
		TabID:           frame.TabID,
		Workdir:         frame.Workdir,
		SystemPrompt:    frame.SystemPrompt,
		PermissionMode:  frame.PermissionMode,
		Credentials:     frame.ClaudeConfig,
		ResumeSessionID: frame.SessionID,
	})
	if err != nil {
		h.replyCreateError(conn, frame.TabID, err)
		if s != nil {
			h.ackSelfProcessed(ctx, conn, s, frame)
		}
		return
	}

	fresh := h.conns.Attach(conn.ID, s.ID)
	h.sessions.MarkActive(s)
	if existed && fresh {
		s.Acks.ResetInbound()
	}

	if existed || frame.LastReceivedSeq != nil {
		h.sessions.Replay(s, conn.ID, frame.LastReceivedSeq)
	}

	h.sessions.SendBatch(s, events)
	h.sessions.Send(s, func(seq uint64) any {
		return models.StatusFrame{
			Type:    models.FrameTypeStatus,
			Status:  "ready",
			TabID:   s.TabID,
			Seq:     seq,
			Resumed: true,
		}
	})
	h.ackSelfProcessed(ctx, conn, s, frame)
}

// replyCreateError maps a session-creation failure onto the error taxonomy.
// The session stays registered in its error state either way, so the client
// can retry the same tab.
func (h *Handler) replyCreateError(conn *transport.Connection, tabID string, err error) {
	if errors.Is(err, session.ErrNoCredentials) {
		h.replyError(conn, tabID, CodeNoActiveRoute, "no credentials configured; send claudeConfig")
		return
	}
	h.replyError(conn, tabID, CodeSystemError, err.Error())
}

// handleSend forwards one user turn to the session's subprocess. The stream
// of claude_event frames comes back asynchronously through the event pump, so
// dispatch is free for the permission_response that may arrive mid-turn.
func (h *Handler) handleSend(ctx context.Context, s *session.Session, frame models.InboundFrame) {
	if frame.Content == "" {
		h.sendErrorFrame(s, CodeMissingContent, "send requires content")
		return
	}
	a := s.Agent()
	if a == nil {
		h.sendErrorFrame(s, CodeClaudeSendFailed, "no subprocess attached")
		return
	}
	if err := a.Send(ctx, frame.Content); err != nil {
		h.logger.Error("User turn delivery failed",
			"tab_id", s.TabID, "session_id", s.ID, "error", err)
		h.sendErrorFrame(s, CodeClaudeSendFailed, err.Error())
		return
	}
	h.sessions.MarkActive(s)
}

// handleEditMessage branches the session at a message uuid: restart the
// subprocess resuming there, acknowledge, then submit the replacement turn.
func (h *Handler) handleEditMessage(ctx context.Context, s *session.Session, frame models.InboundFrame) {
	if frame.MessageUUID == "" || frame.NewContent == "" {
		h.sendErrorFrame(s, CodeMissingContent, "edit_message requires messageUuid and newContent")
		return
	}

	if err := h.sessions.Branch(ctx, s, frame.MessageUUID); err != nil {
		code := CodeSystemError
		if errors.Is(err, session.ErrNoAgent) {
			code = CodeClaudeSendFailed
		}
		h.sendErrorFrame(s, code, err.Error())
		return
	}

	h.sessions.Send(s, func(seq uint64) any {
		return models.EditAcknowledgedFrame{
			Type:        models.FrameTypeEditAcknowledged,
			TabID:       s.TabID,
			MessageUUID: frame.MessageUUID,
			Seq:         seq,
		}
	})

	a := s.Agent()
	if a == nil {
		h.sendErrorFrame(s, CodeClaudeSendFailed, "no subprocess attached after branch")
		return
	}
	if err := a.Send(ctx, frame.NewContent); err != nil {
		h.sendErrorFrame(s, CodeClaudeSendFailed, err.Error())
	}
}

// handleInterrupt forwards an interrupt and denies any arbitration still
// pending, since the turn it belonged to is being abandoned.
func (h *Handler) handleInterrupt(ctx context.Context, s *session.Session) {
	a := s.Agent()
	if a == nil {
		h.sendErrorFrame(s, CodeClaudeSendFailed, "no subprocess attached")
		return
	}
	if err := a.Interrupt(ctx); err != nil {
		h.sendErrorFrame(s, CodeClaudeSendFailed, err.Error())
		return
	}
	if denied := s.Permissions.DenyPending(s.TabID, "interrupted"); denied > 0 {
		h.logger.Info("Pending permissions denied by interrupt",
			"tab_id", s.TabID, "count", denied)
	}
}
