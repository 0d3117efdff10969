package models

import "encoding/json"

// FrameType identifies an inbound control-channel frame.
type FrameType string

const (
	FrameStart                FrameType = "start"
	FrameSend                 FrameType = "send"
	FrameEditMessage          FrameType = "edit_message"
	FrameInterrupt            FrameType = "interrupt"
	FrameSetPermissionMode    FrameType = "set_permission_mode"
	FramePermissionResponse   FrameType = "permission_response"
	FrameUpdateCredentials    FrameType = "update_credentials"
	FrameRoutes               FrameType = "routes"
	FrameSetActiveRoute       FrameType = "set_active_route"
	FrameSetStableRoute       FrameType = "set_stable_route"
	FrameResponseAck          FrameType = "response_ack"
	FrameRequestConversations FrameType = "request_conversations"
	FrameLoadConversation     FrameType = "load_conversation"
	FrameShutdown             FrameType = "shutdown"
	FrameHealth               FrameType = "health"
	FrameStatus               FrameType = "status"
)

// InboundFrame is the decoded form of a client frame. The mobile client sends
// a JSON object with a discriminating "type" field; the remaining fields are
// populated per type and zero otherwise. Dispatch is a switch over Type.
type InboundFrame struct {
	Type  FrameType `json:"type"`
	TabID string    `json:"tabId,omitempty"`

	// Client-side sequence number for at-least-once inbound delivery.
	// Zero means the frame does not participate in inbound ordering.
	Seq uint64 `json:"seq,omitempty"`

	// start / load_conversation
	Workdir         string       `json:"workdir,omitempty"`
	SystemPrompt    string       `json:"systemPrompt,omitempty"`
	PermissionMode  string       `json:"permissionMode,omitempty"`
	ClaudeConfig    *Credentials `json:"claudeConfig,omitempty"`
	LastReceivedSeq *uint64      `json:"last_received_seq,omitempty"`

	// send / edit_message
	Content     string `json:"content,omitempty"`
	MessageUUID string `json:"messageUuid,omitempty"`
	NewContent  string `json:"newContent,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// permission_response
	RequestID string          `json:"requestId,omitempty"`
	Decision  *ClientDecision `json:"decision,omitempty"`

	// set_active_route / set_stable_route
	Token string `json:"token,omitempty"`

	// response_ack: cumulative ack of the broker's outbound sequence.
	AckSeq uint64 `json:"ack_seq,omitempty"`

	// load_conversation: history file identifier (<session_id>.jsonl stem).
	SessionID string `json:"sessionId,omitempty"`
}

// ClientDecision is the client's answer to a permission_request frame.
// Behavior "auto" is translated by the handler layer into allow followed by
// an acceptEdits mode change on the attached subprocess.
type ClientDecision struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
	BehaviorAuto  = "auto"
)

// Outbound frame types.
const (
	FrameTypeSystem              = "system"
	FrameTypeStatus              = "status"
	FrameTypeAck                 = "message_received_ack"
	FrameTypeClaudeEvent         = "claude_event"
	FrameTypeClaudeEventBatch    = "claude_event_batch"
	FrameTypePermissionRequest   = "permission_request"
	FrameTypePermissionModeSet   = "permission_mode_updated"
	FrameTypeEditAcknowledged    = "edit_acknowledged"
	FrameTypeSyncStatus          = "sync_status"
	FrameTypeError               = "error"
	FrameTypeConversations       = "conversations"
	FrameTypeRoutes              = "routes"
	FrameTypeRouteUpdated        = "route_updated"
	FrameTypeHealth              = "health"
	FrameTypeCredentialsUpdated  = "credentials_updated"
	FrameTypeConversationsFailed = "conversations_failed"
)

// Greeting is the unsolicited first frame on every new connection.
type Greeting struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id"`
	Seq          uint64 `json:"seq"`
}

// NewGreeting builds the {type:"system", status:"connected"} frame.
func NewGreeting(connectionID string) Greeting {
	return Greeting{Type: FrameTypeSystem, Status: "connected", ConnectionID: connectionID, Seq: 0}
}

// StatusFrame reports session readiness ({type:"status", status:"ready"}).
type StatusFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	TabID   string `json:"tabId"`
	Seq     uint64 `json:"seq"`
	Resumed bool   `json:"resumed,omitempty"`
}

// AckFrame acknowledges an inbound client seq. AckSeq is the client's
// sequence being acknowledged; Seq is the broker's own outbound sequence
// for this ack frame.
type AckFrame struct {
	Type        string `json:"type"`
	TabID       string `json:"tabId"`
	AckSeq      uint64 `json:"ack_seq"`
	Seq         uint64 `json:"seq"`
	IsDuplicate bool   `json:"is_duplicate"`
}

// ClaudeEventFrame carries one Anthropic-shaped event from the subprocess
// stream to the client.
type ClaudeEventFrame struct {
	Type  string          `json:"type"`
	TabID string          `json:"tabId"`
	Data  json.RawMessage `json:"data"`
	Seq   uint64          `json:"seq"`
}

// ClaudeEventBatchFrame carries an array of events in one frame; used by the
// conversation-load path.
type ClaudeEventBatchFrame struct {
	Type  string            `json:"type"`
	TabID string            `json:"tabId"`
	Data  []json.RawMessage `json:"data"`
	Seq   uint64            `json:"seq"`
}

// PermissionRequestFrame asks the client to arbitrate a tool use.
type PermissionRequestFrame struct {
	Type      string         `json:"type"`
	TabID     string         `json:"tabId"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput"`
	Seq       uint64         `json:"seq"`
}

// SyncState describes per-direction ack progress for a session.
type SyncState struct {
	IsSynced       bool   `json:"is_synced"`
	BrokerToClient uint64 `json:"broker_to_ios"`
	ClientToBroker uint64 `json:"ios_to_broker"`
}

// SyncStatusFrame brackets a replay so the client can render catch-up
// progress. MissedCount is the number of frames about to be (or just)
// replayed.
type SyncStatusFrame struct {
	Type        string    `json:"type"`
	TabID       string    `json:"tabId"`
	Sync        SyncState `json:"sync"`
	MissedCount int       `json:"missed_count"`
	Seq         uint64    `json:"seq"`
}

// ErrorFrame surfaces a broker-side error to the client without tearing the
// connection down.
type ErrorFrame struct {
	Type      string `json:"type"`
	TabID     string `json:"tabId,omitempty"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Seq       uint64 `json:"seq,omitempty"`
}

// PermissionModeUpdatedFrame acknowledges a set_permission_mode frame.
type PermissionModeUpdatedFrame struct {
	Type  string `json:"type"`
	TabID string `json:"tabId"`
	Mode  string `json:"mode"`
	Seq   uint64 `json:"seq"`
}

// EditAcknowledgedFrame is sent before the branched session starts streaming.
type EditAcknowledgedFrame struct {
	Type        string `json:"type"`
	TabID       string `json:"tabId"`
	MessageUUID string `json:"messageUuid"`
	Seq         uint64 `json:"seq"`
}

// ConversationsFrame answers request_conversations.
type ConversationsFrame struct {
	Type          string                `json:"type"`
	Workdir       string                `json:"workdir"`
	Conversations []ConversationSummary `json:"conversations"`
}

// ConversationsFailedFrame reports a history read failure.
type ConversationsFailedFrame struct {
	Type    string `json:"type"`
	Workdir string `json:"workdir"`
	Message string `json:"message"`
}

// CredentialsUpdatedFrame acknowledges update_credentials with the number of
// route entries re-synced.
type CredentialsUpdatedFrame struct {
	Type          string `json:"type"`
	RoutesUpdated int    `json:"routes_updated"`
}

// RouteInfo is one entry of the static route catalog surface.
type RouteInfo struct {
	Token    string `json:"token"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Active   bool   `json:"active"`
	Stable   bool   `json:"stable"`
}

// RoutesFrame answers a routes frame with the current catalog.
type RoutesFrame struct {
	Type   string      `json:"type"`
	Routes []RouteInfo `json:"routes"`
}

// RouteUpdatedFrame acknowledges set_active_route / set_stable_route.
type RouteUpdatedFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Scope string `json:"scope"`
}

// HealthFrame answers a health frame.
type HealthFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// BrokerStatusFrame answers a status frame with no tabId: broker-wide
// diagnostics.
type BrokerStatusFrame struct {
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Sessions    []SessionStatus `json:"sessions"`
	Connections int             `json:"connections"`
}

// SessionStatus is the per-session slice of the diagnostics surface.
type SessionStatus struct {
	TabID          string `json:"tabId"`
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	Connections    int    `json:"connections"`
	PendingFrames  int    `json:"pending_frames"`
	BufferedFrames int    `json:"buffered_frames"`
	LastActivity   string `json:"last_activity"`
}
