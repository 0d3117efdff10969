package broker

// Client-facing error codes carried in error frames. The vocabulary is fixed;
// messages elaborate, codes never multiply.
const (
	CodeMissingTabID      = "missing_tab_id"
	CodeSessionNotFound   = "session_not_found"
	CodeMissingContent    = "missing_content"
	CodeNoActiveRoute     = "no_active_route"
	CodeInvalidRouteToken = "invalid_route_token"
	CodeClaudeSendFailed  = "claude_send_failed"
	CodeSystemError       = "system_error"
)
