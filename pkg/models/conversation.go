package models

// ConversationSummary is one on-disk conversation history entry as listed by
// request_conversations. All fields come from the first metadata line and a
// backwards scan for the last user message; the broker never writes these
// files.
type ConversationSummary struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Preview   string `json:"preview,omitempty"`
	EventLen  int    `json:"eventCount,omitempty"`
}
