package e2e

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// eventType digs the CLI event type out of a claude_event frame.
func eventType(f WSFrame) string {
	data, _ := f.Parsed["data"].(map[string]any)
	s, _ := data["type"].(string)
	return s
}

// eventText returns the first content block's text from a claude_event
// frame's inner message.
func eventText(f WSFrame) string {
	data, _ := f.Parsed["data"].(map[string]any)
	msg, _ := data["message"].(map[string]any)
	content, _ := msg["content"].([]any)
	if len(content) == 0 {
		return ""
	}
	block, _ := content[0].(map[string]any)
	s, _ := block["text"].(string)
	return s
}

// stopReason returns the inner message's stop_reason from a claude_event
// frame.
func stopReason(f WSFrame) string {
	data, _ := f.Parsed["data"].(map[string]any)
	msg, _ := data["message"].(map[string]any)
	s, _ := msg["stop_reason"].(string)
	return s
}

// ackSeq returns a message_received_ack frame's acknowledged inbound seq.
func ackSeq(f WSFrame) uint64 {
	if v, ok := f.Parsed["ack_seq"].(float64); ok {
		return uint64(v)
	}
	return 0
}

func isDuplicateAck(f WSFrame) bool {
	b, _ := f.Parsed["is_duplicate"].(bool)
	return b
}

// syncSynced returns a sync_status frame's sync.is_synced flag.
func syncSynced(f WSFrame) bool {
	sync, _ := f.Parsed["sync"].(map[string]any)
	b, _ := sync["is_synced"].(bool)
	return b
}

// missedCount returns a sync_status frame's missed_count.
func missedCount(f WSFrame) int {
	v, _ := f.Parsed["missed_count"].(float64)
	return int(v)
}

// postProxy sends an Anthropic-dialect request through the translation
// proxy, authenticated by route token. The caller closes the response body.
func postProxy(t *testing.T, proxyURL, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, proxyURL+"/v1/messages", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
