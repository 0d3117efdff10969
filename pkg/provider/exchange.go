package provider

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// maxToolNameLen is the longest function name the Codex dialect accepts.
const maxToolNameLen = 64

// exchange carries the translation state of one /v1/messages round trip:
// tool-name shortening for dialects with length limits, and tool-call id
// pairing between the tool_use and tool_result blocks of the conversation
// history submitted in this request. Each request gets a fresh exchange;
// pairing never needs to survive it because the client re-sends the full
// history every turn.
type exchange struct {
	shortNames map[string]string // original tool name -> wire name
	origNames  map[string]string // wire name -> original tool name
	callIDs    map[string]string // inbound tool_use id -> upstream call id
	useNames   map[string]string // inbound tool_use id -> tool name
	mintedIDs  map[string]string // upstream call id -> minted client id
}

func newExchange() *exchange {
	return &exchange{
		shortNames: make(map[string]string),
		origNames:  make(map[string]string),
		callIDs:    make(map[string]string),
		useNames:   make(map[string]string),
		mintedIDs:  make(map[string]string),
	}
}

// wireName returns the name sent upstream for a tool, shortening it when it
// exceeds the dialect limit and disambiguating collisions within this
// request with a ~N suffix. The reverse mapping is always recorded so
// response translation can restore the original name.
func (ex *exchange) wireName(name string) string {
	if short, ok := ex.shortNames[name]; ok {
		return short
	}
	base := shortenToolName(name)
	short := base
	for n := 1; ; n++ {
		if _, taken := ex.origNames[short]; !taken {
			break
		}
		suffix := "~" + strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(suffix) > maxToolNameLen {
			trimmed = trimmed[:maxToolNameLen-len(suffix)]
		}
		short = trimmed + suffix
	}
	ex.shortNames[name] = short
	ex.origNames[short] = name
	return short
}

// originalName reverses wireName. Unknown names pass through unchanged.
func (ex *exchange) originalName(wire string) string {
	if orig, ok := ex.origNames[wire]; ok {
		return orig
	}
	return wire
}

// recordToolUse remembers the tool name behind an inbound tool_use id so a
// later tool_result can be paired by name for dialects without call ids.
func (ex *exchange) recordToolUse(id, name string) {
	ex.useNames[id] = name
}

// toolName resolves the tool name for an inbound tool_result.
func (ex *exchange) toolName(toolUseID string) string {
	return ex.useNames[toolUseID]
}

// upstreamCallID returns the call id sent upstream for an inbound tool_use
// id, minting one on first sight. The tool_result carrying the same id later
// in the history resolves to the same value.
func (ex *exchange) upstreamCallID(id string) string {
	if mapped, ok := ex.callIDs[id]; ok {
		return mapped
	}
	minted := "call_" + compactID(24)
	ex.callIDs[id] = minted
	return minted
}

// clientToolID mints the Anthropic-shaped id handed to the subprocess for an
// upstream-generated tool call, reusing the mint when the upstream repeats
// the same call id within one response.
func (ex *exchange) clientToolID(upstreamID string) string {
	if upstreamID == "" {
		return newToolID()
	}
	if minted, ok := ex.mintedIDs[upstreamID]; ok {
		return minted
	}
	minted := newToolID()
	ex.mintedIDs[upstreamID] = minted
	return minted
}

// shortenToolName trims a tool name to the dialect limit. MCP names keep the
// mcp__ prefix and the segment after the last __ so the server and tool
// remain recognizable.
func shortenToolName(name string) string {
	if len(name) <= maxToolNameLen {
		return name
	}
	if strings.HasPrefix(name, "mcp__") {
		idx := strings.LastIndex(name, "__")
		short := "mcp__" + name[idx+2:]
		if len(short) > maxToolNameLen {
			short = short[:maxToolNameLen]
		}
		return short
	}
	return name[:maxToolNameLen]
}

func newToolID() string {
	return "toolu_" + compactID(24)
}

func newMessageID() string {
	return "msg_" + compactID(24)
}

// compactID returns n hex characters from a fresh UUID.
func compactID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
