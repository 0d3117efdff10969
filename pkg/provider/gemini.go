package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com"

// geminiExecutor speaks the Generative Language API. The same translation
// core also serves the Cloud Code Assist executor, which wraps the body in
// its project envelope.
type geminiExecutor struct {
	env *Env
}

// Generative Language wire shapes. Parts are maps because the part schema is
// a union keyed by which single field is present.

type geminiPart map[string]any

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet   `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiFunctionCalling `json:"functionCallingConfig,omitempty"`
}

type geminiFunctionCalling struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      *geminiCandContent `json:"content"`
	FinishReason string             `json:"finishReason"`
}

type geminiCandContent struct {
	Role  string           `json:"role"`
	Parts []geminiRespPart `json:"parts"`
}

type geminiRespPart struct {
	Text         string              `json:"text,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

func (g *geminiExecutor) Execute(ctx context.Context, inv *Invocation, w http.ResponseWriter) error {
	ex := newExchange()
	greq := translateGeminiRequest(inv.Request, ex)

	endpoint := g.endpoint(inv.Route.BaseURL, inv.Request.Model, inv.Request.Stream, inv.Route.APIKey, !inv.Route.IsOAuth())

	payload, err := json.Marshal(greq)
	if err != nil {
		return fmt.Errorf("encoding gemini request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.Route.IsOAuth() {
		req.Header.Set("Authorization", "Bearer "+inv.Route.APIKey)
	}
	applyExtraHeaders(req, inv.Route)

	resp, err := g.env.do(req, "gemini")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return drainError(resp)
	}

	if inv.Request.Stream {
		streamGemini(g.env, resp.Body, w, ex, inv.Request.Model, nil)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: "reading gemini response: " + err.Error()},
		}
	}
	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: "decoding gemini response: " + err.Error()},
		}
	}
	return writeJSON(w, geminiToAnthropic(&gr, ex, inv.Request.Model))
}

// endpoint builds the models/{model}:{method} URL. API keys ride the query
// string; streaming adds alt=sse.
func (g *geminiExecutor) endpoint(base, model string, stream bool, key string, keyInQuery bool) string {
	if base == "" {
		base = defaultGeminiBase
	}
	base = strings.TrimSuffix(base, "/")

	method := "generateContent"
	query := url.Values{}
	if stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	if keyInQuery && key != "" {
		query.Set("key", key)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, method)
	if q := query.Encode(); q != "" {
		endpoint += "?" + q
	}
	return endpoint
}

// translateGeminiRequest maps the canonical request onto generateContent.
func translateGeminiRequest(req *Request, ex *exchange) *geminiRequest {
	out := &geminiRequest{}

	if req.System != nil && len(req.System.Blocks) > 0 {
		sys := &geminiContent{Role: "user"}
		for _, b := range req.System.Blocks {
			if b.Text != "" {
				sys.Parts = append(sys.Parts, geminiPart{"text": b.Text})
			}
		}
		if len(sys.Parts) > 0 {
			out.SystemInstruction = sys
		}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case "text":
				content.Parts = append(content.Parts, geminiPart{"text": b.Text})
			case "image":
				if b.Source != nil {
					content.Parts = append(content.Parts, geminiPart{"inlineData": map[string]any{
						"mimeType": b.Source.MediaType,
						"data":     b.Source.Data,
					}})
				}
			case "tool_use":
				ex.recordToolUse(b.ID, b.Name)
				content.Parts = append(content.Parts, geminiPart{"functionCall": map[string]any{
					"name": b.Name,
					"args": decodeArgs(b.Input),
				}})
			case "tool_result":
				content.Parts = append(content.Parts, geminiPart{"functionResponse": map[string]any{
					"name": ex.toolName(b.ToolUseID),
					"response": map[string]any{
						"content": b.resultText(),
					},
				}})
			}
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		set := geminiToolSet{}
		for _, t := range req.Tools {
			decl := geminiFunctionDecl{Name: t.Name, Description: t.Description}
			if len(t.InputSchema) > 0 {
				var schema any
				if err := json.Unmarshal(t.InputSchema, &schema); err == nil {
					decl.Parameters = sanitizeSchema(schema)
				}
			}
			set.FunctionDeclarations = append(set.FunctionDeclarations, decl)
		}
		// One envelope holds every declaration; multiple tool entries are
		// rejected upstream.
		out.Tools = []geminiToolSet{set}
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto", "any":
			out.ToolConfig = &geminiToolConfig{
				FunctionCallingConfig: &geminiFunctionCalling{Mode: "AUTO"},
			}
		case "none":
			out.ToolConfig = &geminiToolConfig{
				FunctionCallingConfig: &geminiFunctionCalling{Mode: "NONE"},
			}
		case "tool":
			out.ToolConfig = &geminiToolConfig{
				FunctionCallingConfig: &geminiFunctionCalling{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{req.ToolChoice.Name},
				},
			}
		}
	}

	gen := &geminiGenConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}
	if req.Thinking.Enabled() {
		gen.ThinkingConfig = &geminiThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  geminiThinkingBudget(effortFromBudget(req.Thinking.BudgetTokens)),
		}
	}
	if gen.Temperature != nil || gen.TopP != nil || gen.MaxOutputTokens > 0 ||
		len(gen.StopSequences) > 0 || gen.ThinkingConfig != nil {
		out.GenerationConfig = gen
	}

	return out
}

// decodeArgs unpacks a tool_use input into the map functionCall expects.
func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

// geminiToAnthropic converts a non-streaming generateContent response.
func geminiToAnthropic(gr *geminiResponse, ex *exchange, model string) *Response {
	out := &Response{
		ID:      newMessageID(),
		Type:    "message",
		Role:    "assistant",
		Model:   model,
		Content: []ContentBlock{},
	}

	finish := ""
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					out.Content = append(out.Content, ContentBlock{
						Type:  "tool_use",
						ID:    ex.clientToolID(""),
						Name:  part.FunctionCall.Name,
						Input: args,
					})
				case part.Thought:
					out.Content = append(out.Content, ContentBlock{Type: "thinking", Thinking: part.Text})
				case part.Text != "":
					out.Content = append(out.Content, ContentBlock{Type: "text", Text: part.Text})
				}
			}
		}
	}

	out.Usage = geminiUsageToAnthropic(gr.UsageMetadata)
	if hasToolUse(out.Content) {
		out.StopReason = "tool_use"
	} else {
		out.StopReason = geminiStopReason(finish)
	}
	return out
}

func geminiUsageToAnthropic(u *geminiUsage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		InputTokens:          u.PromptTokenCount,
		OutputTokens:         u.CandidatesTokenCount,
		ThinkingTokens:       u.ThoughtsTokenCount,
		CacheReadInputTokens: u.CachedContentTokenCount,
	}
}

func geminiStopReason(finish string) string {
	switch finish {
	case "", "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// geminiStream carries the block state across streamed chunks. Gemini has no
// block boundaries on the wire; a change of part kind closes the open block
// and allocates the next index.
type geminiStream struct {
	sw *streamWriter
	ex *exchange

	next     int
	openIdx  int
	openKind string
	anyTool  bool
	finish   string
	usage    *Usage
	started  bool
	model    string
}

// unwrapChunk lets the Cloud Code Assist executor peel its response
// envelope; nil means chunks are bare generateContent payloads.
type unwrapChunk func([]byte) []byte

func streamGemini(env *Env, body io.Reader, w http.ResponseWriter, ex *exchange, model string, unwrap unwrapChunk) {
	st := &geminiStream{sw: newStreamWriter(w), ex: ex, openIdx: -1, model: model}
	st.sw.begin()

	scanner := newSSEScanner(body)
	for {
		data, ok := scanner.next()
		if !ok {
			break
		}
		if unwrap != nil {
			data = unwrap(data)
		}
		var chunk geminiResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			env.Logger.Debug("skipping undecodable gemini chunk", "error", err)
			continue
		}
		st.apply(&chunk)
		if st.sw.failed {
			return
		}
	}
	st.finishStream()
}

func (st *geminiStream) apply(chunk *geminiResponse) {
	if !st.started {
		st.started = true
		st.sw.messageStart("", st.model)
	}
	if chunk.UsageMetadata != nil {
		st.usage = geminiUsageToAnthropic(chunk.UsageMetadata)
	}
	if len(chunk.Candidates) == 0 {
		return
	}
	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		st.finish = cand.FinishReason
	}
	if cand.Content == nil {
		return
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			st.closeOpen()
			idx := st.next
			st.next++
			st.anyTool = true
			st.sw.blockStart(idx, ContentBlock{
				Type:  "tool_use",
				ID:    st.ex.clientToolID(""),
				Name:  part.FunctionCall.Name,
				Input: json.RawMessage("{}"),
			})
			args, _ := json.Marshal(part.FunctionCall.Args)
			st.sw.jsonDelta(idx, string(args))
			st.sw.blockStop(idx)

		case part.Thought:
			st.ensureOpen("thinking")
			st.sw.thinkingDelta(st.openIdx, part.Text)

		case part.Text != "":
			st.ensureOpen("text")
			st.sw.textDelta(st.openIdx, part.Text)
		}
	}
}

// ensureOpen keeps a text or thinking block open across chunks, rotating
// the block when the kind changes.
func (st *geminiStream) ensureOpen(kind string) {
	if st.openKind == kind {
		return
	}
	st.closeOpen()
	st.openIdx = st.next
	st.next++
	st.openKind = kind
	if kind == "thinking" {
		st.sw.blockStart(st.openIdx, ContentBlock{Type: "thinking", Thinking: ""})
	} else {
		st.sw.blockStart(st.openIdx, ContentBlock{Type: "text", Text: ""})
	}
}

func (st *geminiStream) closeOpen() {
	if st.openIdx >= 0 {
		st.sw.blockStop(st.openIdx)
		st.openIdx = -1
		st.openKind = ""
	}
}

func (st *geminiStream) finishStream() {
	if !st.started {
		st.sw.messageStart("", st.model)
	}
	st.closeOpen()
	stop := geminiStopReason(st.finish)
	if st.anyTool {
		stop = "tool_use"
	}
	st.sw.messageDelta(stop, st.usage)
	st.sw.messageStop()
}
