package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

const (
	defaultOpenAIBase      = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2024-06-01"
)

// openAIExecutor speaks the chat.completions dialect. It serves every
// provider without a dedicated executor: OpenRouter, Ollama, Together, Groq,
// Cerebras, xAI and Azure OpenAI deployments.
type openAIExecutor struct {
	env *Env
}

// Chat completions wire shapes.

type chatRequest struct {
	Model           string          `json:"model"`
	Messages        []chatMessage   `json:"messages"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Stop            []string        `json:"stop,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []chatTool      `json:"tools,omitempty"`
	ToolChoice      any             `json:"tool_choice,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	ResponseFormat  json.RawMessage `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message      chatChoiceMessage `json:"message"`
	Delta        chatChoiceMessage `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (o *openAIExecutor) Execute(ctx context.Context, inv *Invocation, w http.ResponseWriter) error {
	ex := newExchange()
	creq, err := translateChatRequest(inv.Request, ex)
	if err != nil {
		return err
	}

	endpoint, err := o.endpoint(inv.Route)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(creq)
	if err != nil {
		return fmt.Errorf("encoding chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if creq.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	authorize(req, inv.Route)
	applyExtraHeaders(req, inv.Route)

	resp, err := o.env.do(req, string(inv.Route.Provider))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return drainError(resp)
	}

	if creq.Stream {
		o.stream(resp, w, ex, creq.Model)
		return nil
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: "decoding chat response: " + err.Error()},
		}
	}
	return writeJSON(w, chatToAnthropic(&cr, ex, creq.Model))
}

// endpoint builds the chat.completions URL. Azure routes use the
// deployment-scoped path with an api-version query.
func (o *openAIExecutor) endpoint(rc models.RouteConfig) (string, error) {
	base := strings.TrimSuffix(rc.BaseURL, "/")
	if rc.Provider == models.ProviderAzure || rc.AzureDeployment != "" {
		if base == "" || rc.AzureDeployment == "" {
			return "", &UpstreamError{
				StatusCode: http.StatusBadRequest,
				Detail: ErrorDetail{
					Type:    "invalid_request_error",
					Message: "azure routes require base_url and azure_deployment",
				},
			}
		}
		version := rc.AzureAPIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(rc.AzureDeployment), url.QueryEscape(version)), nil
	}
	if base == "" {
		base = defaultOpenAIBase
	}
	return base + "/chat/completions", nil
}

// translateChatRequest maps the canonical request onto chat.completions.
func translateChatRequest(req *Request, ex *exchange) (*chatRequest, error) {
	model, effort := splitEffortSuffix(req.Model)

	out := &chatRequest{
		Model:          model,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.StopSequences,
		Stream:         req.Stream,
		ResponseFormat: req.ResponseFormat,
	}

	if req.System != nil {
		if text := req.System.Text(); text != "" {
			out.Messages = append(out.Messages, chatMessage{Role: "system", Content: text})
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			out.Messages = append(out.Messages, assistantChatMessage(msg, ex))
		default:
			out.Messages = append(out.Messages, userChatMessages(msg, ex)...)
		}
	}

	for _, t := range req.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto", "any":
			out.ToolChoice = "auto"
		case "none":
			// Omitted entirely: some compatible servers reject "none".
		case "tool":
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		}
	}

	if effort == "" && req.Thinking.Enabled() && isReasoningModel(model) {
		effort = effortFromBudget(req.Thinking.BudgetTokens)
	}
	out.ReasoningEffort = effort

	return out, nil
}

// assistantChatMessage folds an assistant turn: text blocks join into the
// content string, tool_use blocks become tool_calls with upstream call ids.
func assistantChatMessage(msg Message, ex *exchange) chatMessage {
	out := chatMessage{Role: "assistant"}
	var texts []string
	for _, b := range msg.Content.Blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			ex.recordToolUse(b.ID, b.Name)
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, chatToolCall{
				ID:   ex.upstreamCallID(b.ID),
				Type: "function",
				Function: chatFunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	if len(texts) > 0 {
		out.Content = strings.Join(texts, "\n")
	}
	return out
}

// userChatMessages expands a user turn. tool_result blocks become individual
// tool-role messages; the remainder becomes one user message, as a plain
// string when text-only or content parts when images are present.
func userChatMessages(msg Message, ex *exchange) []chatMessage {
	var out []chatMessage
	var parts []chatContentPart
	hasImage := false

	for _, b := range msg.Content.Blocks {
		switch b.Type {
		case "tool_result":
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: ex.upstreamCallID(b.ToolUseID),
				Content:    b.resultText(),
			})
		case "text":
			parts = append(parts, chatContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source != nil {
				hasImage = true
				parts = append(parts, chatContentPart{
					Type:     "image_url",
					ImageURL: &chatImageURL{URL: b.Source.dataURL()},
				})
			}
		}
	}

	if len(parts) > 0 {
		user := chatMessage{Role: "user"}
		if hasImage {
			user.Content = parts
		} else {
			texts := make([]string, 0, len(parts))
			for _, p := range parts {
				texts = append(texts, p.Text)
			}
			user.Content = strings.Join(texts, "\n")
		}
		out = append(out, user)
	}
	return out
}

// chatToAnthropic converts a non-streaming chat.completions response.
func chatToAnthropic(cr *chatResponse, ex *exchange, model string) *Response {
	out := &Response{
		ID:      cr.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   cr.Model,
		Content: []ContentBlock{},
	}
	if out.ID == "" {
		out.ID = newMessageID()
	}
	if out.Model == "" {
		out.Model = model
	}
	if cr.Usage != nil {
		out.Usage = &Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		}
	}

	finish := "stop"
	if len(cr.Choices) > 0 {
		choice := cr.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Message.Content != "" {
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, toolUseBlock(ex, tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
	}
	out.StopReason = chatStopReason(finish, hasToolUse(out.Content))
	return out
}

// toolUseBlock builds the canonical tool_use block for an upstream call,
// minting the client-facing id and restoring the original tool name.
func toolUseBlock(ex *exchange, callID, name, arguments string) ContentBlock {
	input := json.RawMessage(arguments)
	if !json.Valid(input) || len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ContentBlock{
		Type:  "tool_use",
		ID:    ex.clientToolID(callID),
		Name:  ex.originalName(name),
		Input: input,
	}
}

func hasToolUse(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// chatStopReason maps a finish_reason onto the canonical vocabulary.
func chatStopReason(finish string, hasTools bool) string {
	if hasTools {
		return "tool_use"
	}
	switch finish {
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// chatStream translates a chat.completions SSE body into the canonical
// event sequence.
type chatStream struct {
	sw *streamWriter
	ex *exchange

	nextIndex int
	textIndex int // -1 until a text block opens
	tools     map[int]*toolBlockState
	order     []int // upstream tool indexes in arrival order
	finish    string
	usage     *Usage
	started   bool
	model     string
}

// toolBlockState tracks one upstream tool call across delta chunks.
type toolBlockState struct {
	blockIndex int
	args       string
}

// fragment folds the next arguments payload into the accumulated string and
// returns what should be emitted. Providers disagree on whether fragments
// are deltas or cumulative snapshots; a snapshot always carries the
// accumulated string as its prefix.
func (t *toolBlockState) fragment(args string) string {
	if t.args != "" && strings.HasPrefix(args, t.args) {
		out := args[len(t.args):]
		t.args = args
		return out
	}
	t.args += args
	return args
}

func (o *openAIExecutor) stream(resp *http.Response, w http.ResponseWriter, ex *exchange, model string) {
	st := &chatStream{
		sw:        newStreamWriter(w),
		ex:        ex,
		textIndex: -1,
		tools:     make(map[int]*toolBlockState),
		finish:    "stop",
		model:     model,
	}
	st.sw.begin()

	scanner := newSSEScanner(resp.Body)
	for {
		data, ok := scanner.next()
		if !ok {
			break
		}
		if bytes.Equal(data, sseDone) {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			o.env.Logger.Debug("skipping undecodable stream chunk", "error", err)
			continue
		}
		st.apply(&chunk)
		if st.sw.failed {
			return
		}
	}
	st.finishStream()
}

func (st *chatStream) apply(chunk *chatResponse) {
	if !st.started {
		st.started = true
		id := chunk.ID
		model := chunk.Model
		if model == "" {
			model = st.model
		}
		st.sw.messageStart(id, model)
	}
	if chunk.Usage != nil {
		st.usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		st.finish = choice.FinishReason
	}

	if choice.Delta.Content != "" {
		if st.textIndex < 0 {
			st.textIndex = st.nextIndex
			st.nextIndex++
			st.sw.blockStart(st.textIndex, ContentBlock{Type: "text", Text: ""})
		}
		st.sw.textDelta(st.textIndex, choice.Delta.Content)
	}

	for _, tc := range choice.Delta.ToolCalls {
		state, ok := st.tools[tc.Index]
		if !ok {
			if tc.ID == "" && tc.Function.Name == "" {
				// Argument fragment for a call whose header never arrived;
				// nothing to attach it to.
				continue
			}
			state = &toolBlockState{blockIndex: st.nextIndex}
			st.nextIndex++
			st.tools[tc.Index] = state
			st.order = append(st.order, tc.Index)
			st.sw.blockStart(state.blockIndex, ContentBlock{
				Type:  "tool_use",
				ID:    st.ex.clientToolID(tc.ID),
				Name:  st.ex.originalName(tc.Function.Name),
				Input: json.RawMessage("{}"),
			})
			st.sw.jsonDelta(state.blockIndex, "")
		}
		if tc.Function.Arguments != "" {
			if frag := state.fragment(tc.Function.Arguments); frag != "" {
				st.sw.jsonDelta(state.blockIndex, frag)
			}
		}
	}
}

// finishStream closes every open block in index order and emits the
// terminal pair.
func (st *chatStream) finishStream() {
	if !st.started {
		st.sw.messageStart("", st.model)
	}
	if st.textIndex >= 0 {
		st.sw.blockStop(st.textIndex)
	}
	for _, idx := range st.order {
		st.sw.blockStop(st.tools[idx].blockIndex)
	}
	st.sw.messageDelta(chatStopReason(st.finish, len(st.tools) > 0), st.usage)
	st.sw.messageStop()
}
