package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kontermux/kon/internal/types"
)

// OpenAIResponsesProvider implements the OpenAI Responses API streaming
// protocol: POST /responses with stream=true, store=false, and (when
// thinking is enabled) reasoning.effort + reasoning.encrypted_content.
type OpenAIResponsesProvider struct {
	cfg        ProviderConfig
	endpoint   string
	headers    map[string]string
	dynHeaders func(StreamRequest) map[string]string
}

// NewOpenAIResponses creates an OpenAI-Responses provider.
func NewOpenAIResponses(cfg ProviderConfig) *OpenAIResponsesProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAIResponsesProvider{cfg: cfg, endpoint: base + "/responses"}
}

func (p *OpenAIResponsesProvider) Name() string { return "openai_responses" }

func (p *OpenAIResponsesProvider) ShouldRetry(err error) bool { return shouldRetryTransport(err) }

type responsesRequest struct {
	Model          string               `json:"model"`
	Input          []responsesInputItem `json:"input"`
	Tools          []responsesToolParam `json:"tools,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream"`
	Store          bool                 `json:"store"`
	Reasoning      *responsesReasoning  `json:"reasoning,omitempty"`
	Include        []string             `json:"include,omitempty"`
	PromptCacheKey string               `json:"prompt_cache_key,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

type responsesInputItem struct {
	Type             string `json:"type"`
	Role             string `json:"role,omitempty"`
	Content          any    `json:"content,omitempty"`
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	Arguments        string `json:"arguments,omitempty"`
	CallID           string `json:"call_id,omitempty"`
	Output           string `json:"output,omitempty"`
	EncryptedContent string `json:"encrypted_content,omitempty"` // raw reasoning item echoed back verbatim
}

type responsesToolParam struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

func (p *OpenAIResponsesProvider) Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	for k, v := range p.headers {
		headers[k] = v
	}
	if p.dynHeaders != nil {
		for k, v := range p.dynHeaders(req) {
			headers[k] = v
		}
	}
	bodyReader, err := httpDoSSE(ctx, httpRequestConfig{url: p.endpoint, body: body, headers: headers, provider: p.Name(), model: p.cfg.Model})
	if err != nil {
		return nil, err
	}
	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		defer bodyReader.Close()
		parseResponsesSSE(ctx, bodyReader, ch)
	}()
	return ch, nil
}

func (p *OpenAIResponsesProvider) buildRequest(req StreamRequest) ([]byte, error) {
	rr := responsesRequest{
		Model:          p.cfg.Model,
		Input:          toResponsesInput(req),
		Tools:          toResponsesTools(req.Tools),
		Stream:         true,
		Store:          false,
		PromptCacheKey: req.PromptCacheKey,
	}
	temp := req.Temperature
	if temp == nil {
		temp = p.cfg.Temperature
	}
	rr.Temperature = temp
	if p.cfg.ThinkingLevel != "" && p.cfg.ThinkingLevel != ThinkingNone {
		rr.Reasoning = &responsesReasoning{Effort: Effort(p.cfg.ThinkingLevel), Summary: "auto"}
		rr.Include = []string{"reasoning.encrypted_content"}
	}
	return json.Marshal(rr)
}

func toResponsesInput(req StreamRequest) []responsesInputItem {
	var items []responsesInputItem
	if req.SystemPrompt != "" {
		items = append(items, responsesInputItem{Type: "message", Role: "developer", Content: SanitizeSurrogates(req.SystemPrompt)})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleUser:
			items = append(items, responsesInputItem{Type: "message", Role: "user", Content: SanitizeSurrogates(m.Text())})
		case types.RoleAssistant:
			for _, part := range m.Parts {
				switch part.Kind {
				case types.PartText:
					if part.Text != "" {
						items = append(items, responsesInputItem{Type: "message", Role: "assistant", Content: SanitizeSurrogates(part.Text)})
					}
				case types.PartThinking:
					// The encrypted reasoning item must be echoed back verbatim,
					// exactly as received, to continue the reasoning chain.
					if part.Signature != "" {
						items = append(items, responsesInputItem{Type: "reasoning", EncryptedContent: part.Signature})
					}
				case types.PartToolCall:
					items = append(items, responsesInputItem{
						Type: "function_call", CallID: part.ToolCallID, Name: part.ToolCallName, Arguments: part.ToolCallArgs,
					})
				}
			}
		case types.RoleToolResult:
			items = append(items, responsesInputItem{Type: "function_call_output", CallID: m.ToolCallID, Output: SanitizeSurrogates(toolResultText(m))})
		}
	}
	return items
}

func toResponsesTools(tools []types.ToolDefinition) []responsesToolParam {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]responsesToolParam, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		out[i] = responsesToolParam{Type: "function", Name: t.Name, Description: t.Description, Parameters: params, Strict: false}
	}
	return out
}

// --- SSE event payloads ---

type rsOutputTextDelta struct {
	Delta string `json:"delta"`
}

type rsReasoningDelta struct {
	Delta string `json:"delta"`
}

type rsOutputItemEnvelope struct {
	OutputIndex int          `json:"output_index"`
	Item        rsOutputItem `json:"item"`
}

type rsOutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // message, function_call, reasoning
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Encrypted string `json:"encrypted_content,omitempty"`
}

type rsFuncCallArgsDelta struct {
	OutputIndex int    `json:"output_index"`
	ItemID      string `json:"item_id"`
	Delta       string `json:"delta"`
}

type rsFuncCallArgsDone struct {
	OutputIndex int    `json:"output_index"`
	ItemID      string `json:"item_id"`
	Arguments   string `json:"arguments"`
}

type rsCompleted struct {
	Response struct {
		Usage *rsUsage `json:"usage,omitempty"`
	} `json:"response"`
}

type rsUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
}

type rsFailed struct {
	Response struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// responsesCall tracks one in-flight tool call and records both of its ids
// (call_id is the stable id echoed to the model; item_id is the provider's
// internal stream-item id used to route argument deltas before call_id is
// necessarily known). The tracker looks calls up by item_id alone.
type responsesCall struct {
	index     int
	callID    string
	itemID    string
	name      string
	argsBuilt strings.Builder
}

// responsesTracker implements the Responses-API tool-call reconciliation
// state machine: item_id keying with fallback-to-most-recently-opened-call
// lookup, and the extend-vs-overwrite rule applied on
// both function_call_arguments.done and output_item.done.
type responsesTracker struct {
	calls        []*responsesCall
	byItemID     map[string]*responsesCall
	currentIndex int
}

func newResponsesTracker() *responsesTracker {
	return &responsesTracker{byItemID: make(map[string]*responsesCall)}
}

func (rt *responsesTracker) callByItemID(itemID string) *responsesCall {
	if c, ok := rt.byItemID[itemID]; ok {
		return c
	}
	// Fall back to the most recently opened call, matching the original's
	// tolerance for providers that omit item_id on delta events.
	if len(rt.calls) > 0 {
		return rt.calls[len(rt.calls)-1]
	}
	return nil
}

// reconcile applies the extend-vs-overwrite rule: if final extends the
// accumulated prefix, only the missing suffix is returned as a delta to
// emit (replace=false); otherwise the accumulator is overwritten and the
// full final string is returned with replace=true, so the caller emits it
// as a replacement rather than a suffix to append.
func (c *responsesCall) reconcile(final string) (fragment string, replace bool) {
	accumulated := c.argsBuilt.String()
	if strings.HasPrefix(final, accumulated) {
		suffix := final[len(accumulated):]
		c.argsBuilt.WriteString(suffix)
		return suffix, false
	}
	c.argsBuilt.Reset()
	c.argsBuilt.WriteString(final)
	return final, true
}

func parseResponsesSSE(ctx context.Context, reader io.Reader, ch chan<- types.StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	rt := newResponsesTracker()
	var eventType string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		stop, done := rt.handleEvent(ctx, ch, eventType, data)
		eventType = ""
		if stop {
			return
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventError, Err: err})
	}
}

// handleEvent returns (stop, done): stop means ctx was cancelled mid-send;
// done means the stream reached a terminal event and the caller should
// return after this call.
func (rt *responsesTracker) handleEvent(ctx context.Context, ch chan<- types.StreamEvent, eventType, data string) (stop, done bool) {
	switch eventType {
	case "response.output_text.delta":
		var ev rsOutputTextDelta
		if json.Unmarshal([]byte(data), &ev) == nil && ev.Delta != "" {
			return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventTextDelta, Text: ev.Delta}), false
		}
	case "response.reasoning_summary_text.delta", "response.reasoning.delta":
		var ev rsReasoningDelta
		if json.Unmarshal([]byte(data), &ev) == nil && ev.Delta != "" {
			return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventThinkDelta, Think: ev.Delta}), false
		}
	case "response.output_item.added":
		var ev rsOutputItemEnvelope
		if json.Unmarshal([]byte(data), &ev) != nil {
			return false, false
		}
		if ev.Item.Type == "function_call" {
			idx := len(rt.calls)
			c := &responsesCall{index: idx, callID: ev.Item.CallID, itemID: ev.Item.ID, name: ev.Item.Name}
			rt.calls = append(rt.calls, c)
			rt.byItemID[ev.Item.ID] = c
			return !trySend(ctx, ch, types.StreamEvent{
				Kind: types.EventToolCallStart, Index: idx, ToolCallID: ev.Item.CallID, ToolCallName: ev.Item.Name,
			}), false
		}
	case "response.function_call_arguments.delta":
		var ev rsFuncCallArgsDelta
		if json.Unmarshal([]byte(data), &ev) != nil || ev.Delta == "" {
			return false, false
		}
		c := rt.byItemID[ev.ItemID]
		if c == nil {
			c = rt.callByItemID(ev.ItemID)
		}
		if c == nil {
			return false, false
		}
		c.argsBuilt.WriteString(ev.Delta)
		return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventToolCallDelta, Index: c.index, ArgsFragment: ev.Delta}), false
	case "response.function_call_arguments.done":
		var ev rsFuncCallArgsDone
		if json.Unmarshal([]byte(data), &ev) != nil {
			return false, false
		}
		c := rt.callByItemID(ev.ItemID)
		if c == nil {
			return false, false
		}
		emitted, replace := c.reconcile(ev.Arguments)
		if emitted != "" {
			return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventToolCallDelta, Index: c.index, ArgsFragment: emitted, Replace: replace}), false
		}
	case "response.output_item.done":
		var ev rsOutputItemEnvelope
		if json.Unmarshal([]byte(data), &ev) != nil {
			return false, false
		}
		if ev.Item.Type == "function_call" && ev.Item.Arguments != "" {
			c := rt.byItemID[ev.Item.ID]
			if c != nil {
				emitted, replace := c.reconcile(ev.Item.Arguments)
				if emitted != "" {
					return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventToolCallDelta, Index: c.index, ArgsFragment: emitted, Replace: replace}), false
				}
			}
		}
		if ev.Item.Type == "reasoning" && ev.Item.Encrypted != "" {
			return !trySend(ctx, ch, types.StreamEvent{Kind: types.EventThinkDelta, Signature: ev.Item.Encrypted}), false
		}
	case "response.completed":
		var ev rsCompleted
		json.Unmarshal([]byte(data), &ev)
		usage := normalizeResponsesUsage(ev.Response.Usage)
		stopReason := types.UpgradeIfToolCallsPending(types.StopStop, len(rt.calls))
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventDone, StopReason: stopReason, Usage: usage})
		return false, true
	case "response.incomplete":
		stopReason := types.UpgradeIfToolCallsPending(types.StopLength, len(rt.calls))
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventDone, StopReason: stopReason})
		return false, true
	case "response.failed", "error":
		var ev rsFailed
		json.Unmarshal([]byte(data), &ev)
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventError, Err: fmt.Errorf("responses API error %s: %s", ev.Response.Error.Code, ev.Response.Error.Message)})
		return false, true
	}
	return false, false
}

func normalizeResponsesUsage(u *rsUsage) *types.Usage {
	if u == nil {
		return nil
	}
	cached := 0
	if u.InputTokensDetails != nil {
		cached = u.InputTokensDetails.CachedTokens
	}
	return &types.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CacheReadTokens: cached}
}
