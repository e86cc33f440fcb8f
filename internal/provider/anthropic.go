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

// AnthropicMessagesProvider implements the Anthropic Messages streaming wire
// protocol: POST /v1/messages with stream=true. Thinking is either a
// budget_tokens block or, for adaptive-thinking models, an "adaptive" block
// paired with output_config.effort. System prompt and the final user turn
// carry cache_control:{type:"ephemeral"} for prompt caching.
type AnthropicMessagesProvider struct {
	cfg        ProviderConfig
	endpoint   string
	headers    map[string]string
	dynHeaders func(StreamRequest) map[string]string
	adaptive   bool // true for models that use "adaptive" thinking instead of budget_tokens
}

// NewAnthropicMessages creates an Anthropic-Messages provider.
func NewAnthropicMessages(cfg ProviderConfig) *AnthropicMessagesProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return &AnthropicMessagesProvider{
		cfg:      cfg,
		endpoint: base + "/v1/messages",
		adaptive: isAdaptiveThinkingModel(cfg.Model),
	}
}

// isAdaptiveThinkingModel reports whether model uses the "adaptive" thinking
// mode instead of an explicit budget_tokens value, per the newer Opus family.
func isAdaptiveThinkingModel(model string) bool {
	return strings.Contains(model, "opus-4-5") || strings.Contains(model, "opus-4.5")
}

func (p *AnthropicMessagesProvider) Name() string { return "anthropic_messages" }

func (p *AnthropicMessagesProvider) ShouldRetry(err error) bool { return shouldRetryTransport(err) }

type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      []anthropicBlock    `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float64            `json:"temperature,omitempty"`
	Stream      bool                `json:"stream"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	Thinking    *anthropicThinking  `json:"thinking,omitempty"`
	OutputCfg   *anthropicOutputCfg `json:"output_config,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"` // "enabled" or "adaptive"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicOutputCfg struct {
	Effort string `json:"effort"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	Source       *anthropicImageSource  `json:"source,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Input        json.RawMessage        `json:"input,omitempty"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
	ToolContent  []anthropicBlock       `json:"content,omitempty"` // tool_result nested content blocks
	Thinking     string                 `json:"thinking,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
	IsError      bool                   `json:"is_error,omitempty"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func ephemeralCache() *anthropicCacheControl { return &anthropicCacheControl{Type: "ephemeral"} }

func (p *AnthropicMessagesProvider) Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}
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
		parseAnthropicSSE(ctx, bodyReader, ch)
	}()
	return ch, nil
}

func (p *AnthropicMessagesProvider) buildRequest(req StreamRequest) ([]byte, error) {
	ar := anthropicRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    true,
		Tools:     toAnthropicTools(req.Tools),
	}
	temp := req.Temperature
	if temp == nil {
		temp = p.cfg.Temperature
	}
	ar.Temperature = temp

	if req.SystemPrompt != "" {
		ar.System = []anthropicBlock{{Type: "text", Text: SanitizeSurrogates(req.SystemPrompt), CacheControl: ephemeralCache()}}
	}

	ar.Messages = toAnthropicMessages(req.Messages)

	if p.cfg.ThinkingLevel != "" && p.cfg.ThinkingLevel != ThinkingNone {
		if p.adaptive {
			ar.Thinking = &anthropicThinking{Type: "adaptive"}
			ar.OutputCfg = &anthropicOutputCfg{Effort: Effort(p.cfg.ThinkingLevel)}
		} else {
			ar.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: BudgetTokens(p.cfg.ThinkingLevel)}
		}
	}
	return json.Marshal(ar)
}

func toAnthropicMessages(msgs []types.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	lastUserIdx := -1
	for i, m := range msgs {
		if m.Role == types.RoleUser {
			lastUserIdx = i
		}
	}
	for i, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			blocks := toAnthropicUserBlocks(m)
			if i == lastUserIdx && len(blocks) > 0 {
				blocks[len(blocks)-1].CacheControl = ephemeralCache()
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})
		case types.RoleAssistant:
			out = append(out, anthropicMessage{Role: "assistant", Content: toAnthropicAssistantBlocks(m)})
		case types.RoleToolResult:
			content := toAnthropicToolResultBlocks(m)
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicBlock{{
				Type: "tool_result", ToolUseID: m.ToolCallID, IsError: m.IsError, ToolContent: content,
			}}})
		}
	}
	return out
}

func toAnthropicUserBlocks(m types.Message) []anthropicBlock {
	var blocks []anthropicBlock
	for _, part := range m.Parts {
		switch part.Kind {
		case types.PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: SanitizeSurrogates(part.Text)})
		case types.PartImage:
			blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicImageSource{
				Type: "base64", MediaType: part.MimeType, Data: part.ImageData,
			}})
		}
	}
	if len(blocks) == 0 {
		blocks = []anthropicBlock{{Type: "text", Text: ""}}
	}
	return blocks
}

func toAnthropicAssistantBlocks(m types.Message) []anthropicBlock {
	var blocks []anthropicBlock
	for _, part := range m.Parts {
		switch part.Kind {
		case types.PartThinking:
			blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: part.Thinking, Signature: part.Signature})
		case types.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: SanitizeSurrogates(part.Text)})
			}
		case types.PartToolCall:
			input := json.RawMessage(part.ToolCallArgs)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: part.ToolCallID, Name: part.ToolCallName, Input: input})
		}
	}
	return blocks
}

func toAnthropicToolResultBlocks(m types.Message) []anthropicBlock {
	var blocks []anthropicBlock
	for _, part := range m.Parts {
		switch part.Kind {
		case types.PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: SanitizeSurrogates(part.Text)})
		case types.PartImage:
			blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicImageSource{
				Type: "base64", MediaType: part.MimeType, Data: part.ImageData,
			}})
		}
	}
	return blocks
}

func toAnthropicTools(tools []types.ToolDefinition) []anthropicTool {
	if tools == nil {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		out[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	return out
}

// --- SSE event payloads ---

type amEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock *amContentBlock `json:"content_block,omitempty"`
	Delta        *amDelta        `json:"delta,omitempty"`
	Message      *amMessage      `json:"message,omitempty"`
	Usage        *amUsage        `json:"usage,omitempty"`
	Error        *amError        `json:"error,omitempty"`
}

type amContentBlock struct {
	Type string `json:"type"` // text, thinking, tool_use
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type amDelta struct {
	Type        string `json:"type"` // text_delta, thinking_delta, signature_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type amMessage struct {
	StopReason string   `json:"stop_reason,omitempty"`
	Usage      *amUsage `json:"usage,omitempty"`
}

type amUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type amError struct {
	Message string `json:"message"`
}

// anthropicBlockTracker remembers which content-block index is a tool_use
// block so input_json_delta fragments can be routed to ToolCallDelta events.
type anthropicBlockTracker struct {
	toolUseIndexes map[int]bool
	toolCallsOpen  int
}

func parseAnthropicSSE(ctx context.Context, reader io.Reader, ch chan<- types.StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	tr := &anthropicBlockTracker{toolUseIndexes: make(map[int]bool)}
	var usage *types.Usage
	var stop types.StopReason = types.StopStop
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
		var ev amEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // malformed JSON within a data frame is dropped silently
		}
		if ev.Type == "" {
			ev.Type = eventType
		}
		eventType = ""

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				tr.toolUseIndexes[ev.Index] = true
				tr.toolCallsOpen++
				if !trySend(ctx, ch, types.StreamEvent{
					Kind: types.EventToolCallStart, Index: ev.Index,
					ToolCallID: ev.ContentBlock.ID, ToolCallName: ev.ContentBlock.Name,
				}) {
					return
				}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventTextDelta, Text: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventThinkDelta, Think: ev.Delta.Thinking}) {
					return
				}
			case "signature_delta":
				if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventThinkDelta, Signature: ev.Delta.Signature}) {
					return
				}
			case "input_json_delta":
				if tr.toolUseIndexes[ev.Index] {
					if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventToolCallDelta, Index: ev.Index, ArgsFragment: ev.Delta.PartialJSON}) {
						return
					}
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stop = types.MapProviderStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage = normalizeAnthropicUsage(ev.Usage)
			}
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage = normalizeAnthropicUsage(ev.Message.Usage)
			}
		case "error":
			msg := "anthropic stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			trySend(ctx, ch, types.StreamEvent{Kind: types.EventError, Err: fmt.Errorf("%s", msg)})
			return
		case "message_stop":
			stop = types.UpgradeIfToolCallsPending(stop, tr.toolCallsOpen)
			trySend(ctx, ch, types.StreamEvent{Kind: types.EventDone, StopReason: stop, Usage: usage})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventError, Err: err})
		return
	}
	stop = types.UpgradeIfToolCallsPending(stop, tr.toolCallsOpen)
	trySend(ctx, ch, types.StreamEvent{Kind: types.EventDone, StopReason: stop, Usage: usage})
}

// normalizeAnthropicUsage folds cache_read_input_tokens into a single
// CacheReadTokens counter. Anthropic reports input_tokens excluding cached
// reads, so they are added back in; input_tokens >= cache_read_tokens must
// hold for totals to stay comparable across providers.
func normalizeAnthropicUsage(u *amUsage) *types.Usage {
	if u == nil {
		return nil
	}
	return &types.Usage{
		InputTokens:      u.InputTokens + u.CacheReadInputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}
