package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kontermux/kon/internal/types"
)

// OpenAICompletionsProvider implements the OpenAI Chat Completions streaming
// wire protocol: standard /chat/completions with stream=true.
type OpenAICompletionsProvider struct {
	cfg        ProviderConfig
	endpoint   string
	headers    map[string]string                     // static headers merged into every request (e.g. Copilot overlay)
	dynHeaders func(StreamRequest) map[string]string // per-request headers (e.g. Copilot X-Initiator)
}

// NewOpenAICompletions creates an OpenAI-Completions provider.
func NewOpenAICompletions(cfg ProviderConfig) *OpenAICompletionsProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAICompletionsProvider{cfg: cfg, endpoint: base + "/chat/completions"}
}

func (p *OpenAICompletionsProvider) Name() string { return "openai_completions" }

func (p *OpenAICompletionsProvider) ShouldRetry(err error) bool {
	return shouldRetryTransport(err)
}

type chatCompletionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Tools       []openai.Tool                  `json:"tools,omitempty"`
	Temperature *float64                       `json:"temperature,omitempty"`
	MaxTokens   int                            `json:"max_tokens,omitempty"`
	Stream      bool                           `json:"stream"`
	StreamOpts  *chatStreamOptions             `json:"stream_options,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (p *OpenAICompletionsProvider) Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error) {
	msgs := toOpenAIMessages(req, p.cfg)
	msgs = mergeSystemMessagesOpenAI(msgs)

	temp := req.Temperature
	if temp == nil {
		temp = p.cfg.Temperature
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    msgs,
		Tools:       toOpenAITools(req.Tools),
		Temperature: temp,
		MaxTokens:   p.cfg.MaxTokens,
		Stream:      true,
		StreamOpts:  &chatStreamOptions{IncludeUsage: true},
	})
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

	bodyReader, err := httpDoSSE(ctx, httpRequestConfig{
		url:      p.endpoint,
		body:     body,
		headers:  headers,
		provider: p.Name(),
		model:    p.cfg.Model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		defer bodyReader.Close()
		parseChatCompletionsSSE(ctx, bodyReader, ch)
	}()
	return ch, nil
}

// --- wire message conversion ---

func toOpenAIMessages(req StreamRequest, cfg ProviderConfig) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: SanitizeSurrogates(req.SystemPrompt),
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: SanitizeSurrogates(m.Text()),
			})
		case types.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: SanitizeSurrogates(m.Text()),
			}
			for _, tc := range m.ToolCalls() {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.ToolCallName,
						Arguments: tc.ToolCallArgs,
					},
				})
			}
			out = append(out, msg)
		case types.RoleToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    SanitizeSurrogates(toolResultText(m)),
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func toolResultText(m types.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == types.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// mergeSystemMessagesOpenAI merges multiple system messages into one leading
// system message, preserving conversation order otherwise.
func mergeSystemMessagesOpenAI(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return messages
	}
	var systemParts []string
	var rest []openai.ChatCompletionMessage
	for _, m := range messages {
		if m.Role == openai.ChatMessageRoleSystem {
			systemParts = append(systemParts, m.Content)
		} else {
			rest = append(rest, m)
		}
	}
	if len(systemParts) == 0 {
		return rest
	}
	merged := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: strings.Join(systemParts, "\n\n"),
	}}
	return append(merged, rest...)
}

func toOpenAITools(tools []types.ToolDefinition) []openai.Tool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
				Strict:      false,
			},
		}
	}
	return out
}

// --- SSE parsing ---

type chatCompletionStreamResponse struct {
	Choices []chatCompletionStreamChoice `json:"choices"`
	Usage   *chatCompletionUsage         `json:"usage,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type chatCompletionStreamChoice struct {
	Delta        chatCompletionStreamDelta `json:"delta"`
	FinishReason *string                   `json:"finish_reason"`
}

type chatCompletionStreamDelta struct {
	Role      string                   `json:"role,omitempty"`
	Content   string                   `json:"content,omitempty"`
	Reasoning string                   `json:"reasoning,omitempty"`
	ToolCalls []chatCompletionToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Function chatCompletionFunction `json:"function"`
}

type chatCompletionFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// parseChatCompletionsSSE reads `data: {...}` / `data: [DONE]` frames and
// emits canonical StreamEvents, tracking a finish_reason -> StopReason
// mapping and upgrading to tool_use when any tool call opened.
func parseChatCompletionsSSE(ctx context.Context, reader io.Reader, ch chan<- types.StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	var usage *types.Usage
	var stop types.StopReason = types.StopStop
	toolCallsOpen := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed JSON within a data frame is dropped silently
		}
		if chunk.Usage != nil {
			cached := 0
			if chunk.Usage.PromptTokensDetails != nil {
				cached = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			usage = &types.Usage{
				InputTokens:     chunk.Usage.PromptTokens,
				OutputTokens:    chunk.Usage.CompletionTokens,
				CacheReadTokens: cached,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			stop = types.MapProviderStopReason(*choice.FinishReason)
		}
		if !emitChatCompletionDelta(ctx, ch, choice.Delta, &toolCallsOpen) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, types.StreamEvent{Kind: types.EventError, Err: err})
		return
	}

	stop = types.UpgradeIfToolCallsPending(stop, toolCallsOpen)
	trySend(ctx, ch, types.StreamEvent{Kind: types.EventDone, StopReason: stop, Usage: usage})
}

func emitChatCompletionDelta(ctx context.Context, ch chan<- types.StreamEvent, delta chatCompletionStreamDelta, toolCallsOpen *int) bool {
	if delta.Reasoning != "" {
		if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventThinkDelta, Think: delta.Reasoning}) {
			return false
		}
	}
	if delta.Content != "" {
		if !trySend(ctx, ch, types.StreamEvent{Kind: types.EventTextDelta, Text: delta.Content}) {
			return false
		}
	}
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name != "" {
			*toolCallsOpen++
			if !trySend(ctx, ch, types.StreamEvent{
				Kind: types.EventToolCallStart, Index: tc.Index,
				ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, types.StreamEvent{
				Kind: types.EventToolCallDelta, Index: tc.Index,
				ArgsFragment: tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	return true
}
