package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/kontermux/kon/internal/types"
)

// ChatGPTResponsesProvider implements the ChatGPT-backend Responses variant:
// the same request shape as OpenAI-Responses, posted to /codex/responses
// under a ChatGPT OAuth access token, with a hand-written SSE parser that
// splits the raw byte stream on blank lines rather than relying on a
// line-oriented scanner (the backend occasionally folds multiple `data:`
// lines into one frame).
type ChatGPTResponsesProvider struct {
	cfg      ProviderConfig
	endpoint string
}

// NewChatGPTResponses creates a ChatGPT-Responses provider.
func NewChatGPTResponses(cfg ProviderConfig) *ChatGPTResponsesProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://chatgpt.com/backend-api"
	}
	return &ChatGPTResponsesProvider{cfg: cfg, endpoint: base + "/codex/responses"}
}

func (p *ChatGPTResponsesProvider) Name() string { return "chatgpt_responses" }

func (p *ChatGPTResponsesProvider) ShouldRetry(err error) bool { return shouldRetryTransport(err) }

func (p *ChatGPTResponsesProvider) Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error) {
	delegate := &OpenAIResponsesProvider{cfg: p.cfg, endpoint: p.endpoint}
	body, err := delegate.buildRequest(req)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization":      "Bearer " + p.cfg.APIKey,
		"chatgpt-account-id": p.cfg.ChatGPTAccountID,
		"OpenAI-Beta":        "responses=experimental",
		"originator":         "kon_cli",
		"Accept":             "text/event-stream",
	}

	bodyReader, err := httpDoSSE(ctx, httpRequestConfig{url: p.endpoint, body: body, headers: headers, provider: p.Name(), model: p.cfg.Model})
	if err != nil {
		return nil, err
	}
	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		defer bodyReader.Close()
		parseChatGPTResponsesSSE(ctx, bodyReader, ch)
	}()
	return ch, nil
}

// parseChatGPTResponsesSSE splits the byte stream on blank-line frame
// boundaries, takes every `data:` line of a frame, stops reading at `[DONE]`, and
// dispatches the decoded JSON by its `type` field into the shared Responses
// event state machine (responsesTracker.handleEvent).
func parseChatGPTResponsesSSE(ctx context.Context, reader io.Reader, ch chan<- types.StreamEvent) {
	rt := newResponsesTracker()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitOnBlankLine)

	for scanner.Scan() {
		frame := scanner.Bytes()
		eventType, data, ok := parseSSEFrame(frame)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		stop, done := rt.handleEvent(ctx, ch, eventType, data)
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

// splitOnBlankLine is a bufio.SplitFunc that delimits SSE frames on the first
// "\n\n" boundary, per the SSE spec (one event per blank-line-terminated
// block).
func splitOnBlankLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseSSEFrame extracts the `event:` name (if any) and the concatenated
// `data:` payload from one SSE frame block.
func parseSSEFrame(frame []byte) (eventType, data string, ok bool) {
	var dataLines []string
	for _, line := range strings.Split(string(frame), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) == 0 {
		return "", "", false
	}
	data = strings.Join(dataLines, "\n")
	return eventType, data, true
}
