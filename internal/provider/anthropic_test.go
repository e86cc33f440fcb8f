package provider

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kontermux/kon/internal/types"
)

func collectEvents(t *testing.T, sse string, parse func(context.Context, *strings.Reader, chan<- types.StreamEvent)) []types.StreamEvent {
	t.Helper()
	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		parse(context.Background(), strings.NewReader(sse), ch)
	}()
	var out []types.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestParseAnthropicSSE_TextThinkingAndToolUse(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":100,"output_tokens":0,"cache_read_input_tokens":40,"cache_creation_input_tokens":10}}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Working on it."}}`,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"shell"}}`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"tool_use"},"usage":{"input_tokens":100,"output_tokens":25,"cache_read_input_tokens":40,"cache_creation_input_tokens":10}}`,
		`data: {"type":"message_stop"}`,
	}, "\n") + "\n"

	events := collectEvents(t, sse, func(ctx context.Context, r *strings.Reader, ch chan<- types.StreamEvent) {
		parseAnthropicSSE(ctx, r, ch)
	})

	if len(events) != 7 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Kind != types.EventThinkDelta || events[0].Think != "hmm" {
		t.Fatalf("got %+v", events[0])
	}
	if events[1].Kind != types.EventThinkDelta || events[1].Signature != "sig-1" {
		t.Fatalf("got %+v", events[1])
	}
	if events[2].Kind != types.EventTextDelta || events[2].Text != "Working on it." {
		t.Fatalf("got %+v", events[2])
	}
	if events[3].Kind != types.EventToolCallStart || events[3].ToolCallID != "toolu_1" || events[3].ToolCallName != "shell" {
		t.Fatalf("got %+v", events[3])
	}
	if events[4].ArgsFragment+events[5].ArgsFragment != `{"cmd":"ls"}` {
		t.Fatalf("got fragments %q %q", events[4].ArgsFragment, events[5].ArgsFragment)
	}

	done := events[6]
	if done.Kind != types.EventDone || done.StopReason != types.StopToolUse {
		t.Fatalf("got %+v", done)
	}
	// Cached reads are folded back into input so input >= cache_read holds.
	if done.Usage.InputTokens != 140 || done.Usage.CacheReadTokens != 40 || done.Usage.CacheWriteTokens != 10 {
		t.Fatalf("got usage %+v", done.Usage)
	}
	if done.Usage.InputTokens < done.Usage.CacheReadTokens {
		t.Fatal("usage normalization must keep input >= cache_read")
	}
}

func TestParseAnthropicSSE_StopUpgradeOnOpenToolCall(t *testing.T) {
	// Server reports end_turn even though a tool_use block opened.
	sse := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"shell"}}`,
		`data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"}}`,
		`data: {"type":"message_stop"}`,
	}, "\n") + "\n"

	events := collectEvents(t, sse, func(ctx context.Context, r *strings.Reader, ch chan<- types.StreamEvent) {
		parseAnthropicSSE(ctx, r, ch)
	})
	done := events[len(events)-1]
	if done.Kind != types.EventDone || done.StopReason != types.StopToolUse {
		t.Fatalf("expected upgrade to tool_use, got %+v", done)
	}
}

func TestParseAnthropicSSE_ErrorEvent(t *testing.T) {
	sse := `data: {"type":"error","error":{"message":"overloaded"}}` + "\n"
	events := collectEvents(t, sse, func(ctx context.Context, r *strings.Reader, ch chan<- types.StreamEvent) {
		parseAnthropicSSE(ctx, r, ch)
	})
	if len(events) != 1 || events[0].Kind != types.EventError {
		t.Fatalf("got %+v", events)
	}
	if !strings.Contains(events[0].Err.Error(), "overloaded") {
		t.Fatalf("got %v", events[0].Err)
	}
}

func TestAnthropicBuildRequest_CacheAnchors(t *testing.T) {
	p := NewAnthropicMessages(ProviderConfig{Model: "claude-sonnet-4", MaxTokens: 8192, ThinkingLevel: ThinkingMedium})
	body, err := p.buildRequest(StreamRequest{
		SystemPrompt: "be helpful",
		Messages: []types.Message{
			types.NewUserMessage("first"),
			types.NewAssistantMessage([]types.Part{types.TextPart("ok")}, nil, types.StopStop),
			types.NewUserMessage("second"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if len(req.System) != 1 || req.System[0].CacheControl == nil || req.System[0].CacheControl.Type != "ephemeral" {
		t.Fatalf("system prompt must be cache-anchored, got %+v", req.System)
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content[len(last.Content)-1].CacheControl == nil {
		t.Fatalf("last user turn must be cache-anchored, got %+v", last)
	}
	first := req.Messages[0]
	if first.Content[len(first.Content)-1].CacheControl != nil {
		t.Fatal("only the final user turn is cache-anchored")
	}

	if req.Thinking == nil || req.Thinking.Type != "enabled" || req.Thinking.BudgetTokens != 4096 {
		t.Fatalf("got thinking %+v", req.Thinking)
	}
}

func TestAnthropicBuildRequest_AdaptiveThinking(t *testing.T) {
	p := NewAnthropicMessages(ProviderConfig{Model: "claude-opus-4-5", MaxTokens: 8192, ThinkingLevel: ThinkingHigh})
	body, err := p.buildRequest(StreamRequest{Messages: []types.Message{types.NewUserMessage("go")}})
	if err != nil {
		t.Fatal(err)
	}
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if req.Thinking == nil || req.Thinking.Type != "adaptive" || req.Thinking.BudgetTokens != 0 {
		t.Fatalf("got thinking %+v", req.Thinking)
	}
	if req.OutputCfg == nil || req.OutputCfg.Effort != "high" {
		t.Fatalf("got output_config %+v", req.OutputCfg)
	}
}

func TestAnthropicToolResultMessagesMapToUserRole(t *testing.T) {
	msgs := toAnthropicMessages([]types.Message{
		types.NewAssistantMessage([]types.Part{types.ToolCallPart("toolu_1", "shell", `{"cmd":"ls"}`)}, nil, types.StopToolUse),
		types.NewToolResultMessage("toolu_1", "shell", []types.Part{types.TextPart("file.txt")}, true, ""),
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	tr := msgs[1]
	if tr.Role != "user" || tr.Content[0].Type != "tool_result" {
		t.Fatalf("got %+v", tr)
	}
	if tr.Content[0].ToolUseID != "toolu_1" || !tr.Content[0].IsError {
		t.Fatalf("got %+v", tr.Content[0])
	}
}
