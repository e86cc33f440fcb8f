package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/kontermux/kon/internal/types"
)

func TestParseSSEFrame_FoldedDataLines(t *testing.T) {
	frame := []byte("event: response.output_text.delta\ndata: {\"delta\":\ndata: \"hi\"}")
	eventType, data, ok := parseSSEFrame(frame)
	if !ok {
		t.Fatal("expected frame to parse")
	}
	if eventType != "response.output_text.delta" {
		t.Fatalf("got %q", eventType)
	}
	if data != "{\"delta\":\n\"hi\"}" {
		t.Fatalf("got %q", data)
	}
}

func TestParseSSEFrame_NoData(t *testing.T) {
	if _, _, ok := parseSSEFrame([]byte(": keepalive comment")); ok {
		t.Fatal("comment-only frame must not parse")
	}
}

func TestSplitOnBlankLine(t *testing.T) {
	input := "data: one\n\ndata: two\n\ndata: tail"
	var frames []string
	data := []byte(input)
	for {
		adv, token, _ := splitOnBlankLine(data, false)
		if adv == 0 {
			break
		}
		frames = append(frames, string(token))
		data = data[adv:]
	}
	adv, token, _ := splitOnBlankLine(data, true)
	if adv != len(data) {
		t.Fatalf("final frame not consumed at EOF")
	}
	frames = append(frames, string(token))

	want := []string{"data: one", "data: two", "data: tail"}
	if len(frames) != len(want) {
		t.Fatalf("got %v", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frame %d: got %q want %q", i, frames[i], want[i])
		}
	}
}

func TestParseChatGPTResponsesSSE_EndToEnd(t *testing.T) {
	sse := strings.Join([]string{
		"event: response.output_text.delta",
		`data: {"delta":"Hello"}`,
		"",
		"event: response.output_item.added",
		`data: {"output_index":0,"item":{"id":"item_1","type":"function_call","name":"shell","call_id":"call_1"}}`,
		"",
		"event: response.function_call_arguments.delta",
		`data: {"item_id":"item_1","delta":"{\"cmd\":\"ls\"}"}`,
		"",
		"event: response.completed",
		`data: {"response":{"usage":{"input_tokens":20,"output_tokens":5}}}`,
		"",
	}, "\n")

	events := collectEvents(t, sse, func(ctx context.Context, r *strings.Reader, ch chan<- types.StreamEvent) {
		parseChatGPTResponsesSSE(ctx, r, ch)
	})

	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Kind != types.EventTextDelta || events[0].Text != "Hello" {
		t.Fatalf("got %+v", events[0])
	}
	if events[1].Kind != types.EventToolCallStart || events[1].ToolCallID != "call_1" {
		t.Fatalf("got %+v", events[1])
	}
	if events[2].Kind != types.EventToolCallDelta || events[2].ArgsFragment != `{"cmd":"ls"}` {
		t.Fatalf("got %+v", events[2])
	}
	done := events[3]
	if done.Kind != types.EventDone || done.StopReason != types.StopToolUse {
		t.Fatalf("got %+v", done)
	}
	if done.Usage == nil || done.Usage.InputTokens != 20 {
		t.Fatalf("got usage %+v", done.Usage)
	}
}
