package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kontermux/kon/internal/types"
)

func echoTool() Tool {
	return Tool{
		Name:   "echo",
		Schema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *CancelToken) types.ToolResult {
			var args struct {
				Text string `json:"text"`
			}
			json.Unmarshal(params, &args)
			return types.ToolResult{Success: true, ResultText: args.Text}
		},
	}
}

func TestExecute_Success(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	res := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), nil)
	if !res.Success || res.ResultText != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecute_ValidationFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	res := r.Execute(context.Background(), "echo", json.RawMessage(`{}`), nil)
	if res.Success {
		t.Fatalf("expected validation failure, got success")
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", json.RawMessage(`{}`), nil)
	if res.Success {
		t.Fatalf("expected failure for unknown tool")
	}
}

// TestExecute_CancelBoundedReturn exercises the ≤5s bounded-return
// guarantee for a well-behaved tool that honors cancellation.
func TestExecute_CancelBoundedReturn(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name:   "slow",
		Schema: json.RawMessage(`{}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *CancelToken) types.ToolResult {
			select {
			case <-cancel.Done():
				return types.ToolResult{Success: false, ResultText: "cancelled"}
			case <-ctx.Done():
				return types.ToolResult{Success: false, ResultText: "cancelled"}
			case <-time.After(time.Minute):
				return types.ToolResult{Success: true, ResultText: "too slow"}
			}
		},
	})

	cancel := NewCancelToken()
	done := make(chan types.ToolResult, 1)
	go func() {
		done <- r.Execute(context.Background(), "slow", json.RawMessage(`{}`), cancel)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel.Cancel()

	select {
	case res := <-done:
		if res.Success {
			t.Fatalf("expected cancelled result")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return within bounded time after cancel")
	}
}

func TestSanitizeOutput_StripsANSIAndControls(t *testing.T) {
	in := "\x1b[31mred\x1b[0m text\r\nline2\x00\x07"
	out := SanitizeOutput(in)
	if out != "red text\nline2" {
		t.Fatalf("got %q", out)
	}
}

func TestTailTruncate_UnderBudget(t *testing.T) {
	out, path := TailTruncate("short output", OutputBudget{MaxBytes: 1000, MaxLines: 10})
	if out != "short output" || path != "" {
		t.Fatalf("expected no truncation, got %q path=%q", out, path)
	}
}
