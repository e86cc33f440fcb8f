package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kontermux/kon/internal/compact"
	"github.com/kontermux/kon/internal/config"
	"github.com/kontermux/kon/internal/provider"
	"github.com/kontermux/kon/internal/session"
	"github.com/kontermux/kon/internal/tool"
	"github.com/kontermux/kon/internal/types"
)

func newTestLog(t *testing.T) *session.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.ndjson")
	l, err := session.Create(path, "/work")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestProcessTurn_TextOnlyReply(t *testing.T) {
	log := newTestLog(t)
	mock := provider.NewMock("mock", "hello there")
	registry := tool.NewRegistry()

	err := ProcessTurn(context.Background(), Options{
		Provider:     mock,
		Registry:     registry,
		Log:          log,
		Input:        types.NewUserMessage("hi"),
		SystemPrompt: "be nice",
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := log.AllMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Text() != "hi" {
		t.Fatalf("got %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Text() != "hello there" {
		t.Fatalf("got %+v", msgs[1])
	}
	if mock.CallCount() != 1 {
		t.Fatalf("expected one provider call, got %d", mock.CallCount())
	}
}

// sequencedProvider replays a different event script on each successive call,
// used to exercise multi-round tool-calling turns the single-script
// MockProvider can't represent on its own.
type sequencedProvider struct {
	mu      sync.Mutex
	name    string
	scripts [][]types.StreamEvent
	calls   int
}

func (s *sequencedProvider) Name() string              { return s.name }
func (s *sequencedProvider) ShouldRetry(err error) bool { return false }
func (s *sequencedProvider) Stream(ctx context.Context, req provider.StreamRequest) (<-chan types.StreamEvent, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	ch := make(chan types.StreamEvent, len(s.scripts[idx]))
	for _, ev := range s.scripts[idx] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestProcessTurn_ToolCallRoundTrip(t *testing.T) {
	log := newTestLog(t)

	prov := &sequencedProvider{
		name: "mock",
		scripts: [][]types.StreamEvent{
			{
				{Kind: types.EventToolCallStart, Index: 0, ToolCallID: "call-1", ToolCallName: "echo"},
				{Kind: types.EventToolCallDelta, Index: 0, ArgsFragment: `{"text":"hi"}`},
				{Kind: types.EventDone, StopReason: types.StopToolUse, Usage: &types.Usage{InputTokens: 5, OutputTokens: 5}},
			},
			{
				{Kind: types.EventTextDelta, Text: "done"},
				{Kind: types.EventDone, StopReason: types.StopStop, Usage: &types.Usage{InputTokens: 5, OutputTokens: 5}},
			},
		},
	}

	registry := tool.NewRegistry()
	registry.Register(tool.Tool{
		Name:   "echo",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *tool.CancelToken) types.ToolResult {
			return types.ToolResult{Success: true, ResultText: "echoed: " + string(params)}
		},
	})

	err := ProcessTurn(context.Background(), Options{
		Provider: prov,
		Registry: registry,
		Log:      log,
		Input:    types.NewUserMessage("run echo"),
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := log.AllMessages()
	// user, assistant(tool_use), tool_result, assistant(stop)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[1].StopReason != types.StopToolUse {
		t.Fatalf("got stop reason %q", msgs[1].StopReason)
	}
	if msgs[2].Role != types.RoleToolResult || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("got %+v", msgs[2])
	}
	if msgs[3].Text() != "done" {
		t.Fatalf("got %+v", msgs[3])
	}
}

func TestProcessTurn_OverflowContinueAppendsCompaction(t *testing.T) {
	log := newTestLog(t)
	mock := provider.NewMockScript("mock", []types.StreamEvent{
		{Kind: types.EventTextDelta, Text: "ok"},
		{Kind: types.EventDone, StopReason: types.StopStop, Usage: &types.Usage{InputTokens: 199_500, OutputTokens: 1000}},
	})

	// The summaryMock wrapper below answers the follow-up summarization call
	// GenerateSummary makes.
	registry := tool.NewRegistry()

	err := ProcessTurn(context.Background(), Options{
		Provider:      summaryMock{mock},
		Registry:      registry,
		Log:           log,
		Input:         types.NewUserMessage("hi"),
		ContextWindow: 200_000,
		BufferTokens:  20_000,
		OnOverflow:    config.OverflowContinue,
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	var sawCompaction bool
	for _, e := range log.Entries() {
		if e.Kind == session.KindCompaction {
			sawCompaction = true
		}
	}
	if !sawCompaction {
		t.Fatal("expected a compaction entry to be appended")
	}
}

// summaryMock wraps a MockProvider so GenerateSummary's tools-disabled call
// gets a fixed summary text regardless of which script index it would
// otherwise be on.
type summaryMock struct {
	*provider.MockProvider
}

func (s summaryMock) Stream(ctx context.Context, req provider.StreamRequest) (<-chan types.StreamEvent, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == types.RoleUser && last.Text() == compact.SummarizationPrompt {
		ch := make(chan types.StreamEvent, 2)
		ch <- types.StreamEvent{Kind: types.EventTextDelta, Text: "a compact summary"}
		ch <- types.StreamEvent{Kind: types.EventDone, StopReason: types.StopStop}
		close(ch)
		return ch, nil
	}
	return s.MockProvider.Stream(ctx, req)
}

func TestProcessTurn_OverflowPauseReturnsSentinel(t *testing.T) {
	log := newTestLog(t)
	mock := provider.NewMockScript("mock", []types.StreamEvent{
		{Kind: types.EventTextDelta, Text: "ok"},
		{Kind: types.EventDone, StopReason: types.StopStop, Usage: &types.Usage{InputTokens: 199_500, OutputTokens: 1000}},
	})
	registry := tool.NewRegistry()

	err := ProcessTurn(context.Background(), Options{
		Provider:      mock,
		Registry:      registry,
		Log:           log,
		Input:         types.NewUserMessage("hi"),
		ContextWindow: 200_000,
		BufferTokens:  20_000,
		OnOverflow:    config.OverflowPause,
	})
	if err != ErrCompactionPaused {
		t.Fatalf("got %v", err)
	}
	for _, e := range log.Entries() {
		if e.Kind == session.KindCompaction {
			t.Fatal("expected no compaction entry when paused")
		}
	}
}

func TestProcessTurn_Interrupt(t *testing.T) {
	log := newTestLog(t)

	prov := &sequencedProvider{
		name: "mock",
		scripts: [][]types.StreamEvent{
			{
				{Kind: types.EventToolCallStart, Index: 0, ToolCallID: "call-1", ToolCallName: "slow"},
				{Kind: types.EventDone, StopReason: types.StopToolUse},
			},
		},
	}

	cancel := tool.NewCancelToken()
	cancel.Cancel() // pre-fire: simulate an interrupt that lands before tool dispatch

	registry := tool.NewRegistry()
	registry.Register(tool.Tool{
		Name:   "slow",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, params json.RawMessage, c *tool.CancelToken) types.ToolResult {
			return types.ToolResult{Success: true, ResultText: "should not run"}
		},
	})

	err := ProcessTurn(context.Background(), Options{
		Provider: prov,
		Registry: registry,
		Log:      log,
		Input:    types.NewUserMessage("go"),
		Cancel:   cancel,
	})
	if err != ErrInterrupted {
		t.Fatalf("got %v", err)
	}

	msgs := log.AllMessages()
	last := msgs[len(msgs)-2]
	if last.Role != types.RoleToolResult || !last.IsError {
		t.Fatalf("expected aborted tool result, got %+v", last)
	}
	marker := msgs[len(msgs)-1]
	if marker.Role != types.RoleAssistant || marker.StopReason != types.StopInterrupted {
		t.Fatalf("expected interrupted marker, got %+v", marker)
	}
}

// TestExecuteToolCalls_RunsConcurrently dispatches three calls that each
// block until every one of them has started, proving they run as a fan-out
// rather than one at a time: a strictly sequential loop would deadlock here.
func TestExecuteToolCalls_RunsConcurrently(t *testing.T) {
	const n = 3
	var barrier sync.WaitGroup
	barrier.Add(n)

	registry := tool.NewRegistry()
	registry.Register(tool.Tool{
		Name:   "barrier",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *tool.CancelToken) types.ToolResult {
			// Each call signals arrival, then blocks until every call has
			// arrived. A sequential executor would deadlock here: the first
			// call would never see the others arrive.
			barrier.Done()
			waited := make(chan struct{})
			go func() { barrier.Wait(); close(waited) }()
			select {
			case <-waited:
			case <-time.After(2 * time.Second):
				t.Error("timed out waiting for concurrent fan-out")
				return types.ToolResult{Success: false, ResultText: "timeout"}
			}
			return types.ToolResult{Success: true, ResultText: "ok"}
		},
	})

	calls := make([]types.Part, n)
	for i := range calls {
		calls[i] = types.Part{Kind: types.PartToolCall, ToolCallID: "call-" + string(rune('a'+i)), ToolCallName: "barrier"}
	}

	cancel := tool.NewCancelToken()
	results, interrupted := executeToolCalls(context.Background(), registry, calls, cancel)
	if interrupted {
		t.Fatal("did not expect interruption")
	}
	if len(results) != n {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.IsError {
			t.Fatalf("expected success, got %+v", r)
		}
	}
}

// TestExecuteToolCalls_CompletionOrder proves results are appended as they
// finish rather than in call order: the first call sleeps longer than the
// second, so the faster call's result must land first while still carrying
// its own tool-call id for correct pairing.
func TestExecuteToolCalls_CompletionOrder(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register(tool.Tool{
		Name:   "slow",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *tool.CancelToken) types.ToolResult {
			time.Sleep(100 * time.Millisecond)
			return types.ToolResult{Success: true, ResultText: "slow done"}
		},
	})
	registry.Register(tool.Tool{
		Name:   "fast",
		Schema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, params json.RawMessage, cancel *tool.CancelToken) types.ToolResult {
			return types.ToolResult{Success: true, ResultText: "fast done"}
		},
	})

	calls := []types.Part{
		{Kind: types.PartToolCall, ToolCallID: "call-slow", ToolCallName: "slow"},
		{Kind: types.PartToolCall, ToolCallID: "call-fast", ToolCallName: "fast"},
	}

	cancel := tool.NewCancelToken()
	results, interrupted := executeToolCalls(context.Background(), registry, calls, cancel)
	if interrupted {
		t.Fatal("did not expect interruption")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].ToolCallID != "call-fast" {
		t.Fatalf("expected the fast call to complete first, got %+v", results[0])
	}
	if results[1].ToolCallID != "call-slow" {
		t.Fatalf("expected the slow call last, got %+v", results[1])
	}
}

func TestProcessTurn_MaxDepthExceeded(t *testing.T) {
	log := newTestLog(t)
	err := ProcessTurn(context.Background(), Options{
		Provider: provider.NewMock("mock", "x"),
		Registry: tool.NewRegistry(),
		Log:      log,
		Input:    types.NewUserMessage("hi"),
		Depth:    MaxDepth + 1,
	})
	if err == nil {
		t.Fatal("expected max depth error")
	}
}

func TestRunSubAgent_ReturnsFinalText(t *testing.T) {
	mock := provider.NewMock("mock", "sub-agent result")
	registry := tool.NewRegistry()

	res, err := RunSubAgent(context.Background(), SubAgentOptions{
		Provider: mock,
		Registry: registry,
		Prompt:   "do the thing",
	})
	if err != nil {
		t.Fatalf("RunSubAgent: %v", err)
	}
	if res.Content != "sub-agent result" {
		t.Fatalf("got %q", res.Content)
	}
}

func TestRunSubAgent_RejectsOversizedIterations(t *testing.T) {
	_, err := RunSubAgent(context.Background(), SubAgentOptions{
		Provider:      provider.NewMock("mock", "x"),
		Registry:      tool.NewRegistry(),
		Prompt:        "hi",
		MaxIterations: MaxSubAgentIterations + 1,
	})
	if err == nil {
		t.Fatal("expected error for oversized max_iterations")
	}
}
