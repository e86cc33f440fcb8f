// Package agent implements the turn loop (component F): it drives a
// Provider's event stream to a terminal stop reason, dispatches tool calls
// through the tool registry, persists every step to the session log, and
// triggers context compaction between turns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kontermux/kon/internal/compact"
	"github.com/kontermux/kon/internal/config"
	"github.com/kontermux/kon/internal/provider"
	"github.com/kontermux/kon/internal/session"
	"github.com/kontermux/kon/internal/tool"
	"github.com/kontermux/kon/internal/types"
)

// DefaultMaxToolRounds bounds how many tool-calling rounds a single
// ProcessTurn invocation will run before forcing a text-only final reply.
const DefaultMaxToolRounds = 60

// MaxDepth is the deepest a sub-agent may recurse: 0 is the root agent, 1 is
// a sub-agent it spawns; sub-agents may not spawn further sub-agents.
const MaxDepth = 1

// reminderInterval is the number of tool-calling rounds between synthetic
// recitations of the user's original goal, injected into the in-memory
// request only (never persisted to the session log).
const reminderInterval = 10

// Options configures one ProcessTurn invocation.
type Options struct {
	Provider        provider.Provider
	Registry        *tool.Registry
	Log             *session.Log
	Input           types.Message // the new user entry this turn appends before streaming
	SystemPrompt    string
	OnEvent         func(types.StreamEvent)
	MaxToolRounds   int
	Cancel          *tool.CancelToken
	ContextWindow   int
	BufferTokens    int
	MaxOutputTokens int
	OnOverflow      config.OverflowPolicy
	Depth           int
}

// ProcessTurn appends opts.Input to the session log, then drives the
// provider's stream until a terminal (non tool-use) stop reason, appending
// every assistant and tool-result message along the way, and evaluates
// overflow once the turn settles.
func ProcessTurn(ctx context.Context, opts Options) error {
	if opts.Depth > MaxDepth {
		return fmt.Errorf("%w: %d > %d", ErrMaxDepthExceeded, opts.Depth, MaxDepth)
	}

	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	cancel := opts.Cancel
	if cancel == nil {
		cancel = tool.NewCancelToken()
	}

	if opts.Input.Role == types.RoleUser {
		if _, err := opts.Log.Append(session.NewMessageEntry(opts.Input)); err != nil {
			return fmt.Errorf("appending user entry: %w", err)
		}
	}

	toolDefs := opts.Registry.Definitions()
	var recent []recentCall
	var lastUsage types.Usage

	for round := 0; round < maxRounds; round++ {
		messages := opts.Log.Messages()
		applyReminders(messages, round, recent)

		res, err := streamAndCollect(ctx, opts.Provider, provider.StreamRequest{
			Messages:     messages,
			SystemPrompt: opts.SystemPrompt,
			Tools:        toolDefs,
			MaxTokens:    opts.MaxOutputTokens,
		}, opts.OnEvent)
		if err != nil {
			return fmt.Errorf("provider stream failed: %w", err)
		}
		lastUsage = res.Usage

		assistantMsg := types.NewAssistantMessage(res.Parts, &res.Usage, res.StopReason)
		if _, err := opts.Log.Append(session.NewMessageEntry(assistantMsg)); err != nil {
			return err
		}

		toolCalls := assistantMsg.ToolCalls()
		if len(toolCalls) == 0 {
			return finishTurn(ctx, opts, lastUsage)
		}

		results, interrupted := executeToolCalls(ctx, opts.Registry, toolCalls, cancel)
		for _, r := range results {
			if _, err := opts.Log.Append(session.NewMessageEntry(r)); err != nil {
				return err
			}
		}
		if interrupted {
			marker := types.NewAssistantMessage(nil, nil, types.StopInterrupted)
			if _, err := opts.Log.Append(session.NewMessageEntry(marker)); err != nil {
				return err
			}
			return ErrInterrupted
		}

		recent = trackRecent(recent, toolCalls)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Tool-round budget exhausted: force a text-only reply summarizing
	// progress instead of looping forever.
	limit := types.NewUserMessage("You have exhausted your tool call limit for this turn. Respond in text only. Summarize what you accomplished and what remains.")
	if _, err := opts.Log.Append(session.NewMessageEntry(limit)); err != nil {
		return err
	}

	res, err := streamAndCollect(ctx, opts.Provider, provider.StreamRequest{
		Messages:     opts.Log.Messages(),
		SystemPrompt: opts.SystemPrompt,
	}, opts.OnEvent)
	if err != nil {
		return fmt.Errorf("final text-only stream failed: %w", err)
	}

	assistantMsg := types.NewAssistantMessage(res.Parts, &res.Usage, res.StopReason)
	if _, err := opts.Log.Append(session.NewMessageEntry(assistantMsg)); err != nil {
		return err
	}

	return finishTurn(ctx, opts, res.Usage)
}

// finishTurn evaluates overflow once a turn has settled on a terminal,
// no-pending-tool-calls boundary — the only point a compaction entry may
// legally be appended.
func finishTurn(ctx context.Context, opts Options, usage types.Usage) error {
	contextWindow := opts.ContextWindow
	if contextWindow <= 0 {
		contextWindow = compact.DefaultContextWindow
	}
	bufferTokens := opts.BufferTokens
	if bufferTokens <= 0 {
		bufferTokens = compact.DefaultBufferTokens
	}

	if !compact.IsOverflow(usage, contextWindow, opts.MaxOutputTokens, bufferTokens) {
		return nil
	}

	if opts.OnOverflow == config.OverflowPause {
		return ErrCompactionPaused
	}

	summary, err := compact.GenerateSummary(ctx, opts.Provider, opts.Log.AllMessages(), opts.SystemPrompt)
	if err != nil {
		return fmt.Errorf("generating compaction summary: %w", err)
	}
	if _, err := opts.Log.AppendCompaction(summary, usage.Total(), nil); err != nil {
		return fmt.Errorf("appending compaction entry: %w", err)
	}
	return nil
}

type recentCall struct {
	Name string
	Args string
}

func trackRecent(recent []recentCall, calls []types.Part) []recentCall {
	for _, c := range calls {
		recent = append(recent, recentCall{Name: c.ToolCallName, Args: c.ToolCallArgs})
	}
	return recent
}

func repeating(recent []recentCall) bool {
	if len(recent) < 3 {
		return false
	}
	last3 := recent[len(recent)-3:]
	return last3[0] == last3[1] && last3[1] == last3[2]
}

// applyReminders mutates messages in place — a private copy returned fresh
// by Log.Messages() each round — to inject periodic recitations and a
// repeated-tool-call warning into the request sent to the provider, without
// ever persisting them to the session log.
func applyReminders(messages []types.Message, round int, recent []recentCall) {
	var reminder string
	if round > 0 && round%reminderInterval == 0 {
		reminder = recitationText(messages)
	}
	if repeating(recent) {
		warning := "WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help."
		if reminder != "" {
			reminder += "\n\n" + warning
		} else {
			reminder = warning
		}
	}
	if reminder == "" {
		return
	}

	const tag = "\n\n<system-reminder>\n"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != types.RoleToolResult {
			continue
		}
		m := &messages[i]
		parts := append([]types.Part{}, m.Parts...)
		if n := len(parts); n > 0 && parts[n-1].Kind == types.PartText {
			if idx := strings.Index(parts[n-1].Text, tag); idx >= 0 {
				parts[n-1].Text = parts[n-1].Text[:idx]
			}
			parts[n-1].Text += tag + reminder + "\n</system-reminder>"
		} else {
			parts = append(parts, types.TextPart(tag+reminder+"\n</system-reminder>"))
		}
		m.Parts = parts
		return
	}
}

func recitationText(messages []types.Message) string {
	for _, m := range messages {
		if m.Role == types.RoleUser {
			return "The user's original request: " + m.Text()
		}
	}
	return ""
}

// executeToolCalls fans every pending tool call out to its own goroutine, each
// running under the shared cancel token and the registry's own per-tool
// timeout. Calls run concurrently but cooperatively: a call already in flight
// when cancel fires gets the usual grace period to return its own result
// before Execute synthesizes a timeout. A call that hasn't started yet when
// cancel fires is synthesized as an aborted is_error result instead of being
// dispatched. Results are appended in completion order, not call order —
// each carries its own tool-call id so pairing with the request never
// depends on position.
func executeToolCalls(ctx context.Context, registry *tool.Registry, calls []types.Part, cancel *tool.CancelToken) (results []types.Message, interrupted bool) {
	type outcome struct {
		msg     types.Message
		aborted bool
	}

	done := make(chan outcome, len(calls))
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c types.Part) {
			defer wg.Done()
			if cancel.Cancelled() || ctx.Err() != nil {
				done <- outcome{
					msg: types.NewToolResultMessage(
						c.ToolCallID, c.ToolCallName,
						[]types.Part{types.TextPart("Command aborted")},
						true, ""),
					aborted: true,
				}
				return
			}

			res := registry.Execute(ctx, c.ToolCallName, json.RawMessage(c.ToolCallArgs), cancel)
			parts := []types.Part{types.TextPart(res.ResultText)}
			parts = append(parts, res.Images...)
			done <- outcome{
				msg:     types.NewToolResultMessage(c.ToolCallID, c.ToolCallName, parts, !res.Success, res.DisplayMarkup),
				aborted: cancel.Cancelled(),
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	results = make([]types.Message, 0, len(calls))
	for o := range done {
		results = append(results, o.msg)
		if o.aborted {
			interrupted = true
		}
	}
	return results, interrupted
}

type turnResult struct {
	Parts      []types.Part
	Usage      types.Usage
	StopReason types.StopReason
}

func isEmpty(res turnResult) bool {
	return len(res.Parts) == 0
}

// streamAndCollect runs one provider call, forwarding every event to onEvent
// and assembling the final message parts, retrying once if the provider
// returns a completely empty response (observed transient behavior some
// wire protocols exhibit under load).
func streamAndCollect(ctx context.Context, prov provider.Provider, req provider.StreamRequest, onEvent func(types.StreamEvent)) (turnResult, error) {
	const maxEmptyRetries = 1

	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		events, err := prov.Stream(ctx, req)
		if err != nil {
			return turnResult{}, err
		}
		res, err := collectEvents(events, onEvent)
		if err != nil {
			return turnResult{}, err
		}
		if !isEmpty(res) {
			return res, nil
		}
		log.Warn().Str("provider", prov.Name()).Int("attempt", attempt+1).Msg("empty response from provider")
	}

	return turnResult{}, fmt.Errorf("empty response from provider %s", prov.Name())
}

func collectEvents(ch <-chan types.StreamEvent, onEvent func(types.StreamEvent)) (turnResult, error) {
	var textB, thinkB strings.Builder
	var thinkSig string
	acc := newToolAccumulator()
	var res turnResult

	for ev := range ch {
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Kind {
		case types.EventTextDelta:
			textB.WriteString(ev.Text)
		case types.EventThinkDelta:
			thinkB.WriteString(ev.Think)
			if ev.Signature != "" {
				thinkSig = ev.Signature
			}
		case types.EventToolCallStart:
			acc.start(ev)
		case types.EventToolCallDelta:
			acc.delta(ev)
		case types.EventDone:
			res.StopReason = ev.StopReason
			if ev.Usage != nil {
				res.Usage = *ev.Usage
			}
		case types.EventError:
			return turnResult{}, ev.Err
		}
	}

	var parts []types.Part
	if thinkB.Len() > 0 {
		parts = append(parts, types.ThinkingPart(thinkB.String(), thinkSig))
	}
	if textB.Len() > 0 {
		parts = append(parts, types.TextPart(textB.String()))
	}
	parts = append(parts, acc.finalize()...)

	res.Parts = types.MergeAdjacentDeltas(parts)
	res.StopReason = types.UpgradeIfToolCallsPending(res.StopReason, len(acc.calls))
	return res, nil
}

// toolAccumulator tracks tool-call parts as they stream in, keyed by the
// provider's stream index so interleaved deltas from concurrently open
// calls land in the right bucket.
type toolAccumulator struct {
	byIndex map[int]int
	calls   []types.Part
	args    []strings.Builder
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{byIndex: make(map[int]int)}
}

func (a *toolAccumulator) start(ev types.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[ev.Index] = pos
	a.calls = append(a.calls, types.Part{Kind: types.PartToolCall, ToolCallID: ev.ToolCallID, ToolCallName: ev.ToolCallName})
	a.args = append(a.args, strings.Builder{})
}

func (a *toolAccumulator) delta(ev types.StreamEvent) {
	pos, ok := a.byIndex[ev.Index]
	if !ok {
		return
	}
	if ev.Replace {
		a.args[pos].Reset()
	}
	a.args[pos].WriteString(ev.ArgsFragment)
}

func (a *toolAccumulator) finalize() []types.Part {
	for i := range a.calls {
		args := a.args[i].String()
		if !json.Valid([]byte(args)) {
			log.Warn().Str("tool", a.calls[i].ToolCallName).Str("args", args).Msg("tool call arguments are not valid JSON, substituting empty object")
			args = "{}"
		}
		a.calls[i].ToolCallArgs = args
	}
	return a.calls
}
