package types

// StreamEventKind tags the variant of a StreamEvent.
type StreamEventKind string

const (
	EventTextDelta     StreamEventKind = "text_delta"
	EventThinkDelta    StreamEventKind = "think_delta"
	EventToolCallStart StreamEventKind = "tool_call_start"
	EventToolCallDelta StreamEventKind = "tool_call_delta"
	EventDone          StreamEventKind = "done"
	EventError         StreamEventKind = "error"
)

// StreamEvent is the tagged variant a provider emits to the agent loop.
// Index scopes ToolCallStart/ToolCallDelta to a concurrently open tool call;
// argument fragments must be concatenated in arrival order and parsed only
// once the call is finalized.
type StreamEvent struct {
	Kind StreamEventKind

	// EventTextDelta
	Text string

	// EventThinkDelta
	Think     string
	Signature string // optional, attached when a reasoning block finalizes

	// EventToolCallStart / EventToolCallDelta
	Index        int
	ToolCallID   string // set on Start; may also accompany reconciling deltas
	ToolCallName string // set on Start
	ArgsFragment string // set on Delta: a raw JSON fragment
	// Replace marks ArgsFragment as the new, complete argument string
	// replacing everything accumulated so far for this call, rather than a
	// suffix to append. Set when a provider's terminal "arguments.done" (or
	// "output_item.done") disagrees with the accumulated deltas instead of
	// strictly extending them.
	Replace bool

	// EventDone
	StopReason StopReason
	Usage      *Usage

	// EventError
	Err error
}
