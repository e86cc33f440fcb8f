package types

// StopReason enumerates the terminal reasons a turn's streaming response
// ended, normalized across all four wire protocols.
type StopReason string

const (
	StopNone        StopReason = ""
	StopStop        StopReason = "stop"
	StopLength      StopReason = "length"
	StopToolUse     StopReason = "tool_use"
	StopError       StopReason = "error"
	StopInterrupted StopReason = "interrupted"
)

// MapProviderStopReason normalizes a provider-native terminal signal into the
// canonical StopReason, per the stop-reason mapping rule:
// end_turn|completed -> stop, max_tokens|incomplete -> length,
// tool_use -> tool_use, any failure/cancel -> error.
func MapProviderStopReason(native string) StopReason {
	switch native {
	case "end_turn", "completed", "stop":
		return StopStop
	case "max_tokens", "incomplete", "length":
		return StopLength
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "":
		return StopNone
	default:
		return StopError
	}
}

// UpgradeIfToolCallsPending implements the upgrade rule: if the tool-call
// accumulator is non-empty when the provider reports "stop", the finalized
// stop reason becomes "tool_use".
func UpgradeIfToolCallsPending(reason StopReason, pendingToolCalls int) StopReason {
	if reason == StopStop && pendingToolCalls > 0 {
		return StopToolUse
	}
	return reason
}
