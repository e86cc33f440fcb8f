package agent

import "errors"

// ErrCompactionPaused is returned by ProcessTurn when a turn would overflow
// the context window and the caller's overflow policy is "pause": no
// compaction entry is appended and the session is left untouched, so the
// caller can prompt the user and retry with a "continue" policy.
var ErrCompactionPaused = errors.New("context overflow: awaiting user decision (on_overflow=pause)")

// ErrInterrupted is returned when the turn's cancel token fired mid-round;
// any in-flight tool calls have already been recorded as aborted results.
var ErrInterrupted = errors.New("turn interrupted")

// ErrMaxDepthExceeded is returned when a sub-agent attempts to exceed the
// maximum recursion depth.
var ErrMaxDepthExceeded = errors.New("max sub-agent depth exceeded")
