// Package tool implements the tool registry and executor (component E):
// schema/dispatch, cancellation, timeouts, and output sanitization.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kontermux/kon/internal/types"
)

// Handler executes one tool invocation. It must never panic or return an
// error that escapes to the agent loop: validation and execution failures
// are reported through ToolResult.Success/DisplayMarkup instead, so the
// model can observe and recover from them.
type Handler func(ctx context.Context, params json.RawMessage, cancel *CancelToken) types.ToolResult

// Tool is one registered tool: its wire definition plus the handler that
// executes it.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema object describing params
	Handler     Handler
	// Timeout overrides the default per-call timeout (0 = DefaultTimeout).
	Timeout time.Duration
}

// DefaultTimeout is the default per-tool deadline (shell commands use this
// unless overridden).
const DefaultTimeout = 180 * time.Second

// Registry holds the set of tools available to the agent loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Without returns a new Registry containing every tool except those named,
// used to build the tool set handed to a sub-agent so it cannot recursively
// invoke the tool that spawned it.
func (r *Registry) Without(names ...string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(names))
	for _, n := range names {
		excluded[n] = true
	}

	out := NewRegistry()
	for _, name := range r.order {
		if excluded[name] {
			continue
		}
		out.Register(r.tools[name])
	}
	return out
}

// Definitions converts every registered tool to the provider-facing
// ToolDefinition shape, in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, types.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// CancelToken is a shared, watchable cancellation flag observed by every
// in-flight tool execution for a turn. Firing it must cause every tool to
// return within a bounded time: well-behaved tools within 5s, subprocess
// tools immediately via process-group signal-kill.
type CancelToken struct {
	ch   chan struct{}
	once sync.Once
}

// NewCancelToken creates an unfired CancelToken.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel fires the token. Safe to call more than once or concurrently.
func (c *CancelToken) Cancel() {
	c.once.Do(func() { close(c.ch) })
}

// Done returns a channel that is closed once Cancel has been called, usable
// directly in a select alongside ctx.Done().
func (c *CancelToken) Done() <-chan struct{} {
	return c.ch
}

// Cancelled reports whether Cancel has already been called.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// ErrUnknownTool is returned by Execute when name isn't registered.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Execute validates params against the tool's schema, runs the handler
// under a deadline derived from the tool's timeout and the shared cancel
// token, and sanitizes/truncates any text output. Validation failures and
// handler panics never escape as errors; both become an is_error
// ToolResult.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage, cancel *CancelToken) types.ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return types.ToolResult{Success: false, ResultText: fmt.Sprintf("unknown tool %q", name)}
	}

	if err := ValidateAgainstSchema(t.Schema, params); err != nil {
		return types.ToolResult{Success: false, ResultText: fmt.Sprintf("invalid arguments: %v", err)}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, stopTimer := context.WithTimeout(ctx, timeout)
	defer stopTimer()

	if cancel == nil {
		cancel = NewCancelToken()
	}

	resultCh := make(chan types.ToolResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- types.ToolResult{Success: false, ResultText: fmt.Sprintf("tool %s panicked: %v", name, rec)}
			}
		}()
		resultCh <- t.Handler(execCtx, params, cancel)
	}()

	select {
	case res := <-resultCh:
		return sanitizeResult(res)
	case <-execCtx.Done():
	case <-cancel.Done():
	}
	cancel.Cancel()
	// Give the handler a bounded grace period to honor cancellation and
	// return its own result before we synthesize one.
	select {
	case res := <-resultCh:
		return sanitizeResult(res)
	case <-time.After(5 * time.Second):
		return types.ToolResult{Success: false, ResultText: "tool execution timed out"}
	}
}
