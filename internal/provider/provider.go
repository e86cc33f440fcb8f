// Package provider implements the provider engine (component C): per-protocol
// request builders and streaming parsers unified behind a single Provider
// interface and StreamEvent iterator.
package provider

import (
	"context"
	"errors"

	"github.com/kontermux/kon/internal/types"
)

// ErrProviderNotFound is returned when a requested provider doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// ThinkingLevel is the coarse reasoning-effort dial shared across providers.
type ThinkingLevel string

const (
	ThinkingNone    ThinkingLevel = "none"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// budgetTokensByLevel maps a ThinkingLevel to the Anthropic budget_tokens used
// for non-adaptive-thinking models.
var budgetTokensByLevel = map[ThinkingLevel]int{
	ThinkingNone:    0,
	ThinkingMinimal: 1024,
	ThinkingLow:     2048,
	ThinkingMedium:  4096,
	ThinkingHigh:    8192,
	ThinkingXHigh:   16384,
}

// BudgetTokens returns the Anthropic budget_tokens for a thinking level.
func BudgetTokens(level ThinkingLevel) int {
	return budgetTokensByLevel[level]
}

// effortByLevel maps a ThinkingLevel to the Responses-API reasoning.effort
// and to the adaptive-thinking output_config.effort value. Both wire formats
// use the same coarse vocabulary.
var effortByLevel = map[ThinkingLevel]string{
	ThinkingNone:    "none",
	ThinkingMinimal: "minimal",
	ThinkingLow:     "low",
	ThinkingMedium:  "medium",
	ThinkingHigh:    "high",
	ThinkingXHigh:   "xhigh",
}

// Effort returns the reasoning.effort string for a thinking level.
func Effort(level ThinkingLevel) string {
	if e, ok := effortByLevel[level]; ok {
		return e
	}
	return "medium"
}

// ProviderConfig holds the shared configuration used to construct any
// provider variant.
type ProviderConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	Temperature   *float64
	ThinkingLevel ThinkingLevel

	// ChatGPTAccountID is the `chatgpt-account-id` header value for the
	// ChatGPT-backend Responses variant, extracted from the stored token's
	// JWT claim by the credential store.
	ChatGPTAccountID string
}

// StreamRequest is the provider-agnostic request shape.
type StreamRequest struct {
	Messages       []types.Message
	SystemPrompt   string
	Tools          []types.ToolDefinition
	Temperature    *float64
	MaxTokens      int
	PromptCacheKey string // stable per-session key for Responses-API prompt_cache_key
}

// Provider is the capability set every wire-protocol implementation
// satisfies: stream(...) -> EventStream, should_retry(error).
//
// Stream returns a channel that is closed after an EventDone or EventError
// event is sent — the channel is a finite, single-use iterator. Terminal
// metadata (usage, stop reason) is carried on the final EventDone event
// itself, guaranteeing it is populated before end-of-sequence, per the
// streaming-iterator design note. The channel can also close with neither
// event: after ctx is cancelled, and in the Responses-protocol parsers
// (OpenAI and ChatGPT) when the body ends, or a ChatGPT `[DONE]` frame
// arrives, before any terminal response event.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error)
	ShouldRetry(err error) bool
}

// Factory creates a configured Provider instance.
type Factory interface {
	Name() string
	Create(cfg ProviderConfig) Provider
}

// Registry holds available provider factories, keyed by name.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory registers a provider factory under name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.factories[name] = f
}

// Create instantiates a provider by factory name.
func (r *Registry) Create(name string, cfg ProviderConfig) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return f.Create(cfg), nil
}

// List returns all registered factory names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
