package provider

import (
	"context"
	"sync"
	"time"

	"github.com/kontermux/kon/internal/types"
)

// MockProvider is a test double satisfying the Provider interface: it
// replays a fixed script of events instead of opening a network connection,
// used by agent-loop and compaction tests that need a deterministic stream.
type MockProvider struct {
	mu sync.Mutex

	name      string
	events    []types.StreamEvent
	streamErr error
	delay     time.Duration
	calls     int
}

// NewMock creates a mock provider that replays a single text response
// terminating in StopStop.
func NewMock(name, response string) *MockProvider {
	return &MockProvider{
		name: name,
		events: []types.StreamEvent{
			{Kind: types.EventTextDelta, Text: response},
			{Kind: types.EventDone, StopReason: types.StopStop, Usage: &types.Usage{InputTokens: 10, OutputTokens: 10}},
		},
	}
}

// NewMockScript creates a mock provider that replays an arbitrary event
// script verbatim, for exercising specific stream-parsing edge cases.
func NewMockScript(name string, events []types.StreamEvent) *MockProvider {
	return &MockProvider{name: name, events: events}
}

// NewMockError creates a mock provider whose Stream call fails immediately.
func NewMockError(name string, err error) *MockProvider {
	return &MockProvider{name: name, streamErr: err}
}

// WithDelay sets an artificial per-event delay, used to exercise interrupt
// and timeout handling deterministically.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.delay = d
	return m
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) ShouldRetry(err error) bool { return false }

// CallCount returns how many times Stream has been invoked, used to assert
// multi-round turn-loop behavior (e.g. one call per tool-use round).
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Stream(ctx context.Context, req StreamRequest) (<-chan types.StreamEvent, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.streamErr != nil {
		return nil, m.streamErr
	}

	ch := make(chan types.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range m.events {
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// MockFactory adapts a single pre-built MockProvider to the Factory
// interface so it can be registered and retrieved through a Registry like
// any real provider.
type MockFactory struct {
	name     string
	provider *MockProvider
}

// NewMockFactory wraps an existing MockProvider as a Factory.
func NewMockFactory(name string, p *MockProvider) *MockFactory {
	return &MockFactory{name: name, provider: p}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(cfg ProviderConfig) Provider { return f.provider }
