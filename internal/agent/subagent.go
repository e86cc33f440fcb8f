package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kontermux/kon/internal/provider"
	"github.com/kontermux/kon/internal/session"
	"github.com/kontermux/kon/internal/tool"
	"github.com/kontermux/kon/internal/types"
)

const (
	// DefaultSubAgentIterations is the default tool-round budget for a
	// sub-agent invocation absent an explicit override.
	DefaultSubAgentIterations = 5

	// MaxSubAgentIterations bounds a caller-supplied iteration count.
	MaxSubAgentIterations = 20
)

// SubAgentOptions configures one sub-agent invocation.
type SubAgentOptions struct {
	Provider      provider.Provider
	Registry      *tool.Registry
	SystemPrompt  string
	Prompt        string
	MaxIterations int
}

// SubAgentResult reports a sub-agent run's outcome.
type SubAgentResult struct {
	Content string
	Usage   types.Usage
}

// RunSubAgent executes a bounded, depth-capped turn in a scratch session log
// (discarded on return) and extracts the final assistant text. Sub-agents
// cannot themselves spawn sub-agents: callers should pass a Registry built
// via the root registry's Without(subAgentToolName) so the capability to
// recurse is absent entirely. The turn always runs at Depth MaxDepth, which
// ProcessTurn's Depth check accepts; RunSubAgent does not itself detect
// being called from inside another sub-agent.
func RunSubAgent(ctx context.Context, opts SubAgentOptions) (SubAgentResult, error) {
	if err := ctx.Err(); err != nil {
		return SubAgentResult{}, fmt.Errorf("sub-agent cancelled: %w", err)
	}
	if opts.Provider == nil {
		return SubAgentResult{}, fmt.Errorf("sub-agent: provider is required")
	}
	if opts.Registry == nil {
		return SubAgentResult{}, fmt.Errorf("sub-agent: registry is required")
	}
	if opts.Prompt == "" {
		return SubAgentResult{}, fmt.Errorf("sub-agent: prompt is required")
	}

	maxIter := DefaultSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxSubAgentIterations {
			return SubAgentResult{}, fmt.Errorf("sub-agent: max_iterations too large (max %d)", MaxSubAgentIterations)
		}
		maxIter = opts.MaxIterations
	}

	scratchPath := filepath.Join(os.TempDir(), fmt.Sprintf("kon-subagent-%d.ndjson", os.Getpid()))
	log, err := session.Create(scratchPath, "")
	if err != nil {
		return SubAgentResult{}, fmt.Errorf("sub-agent: creating scratch session: %w", err)
	}
	defer func() {
		log.Close()
		os.Remove(scratchPath)
	}()

	err = ProcessTurn(ctx, Options{
		Provider:      opts.Provider,
		Registry:      opts.Registry,
		Log:           log,
		Input:         types.NewUserMessage(opts.Prompt),
		SystemPrompt:  opts.SystemPrompt,
		MaxToolRounds: maxIter,
		Depth:         MaxDepth,
	})
	if err != nil {
		return SubAgentResult{}, fmt.Errorf("sub-agent failed: %w", err)
	}

	messages := log.AllMessages()
	var finalContent string
	var usage types.Usage
	for _, m := range messages {
		if m.Usage != nil {
			usage = usage.Add(*m.Usage)
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			if text := messages[i].Text(); text != "" {
				finalContent = text
				break
			}
		}
	}
	if finalContent == "" {
		return SubAgentResult{}, fmt.Errorf("sub-agent produced no final text response")
	}

	return SubAgentResult{Content: finalContent, Usage: usage}, nil
}

