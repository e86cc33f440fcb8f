// Package compact implements overflow detection and conversation
// summarization for the context compactor (component G).
package compact

import (
	"context"
	"strings"

	"github.com/kontermux/kon/internal/provider"
	"github.com/kontermux/kon/internal/types"
)

// SummarizationPrompt is the fixed instruction appended to the full
// conversation when generating a compaction summary. Verbatim from the
// original implementation's SUMMARIZATION_PROMPT template.
const SummarizationPrompt = `Provide a detailed prompt for continuing our conversation above. Focus on information that would be helpful for continuing the conversation, including what we did, what we're doing, which files we're working on, and what we're going to do next. The summary that you construct will be used so that another agent can read it and continue the work.

When constructing the summary, try to stick to this template:
---
## Goal

[What goal(s) is the user trying to accomplish?]

## Instructions

- [What important instructions did the user give you that are relevant]
- [If there is a plan or spec, include information about it
  so next agent can continue using it]

## Discoveries

[What notable things were learned during this conversation that would
be useful for the next agent to know when continuing the work]

## Accomplished

[What work has been completed, what work is still in progress,
and what work is left?]

## Relevant files / directories

[Construct a structured list of relevant files that have been read,
edited, or created that pertain to the task at hand. If all the files
in a directory are relevant, include the path to the directory.]
---`

// CanonicalSummaryProbe is the synthetic user question prepended to the
// compacted view ahead of the assistant's summary.
const CanonicalSummaryProbe = "What did we do so far?"

// IsOverflow implements the overflow predicate:
// total_tokens >= context_window - min(buffer_tokens, max_output_tokens).
func IsOverflow(u types.Usage, contextWindow, maxOutputTokens, bufferTokens int) bool {
	reserved := bufferTokens
	if maxOutputTokens < reserved {
		reserved = maxOutputTokens
	}
	usable := contextWindow - reserved
	return u.Total() >= usable
}

// Default context budget.
const (
	DefaultContextWindow = 200_000
	DefaultBufferTokens  = 20_000
)

// GenerateSummary sends the full conversation plus the fixed summarization
// instruction to the provider with tools disabled, and concatenates the
// resulting text deltas into the summary string.
func GenerateSummary(ctx context.Context, prov provider.Provider, allMessages []types.Message, systemPrompt string) (string, error) {
	summaryMessages := make([]types.Message, 0, len(allMessages)+1)
	summaryMessages = append(summaryMessages, allMessages...)
	summaryMessages = append(summaryMessages, types.NewUserMessage(SummarizationPrompt))

	events, err := prov.Stream(ctx, provider.StreamRequest{
		Messages:     summaryMessages,
		SystemPrompt: systemPrompt,
		Tools:        nil,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Kind {
		case types.EventTextDelta:
			b.WriteString(ev.Text)
		case types.EventError:
			return "", ev.Err
		}
	}
	return b.String(), nil
}

// BuildCompactedPreamble constructs the canonical two-message synthetic
// preamble substituted for pre-cut history: a fixed user probe and the
// assistant summary.
func BuildCompactedPreamble(summary string) []types.Message {
	return []types.Message{
		types.NewUserMessage(CanonicalSummaryProbe),
		types.NewAssistantMessage([]types.Part{types.TextPart(summary)}, nil, types.StopStop),
	}
}
