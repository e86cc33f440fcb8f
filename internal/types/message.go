// Package types defines the canonical message, stream-event, usage, and
// stop-reason variants shared by the provider engine, the session log, and
// the agent turn loop.
package types

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// PartKind tags the variant held by a Part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartThinking PartKind = "thinking"
	PartToolCall PartKind = "tool_call"
)

// Part is a tagged union of the content fragments that make up a message.
// Only the fields relevant to Kind are populated; callers must switch on Kind
// rather than probing fields.
type Part struct {
	Kind PartKind

	// PartText
	Text string

	// PartImage
	MimeType  string
	ImageData string // base64

	// PartThinking
	Thinking  string
	Signature string // opaque, echoed back verbatim on the next request

	// PartToolCall
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string // raw JSON object text
}

// TextPart constructs a text Part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ImagePart constructs an image Part.
func ImagePart(mimeType, data string) Part {
	return Part{Kind: PartImage, MimeType: mimeType, ImageData: data}
}

// ThinkingPart constructs a thinking Part.
func ThinkingPart(thinking, signature string) Part {
	return Part{Kind: PartThinking, Thinking: thinking, Signature: signature}
}

// ToolCallPart constructs a tool-call Part.
func ToolCallPart(id, name, argsJSON string) Part {
	return Part{Kind: PartToolCall, ToolCallID: id, ToolCallName: name, ToolCallArgs: argsJSON}
}

// Message is the canonical tagged variant described by the data model: a
// UserMessage, AssistantMessage, or ToolResultMessage. Role selects the
// variant; only the fields meaningful to that variant are populated.
type Message struct {
	Role Role

	// Parts holds the ordered content for User and Assistant messages.
	Parts []Part

	// Assistant-only.
	Usage      *Usage
	StopReason StopReason

	// ToolResult-only.
	ToolCallID    string
	ToolName      string
	IsError       bool
	DisplayMarkup string

	CreatedAt time.Time
}

// NewUserMessage builds a UserMessage from plain text.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}, CreatedAt: time.Now()}
}

// NewUserMessageParts builds a UserMessage from an ordered sequence of parts
// (text/image), as required when the input is not plain text.
func NewUserMessageParts(parts []Part) Message {
	return Message{Role: RoleUser, Parts: parts, CreatedAt: time.Now()}
}

// NewAssistantMessage builds an AssistantMessage from its parts, usage, and
// stop reason.
func NewAssistantMessage(parts []Part, usage *Usage, stop StopReason) Message {
	return Message{Role: RoleAssistant, Parts: parts, Usage: usage, StopReason: stop, CreatedAt: time.Now()}
}

// NewToolResultMessage builds a ToolResultMessage.
func NewToolResultMessage(toolCallID, toolName string, parts []Part, isError bool, display string) Message {
	return Message{
		Role:          RoleToolResult,
		ToolCallID:    toolCallID,
		ToolName:      toolName,
		Parts:         parts,
		IsError:       isError,
		DisplayMarkup: display,
		CreatedAt:     time.Now(),
	}
}

// Text concatenates all text parts of the message (used for flattening to a
// provider wire format that only accepts a string body, e.g. Copilot).
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of an AssistantMessage, in order.
func (m Message) ToolCalls() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// HasImage reports whether any part of the message is an image — used by the
// Copilot vision-detection header rule.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Kind == PartImage {
			return true
		}
	}
	return false
}

// MergeAdjacentDeltas concatenates adjacent text/thinking parts of the same
// kind, keeping the later non-empty signature for thinking parts. This is the
// only merge behavior canonical types define per the component design.
func MergeAdjacentDeltas(parts []Part) []Part {
	if len(parts) == 0 {
		return parts
	}
	merged := make([]Part, 0, len(parts))
	for _, p := range parts {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			switch {
			case p.Kind == PartText && last.Kind == PartText:
				last.Text += p.Text
				continue
			case p.Kind == PartThinking && last.Kind == PartThinking:
				last.Thinking += p.Thinking
				if p.Signature != "" {
					last.Signature = p.Signature
				}
				continue
			}
		}
		merged = append(merged, p)
	}
	return merged
}
