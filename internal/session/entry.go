// Package session implements the append-only session log (component D):
// entries with parent-id linkage, leaf-chain reconstruction, forking, and
// the compacted vs. full message views consumed by the provider engine.
package session

import (
	"time"

	"github.com/kontermux/kon/internal/types"
)

// Kind tags the variant a session Entry carries.
type Kind string

const (
	KindMessage             Kind = "message"
	KindModelChange         Kind = "model_change"
	KindThinkingLevelChange Kind = "thinking_level_change"
	KindCompaction          Kind = "compaction"
	KindCustomMessage       Kind = "custom_message"
)

// Entry is one append-only session record: a tagged variant discriminated
// by Kind, carrying stable ids and parent-id linkage for fork support.
// Serialized one per line as NDJSON.
type Entry struct {
	Kind      Kind      `json:"kind"`
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"`
	Timestamp time.Time `json:"timestamp"`

	// MessageEntry payload.
	Message *types.Message `json:"message,omitempty"`

	// ModelChangeEntry payload.
	ModelID  string `json:"model_id,omitempty"`
	Provider string `json:"provider,omitempty"`

	// ThinkingLevelChangeEntry payload.
	ThinkingLevel string `json:"thinking_level,omitempty"`

	// CompactionEntry payload.
	Summary          string         `json:"summary,omitempty"`
	FirstKeptEntryID int64          `json:"first_kept_entry_id,omitempty"`
	TokensBefore     int            `json:"tokens_before,omitempty"`
	Details          map[string]any `json:"details,omitempty"`

	// CustomMessageEntry payload.
	Content string `json:"content,omitempty"`
	Display string `json:"display,omitempty"`
}

// NewMessageEntry wraps a canonical Message as an Entry. ID, ParentID, and
// Timestamp are assigned by Log.Append.
func NewMessageEntry(msg types.Message) Entry {
	return Entry{Kind: KindMessage, Message: &msg}
}

// NewModelChangeEntry records a mid-session model/provider switch.
func NewModelChangeEntry(modelID, provider string) Entry {
	return Entry{Kind: KindModelChange, ModelID: modelID, Provider: provider}
}

// NewThinkingLevelChangeEntry records a mid-session thinking-level switch.
func NewThinkingLevelChangeEntry(level string) Entry {
	return Entry{Kind: KindThinkingLevelChange, ThinkingLevel: level}
}

// NewCompactionEntry records a summarization boundary: firstKeptEntryID is
// the id of the leaf entry at the time of compaction (the cut point) —
// Messages() keeps only MessageEntry entries with an id strictly after it.
func NewCompactionEntry(summary string, firstKeptEntryID int64, tokensBefore int, details map[string]any) Entry {
	return Entry{
		Kind:             KindCompaction,
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
	}
}

// NewCustomMessageEntry records an out-of-band note (not part of the model
// conversation) with an optional display string for the UI.
func NewCustomMessageEntry(content, display string) Entry {
	return Entry{Kind: KindCustomMessage, Content: content, Display: display}
}

// Header is the first record of every session file.
type Header struct {
	Version   int       `json:"version"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
}

// CurrentVersion is the session file format version written by Create.
const CurrentVersion = 1
