package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kontermux/kon/internal/compact"
	"github.com/kontermux/kon/internal/types"
)

// Log is one session's append-only entry file.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	header  Header
	entries []Entry
	leafID  int64
	nextID  int64
}

// Create starts a new session file at path, stamped with cwd, and writes
// its header record.
func Create(path, cwd string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	header := Header{Version: CurrentVersion, CWD: cwd, CreatedAt: time.Now()}
	line, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, err
	}

	return &Log{path: path, file: f, header: header, nextID: 1}, nil
}

// Load parses every entry in path and rebuilds the current leaf: the tip of
// the longest parent-linked chain reachable from the root. For an
// un-forked file this is simply the last entry written.
func Load(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header Header
	var entries []Entry
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &header); err != nil {
				return nil, fmt.Errorf("parsing session header: %w", err)
			}
			first = false
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Malformed entries are dropped rather than failing the load,
			// consistent with the "unknown variants are dropped" rule.
			continue
		}
		// Entries of an unknown kind are dropped as well.
		switch e.Kind {
		case KindMessage, KindModelChange, KindThinkingLevelChange, KindCompaction, KindCustomMessage:
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := &Log{path: path, file: f, header: header, entries: entries}
	l.leafID, l.nextID = computeLeaf(entries)
	return l, nil
}

// computeLeaf returns (leaf id, next id to assign) given a set of entries
// whose parent links may fork into more than one dead-end chain; the
// correct leaf is the tip of the chain with the greatest depth from the
// root, not necessarily the entry with the highest id.
func computeLeaf(entries []Entry) (leafID, nextID int64) {
	if len(entries) == 0 {
		return 0, 1
	}

	byID := make(map[int64]Entry, len(entries))
	hasChild := make(map[int64]bool, len(entries))
	var maxID int64
	for _, e := range entries {
		byID[e.ID] = e
		hasChild[e.ParentID] = true
		if e.ID > maxID {
			maxID = e.ID
		}
	}

	depth := func(id int64) int {
		d := 0
		for {
			e, ok := byID[id]
			if !ok {
				return d
			}
			d++
			if e.ParentID == 0 {
				return d
			}
			id = e.ParentID
		}
	}

	var bestID int64
	bestDepth := -1
	for _, e := range entries {
		if hasChild[e.ID] {
			continue // not a leaf
		}
		d := depth(e.ID)
		if d > bestDepth || (d == bestDepth && e.ID > bestID) {
			bestDepth = d
			bestID = e.ID
		}
	}
	return bestID, maxID + 1
}

// Append assigns e an id and parent-id (the current leaf), persists it, and
// advances the leaf. The returned Entry has its ID/ParentID/Timestamp
// populated.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.nextID
	e.ParentID = l.leafID
	e.Timestamp = time.Now()

	if e.Kind == KindMessage && e.Message != nil && e.Message.Role == types.RoleToolResult {
		if err := validateToolResultPairing(l.entries, *e.Message); err != nil {
			return Entry{}, err
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, err
	}

	l.entries = append(l.entries, e)
	l.nextID++
	l.leafID = e.ID
	return e, nil
}

// AppendCompaction appends a CompactionEntry cut at the current leaf. The
// last MessageEntry must be a fully-resolved AssistantMessage (no pending
// tool calls), per the "compaction only at an assistant-finalized boundary"
// invariant.
func (l *Log) AppendCompaction(summary string, tokensBefore int, details map[string]any) (Entry, error) {
	l.mu.Lock()
	last := lastMessageEntry(l.entries)
	l.mu.Unlock()

	if last != nil {
		if last.Message.Role != types.RoleAssistant {
			return Entry{}, fmt.Errorf("compaction boundary must follow an assistant message, got %s", last.Message.Role)
		}
		if len(last.Message.ToolCalls()) > 0 {
			return Entry{}, fmt.Errorf("compaction boundary must follow an assistant message with no pending tool calls")
		}
	}

	return l.Append(NewCompactionEntry(summary, l.LeafID(), tokensBefore, details))
}

// LeafID returns the current leaf entry id (0 if the log is empty).
func (l *Log) LeafID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leafID
}

// Header returns the session's header record.
func (l *Log) Header() Header {
	return l.header
}

// Entries returns a copy of every entry in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	return l.file.Close()
}

func lastMessageEntry(entries []Entry) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == KindMessage && entries[i].Message != nil {
			e := entries[i]
			return &e
		}
	}
	return nil
}

// validateToolResultPairing enforces that every tool-result message
// references exactly one preceding, still-unanswered tool-call.
func validateToolResultPairing(entries []Entry, result types.Message) error {
	open := make(map[string]bool)
	for _, e := range entries {
		if e.Kind != KindMessage || e.Message == nil {
			continue
		}
		m := *e.Message
		switch m.Role {
		case types.RoleAssistant:
			for _, tc := range m.ToolCalls() {
				open[tc.ToolCallID] = true
			}
		case types.RoleToolResult:
			delete(open, m.ToolCallID)
		}
	}
	if !open[result.ToolCallID] {
		return fmt.Errorf("tool result references unknown or already-answered call %q", result.ToolCallID)
	}
	return nil
}

// AllMessages returns every MessageEntry's Message in append order,
// ignoring compaction boundaries. Used for export and as summarization
// input.
func (l *Log) AllMessages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return allMessages(l.entries)
}

func allMessages(entries []Entry) []types.Message {
	var out []types.Message
	for _, e := range entries {
		if e.Kind == KindMessage && e.Message != nil {
			out = append(out, *e.Message)
		}
	}
	return out
}

// Messages returns the compacted view: if the chain contains at least one
// CompactionEntry, the synthetic (user, assistant-summary) pair from the
// latest compaction followed by every MessageEntry after its cut point;
// otherwise the full MessageEntry list.
func (l *Log) Messages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *Entry
	for i := range l.entries {
		if l.entries[i].Kind == KindCompaction {
			e := l.entries[i]
			latest = &e
		}
	}
	if latest == nil {
		return allMessages(l.entries)
	}

	out := compact.BuildCompactedPreamble(latest.Summary)
	for _, e := range l.entries {
		if e.Kind == KindMessage && e.Message != nil && e.ID > latest.FirstKeptEntryID {
			out = append(out, *e.Message)
		}
	}
	return out
}

// Fork creates a new session file at newPath containing the chain from the
// root up to and including entryID, and returns a Log positioned so that
// subsequent appends branch from there.
func (l *Log) Fork(entryID int64, newPath string) (*Log, error) {
	l.mu.Lock()
	chain, err := chainUpTo(l.entries, entryID)
	header := l.header
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	headerLine, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(append(headerLine, '\n')); err != nil {
		f.Close()
		return nil, err
	}
	for _, e := range chain {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return nil, err
		}
	}

	leafID, nextID := computeLeaf(chain)
	return &Log{path: newPath, file: f, header: header, entries: chain, leafID: leafID, nextID: nextID}, nil
}

// chainUpTo walks parent links from entryID back to the root and returns
// the entries in root-to-leaf order.
func chainUpTo(entries []Entry, entryID int64) ([]Entry, error) {
	byID := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var reversed []Entry
	id := entryID
	for id != 0 {
		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("fork: entry %d not found", id)
		}
		reversed = append(reversed, e)
		id = e.ParentID
	}

	chain := make([]Entry, len(reversed))
	for i, e := range reversed {
		chain[len(reversed)-1-i] = e
	}
	return chain, nil
}
