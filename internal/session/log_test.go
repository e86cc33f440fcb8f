package session

import (
	"path/filepath"
	"testing"

	"github.com/kontermux/kon/internal/types"
)

func assistant(t *testing.T, text string) types.Message {
	t.Helper()
	return types.NewAssistantMessage([]types.Part{types.TextPart(text)}, nil, types.StopStop)
}

func TestAppend_AssignsIDsAndParentChain(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	e1, err := log.Append(NewMessageEntry(types.NewUserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if e1.ID != 1 || e1.ParentID != 0 {
		t.Fatalf("got id=%d parent=%d", e1.ID, e1.ParentID)
	}

	e2, err := log.Append(NewMessageEntry(assistant(t, "hello")))
	if err != nil {
		t.Fatal(err)
	}
	if e2.ID != 2 || e2.ParentID != 1 {
		t.Fatalf("got id=%d parent=%d", e2.ID, e2.ParentID)
	}
}

func TestAppend_ToolResultPairing(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	// Tool result with no preceding call must be rejected.
	bad := types.NewToolResultMessage("call-1", "echo", []types.Part{types.TextPart("out")}, false, "")
	if _, err := log.Append(NewMessageEntry(bad)); err == nil {
		t.Fatal("expected error for unmatched tool result")
	}

	// A call followed by its matching result must succeed.
	call := types.NewAssistantMessage([]types.Part{types.ToolCallPart("call-1", "echo", `{}`)}, nil, types.StopToolUse)
	if _, err := log.Append(NewMessageEntry(call)); err != nil {
		t.Fatal(err)
	}
	good := types.NewToolResultMessage("call-1", "echo", []types.Part{types.TextPart("out")}, false, "")
	if _, err := log.Append(NewMessageEntry(good)); err != nil {
		t.Fatalf("expected matched tool result to succeed: %v", err)
	}

	// The same call cannot be answered twice.
	dup := types.NewToolResultMessage("call-1", "echo", []types.Part{types.TextPart("again")}, false, "")
	if _, err := log.Append(NewMessageEntry(dup)); err == nil {
		t.Fatal("expected error for already-answered call")
	}
}

func TestMessages_NoCompactionReturnsAll(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	log.Append(NewMessageEntry(types.NewUserMessage("a")))
	log.Append(NewMessageEntry(assistant(t, "b")))

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Text() != "a" || msgs[1].Text() != "b" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestMessages_CompactedView(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	log.Append(NewMessageEntry(types.NewUserMessage("first"))) // id 1
	log.Append(NewMessageEntry(assistant(t, "reply-1")))       // id 2

	if _, err := log.AppendCompaction("summary of everything so far", 0, nil); err != nil {
		t.Fatalf("compaction: %v", err)
	}

	log.Append(NewMessageEntry(types.NewUserMessage("after compaction"))) // id 4
	log.Append(NewMessageEntry(assistant(t, "reply-2")))                  // id 5

	msgs := log.Messages()
	// synthetic (user probe, assistant summary) + 2 post-cut messages.
	if len(msgs) != 4 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != types.RoleUser {
		t.Fatalf("expected synthetic user probe first, got %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Text() != "summary of everything so far" {
		t.Fatalf("expected summary assistant message, got %+v", msgs[1])
	}
	if msgs[2].Text() != "after compaction" {
		t.Fatalf("got %+v", msgs[2])
	}
	if msgs[3].Text() != "reply-2" {
		t.Fatalf("got %+v", msgs[3])
	}

	all := log.AllMessages()
	if len(all) != 4 {
		t.Fatalf("AllMessages should ignore compaction, got %d", len(all))
	}
}

func TestMessages_MultipleCompactionsUsesLatest(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	log.Append(NewMessageEntry(types.NewUserMessage("first")))
	log.Append(NewMessageEntry(assistant(t, "reply-1")))
	if _, err := log.AppendCompaction("first summary", 0, nil); err != nil {
		t.Fatal(err)
	}

	log.Append(NewMessageEntry(types.NewUserMessage("second")))
	log.Append(NewMessageEntry(assistant(t, "reply-2")))
	if _, err := log.AppendCompaction("second summary", 0, nil); err != nil {
		t.Fatal(err)
	}

	log.Append(NewMessageEntry(types.NewUserMessage("third")))

	msgs := log.Messages()
	if msgs[1].Text() != "second summary" {
		t.Fatalf("expected latest summary to win, got %+v", msgs[1])
	}
	if msgs[len(msgs)-1].Text() != "third" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestAppendCompaction_RejectsPendingToolCalls(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "s.ndjson"), "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	log.Append(NewMessageEntry(types.NewUserMessage("do a thing")))
	call := types.NewAssistantMessage([]types.Part{types.ToolCallPart("call-1", "echo", `{}`)}, nil, types.StopToolUse)
	log.Append(NewMessageEntry(call))

	if _, err := log.AppendCompaction("summary", 0, nil); err == nil {
		t.Fatal("expected compaction to be rejected while a tool call is pending")
	}
}

func TestLoad_RoundTripPreservesLeafAndEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.ndjson")
	log, err := Create(path, "/work")
	if err != nil {
		t.Fatal(err)
	}

	log.Append(NewMessageEntry(types.NewUserMessage("hi")))
	log.Append(NewMessageEntry(assistant(t, "hello")))
	log.Append(NewModelChangeEntry("gpt-5", "openai"))
	wantLeaf := log.LeafID()
	log.Close()

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Close()

	if loaded.LeafID() != wantLeaf {
		t.Fatalf("got leaf %d want %d", loaded.LeafID(), wantLeaf)
	}
	if len(loaded.Entries()) != 3 {
		t.Fatalf("got %d entries", len(loaded.Entries()))
	}
	if loaded.Header().CWD != "/work" {
		t.Fatalf("got cwd %q", loaded.Header().CWD)
	}

	// Appending after Load should continue the id sequence.
	e, err := loaded.Append(NewMessageEntry(types.NewUserMessage("more")))
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 4 || e.ParentID != wantLeaf {
		t.Fatalf("got id=%d parent=%d", e.ID, e.ParentID)
	}
}

func TestFork_CreatesIndependentChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.ndjson")
	log, err := Create(path, "/work")
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	e1, _ := log.Append(NewMessageEntry(types.NewUserMessage("first")))
	log.Append(NewMessageEntry(assistant(t, "reply")))

	forkPath := filepath.Join(dir, "fork.ndjson")
	forked, err := log.Fork(e1.ID, forkPath)
	if err != nil {
		t.Fatal(err)
	}
	defer forked.Close()

	if len(forked.Entries()) != 1 {
		t.Fatalf("expected fork to contain only entries up to the fork point, got %d", len(forked.Entries()))
	}
	if forked.LeafID() != e1.ID {
		t.Fatalf("got leaf %d want %d", forked.LeafID(), e1.ID)
	}

	branched, err := forked.Append(NewMessageEntry(assistant(t, "different reply")))
	if err != nil {
		t.Fatal(err)
	}
	if branched.ParentID != e1.ID {
		t.Fatalf("got parent %d want %d", branched.ParentID, e1.ID)
	}

	// Reloading the fork must reconstruct the same leaf independent of the
	// original file.
	reloaded, err := Load(forkPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()
	if reloaded.LeafID() != branched.ID {
		t.Fatalf("got leaf %d want %d", reloaded.LeafID(), branched.ID)
	}
}
