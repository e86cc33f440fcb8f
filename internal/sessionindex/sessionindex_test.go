package sessionindex

import (
	"path/filepath"
	"testing"

	"github.com/kontermux/kon/internal/session"
	"github.com/kontermux/kon/internal/types"
)

func writeSession(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".ndjson")
	l, err := session.Create(path, "/work/"+name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(session.NewMessageEntry(types.NewUserMessage("hi"))); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRefreshAndListSessions(t *testing.T) {
	dir := t.TempDir()
	writeSession(t, dir, "alpha")
	writeSession(t, dir, "beta")

	idx, err := Open(filepath.Join(dir, "index.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}

	records, err := idx.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}

	byID := make(map[string]Record)
	for _, r := range records {
		byID[r.SessionID] = r
	}
	if byID["alpha"].CWD != "/work/alpha" {
		t.Fatalf("got %+v", byID["alpha"])
	}
	if byID["alpha"].MessageCount != 1 {
		t.Fatalf("got message count %d", byID["alpha"].MessageCount)
	}
}

func TestLatestSessionID_EmptyIndex(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	id, err := idx.LatestSessionID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestRefresh_SkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSession(t, dir, "gamma")

	idx, err := Open(filepath.Join(dir, "index.db"), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}

	records, err := idx.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
}
