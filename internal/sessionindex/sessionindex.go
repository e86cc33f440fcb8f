// Package sessionindex maintains a derived SQLite cache over the session log
// directory so listing and resuming sessions doesn't require re-parsing
// every NDJSON file. The cache is never authoritative: it is rebuilt from
// the log directory whenever missing or stale, and every invariant a caller
// cares about is still enforced by internal/session against the log files
// themselves.
package sessionindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/kontermux/kon/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	path           TEXT NOT NULL,
	cwd            TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	last_modified  INTEGER NOT NULL,
	message_count  INTEGER NOT NULL,
	leaf_id        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_modified ON sessions(last_modified);
`

// Record is one cached session's summary.
type Record struct {
	SessionID    string
	Path         string
	CWD          string
	CreatedAt    time.Time
	LastModified time.Time
	MessageCount int
	LeafID       int64
}

// Index is a SQLite-backed cache over a directory of session log files.
type Index struct {
	mu  sync.Mutex
	db  *sql.DB
	dir string
}

// Open creates or opens the index database at dbPath, tracking session logs
// under dir.
func Open(dbPath, dir string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session index db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Index{db: db, dir: dir}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	if idx == nil {
		return nil
	}
	return idx.db.Close()
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Refresh rescans dir for session log files newer than what's cached and
// upserts their summaries. Call this before ListSessions/LatestSessionID if
// the cache might be stale; a fresh process should call it once at startup.
func (idx *Index) Refresh() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		path := filepath.Join(idx.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		sessionID := sessionIDFromPath(path)
		cached, ok, err := idx.lookup(sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session index lookup failed")
			continue
		}
		// The cache stores whole seconds, so compare at that granularity.
		if ok && !info.ModTime().Truncate(time.Second).After(cached.LastModified) {
			continue
		}

		if err := idx.rebuildOne(path, sessionID, info.ModTime()); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to index session log")
		}
	}
	return nil
}

func (idx *Index) rebuildOne(path, sessionID string, modTime time.Time) error {
	l, err := session.Load(path)
	if err != nil {
		return err
	}
	defer l.Close()

	header := l.Header()
	messages := l.AllMessages()

	_, err = idx.db.Exec(
		`INSERT INTO sessions (session_id, path, cwd, created_at, last_modified, message_count, leaf_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			path=excluded.path, cwd=excluded.cwd, created_at=excluded.created_at,
			last_modified=excluded.last_modified, message_count=excluded.message_count,
			leaf_id=excluded.leaf_id`,
		sessionID, path, header.CWD, header.CreatedAt.Unix(), modTime.Unix(), len(messages), l.LeafID(),
	)
	return err
}

func (idx *Index) lookup(sessionID string) (Record, bool, error) {
	var r Record
	var created, modified int64
	err := idx.db.QueryRow(
		`SELECT session_id, path, cwd, created_at, last_modified, message_count, leaf_id
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &r.Path, &r.CWD, &created, &modified, &r.MessageCount, &r.LeafID)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.CreatedAt = time.Unix(created, 0)
	r.LastModified = time.Unix(modified, 0)
	return r, true, nil
}

// ListSessions returns every cached session, most recently modified first.
func (idx *Index) ListSessions() ([]Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(
		`SELECT session_id, path, cwd, created_at, last_modified, message_count, leaf_id
		 FROM sessions ORDER BY last_modified DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created, modified int64
		if err := rows.Scan(&r.SessionID, &r.Path, &r.CWD, &created, &modified, &r.MessageCount, &r.LeafID); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		r.LastModified = time.Unix(modified, 0)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastModified.After(out[j].LastModified) })
	return out, rows.Err()
}

// LatestSessionID returns the most recently modified session's id, or ""
// if the index is empty.
func (idx *Index) LatestSessionID() (string, error) {
	records, err := idx.ListSessions()
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].SessionID, nil
}
