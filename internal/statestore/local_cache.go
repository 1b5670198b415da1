package statestore

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowstack/conductor/pkg/convo"
)

// LocalCache is the optional degraded-mode fallback StateStore reads from
// when Redis is unavailable. It serves stale reads with ReadResult.Stale
// set, never accepts writes on behalf of a caller directly (RedisStore
// populates it opportunistically on every successful read/write), and never
// backs a write path itself — "fails closed for writes" per spec.md §4.1.
type LocalCache struct {
	mu sync.Mutex
	db *sql.DB
}

// NewLocalCache opens (creating if absent) a pure-Go embedded SQLite file at
// path for the conversation staleness cache.
func NewLocalCache(path string) (*LocalCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalCache{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (c *LocalCache) Close() error {
	return c.db.Close()
}

// PutConversation opportunistically mirrors the latest known-good
// conversation snapshot into the local cache.
func (c *LocalCache) PutConversation(conv *convo.Conversation) {
	payload, err := json.Marshal(conv)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.db.Exec(
		`INSERT INTO conversations (id, payload, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		conv.ID, string(payload), time.Now().UTC().Unix(),
	)
}

// GetConversation returns the last mirrored snapshot, if any. The caller is
// responsible for marking the result Stale — this cache has no notion of
// freshness beyond "it was true when last written".
func (c *LocalCache) GetConversation(id string) (*convo.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload string
	err := c.db.QueryRow(`SELECT payload FROM conversations WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return nil, false
	}
	var conv convo.Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return nil, false
	}
	return &conv, true
}
