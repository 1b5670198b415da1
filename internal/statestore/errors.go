package statestore

import "errors"

// ErrTransient wraps a backend failure the caller should retry with bounded
// backoff (connection refused, timeout, context deadline on the Redis round
// trip).
var ErrTransient = errors.New("statestore: transient backend failure")

// ErrConflict wraps a WATCH/MULTI optimistic-concurrency failure on
// UpdateConversation; the caller must re-read and reconcile.
var ErrConflict = errors.New("statestore: concurrent update conflict")

// ErrNotFound indicates the requested key has no record (distinct from a
// stale-but-present local cache read).
var ErrNotFound = errors.New("statestore: not found")
