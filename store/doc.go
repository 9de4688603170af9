// Package store provides persisted, mutex-guarded record maps for
// protocol state: sessions, proposals, pending requests and pairings.
//
// Every mutation snapshots the full map to the backing key-value store,
// so state survives restarts. Each store remembers the keys it deleted
// most recently and reports lookups against them as ErrRecentlyDeleted
// rather than ErrNotFound, which lets callers tell a late message for a
// torn-down record apart from one for a record that never existed.
package store
