// Package storage defines the key-value persistence contract used by every
// stateful walletcore component, along with the built-in backends.
//
// The core treats storage as opaque: controllers persist full snapshots of
// their state on every mutation and restore them on startup. Any backend
// satisfying the KeyValue interface can be plugged in through the client
// Options.
//
// Two backends ship with the module: MemoryStore, which keeps everything in
// process (the default, and what the test suite uses), and BoltStore, which
// persists to a bbolt database file.
package storage
