// Package store implements the persistent tier of the image cache: a
// size-bounded, least-recently-used store of byte streams with write
// transactions. Backends are registered as providers ("disk", "redis",
// "disabled") and created through New or Open.
package store

import "io"

// EvictCallback is called when an entry is evicted to stay under the byte budget.
type EvictCallback func(key string, size int64)

// Store is a key-value store of byte streams with LRU eviction.
//
// Each entry holds ValueCount streams addressed by index. Entries are
// created by committing an Editor and read through a Snapshot.
type Store interface {
	// Edit opens a write transaction for key. It fails with
	// *apperrors.ErrEditInProgress when one is already open for key, and
	// with apperrors.ErrStoreDisabled when the store is disabled.
	Edit(key string) (Editor, error)
	// Get returns a readable view of the committed streams for key and marks
	// the entry most recently used. A miss is *apperrors.ErrNotFound.
	Get(key string) (Snapshot, error)
	// Remove drops the committed entry for key, if any.
	Remove(key string) error
	// Flush forces buffered metadata to durable storage.
	Flush() error
	// Size returns the number of bytes held by committed entries.
	Size() int64
	// MaxSize returns the byte budget.
	MaxSize() int64
	// Len returns the number of committed entries.
	Len() int
	// Disabled reports whether the store is running in disabled mode.
	Disabled() bool
	// Close releases files and connections held by the store.
	Close() error
}

// Editor is an open write transaction for one key.
type Editor interface {
	Key() string
	// Writer returns the sink for stream index. Repeated calls return the
	// same writer.
	Writer(index int) (io.Writer, error)
	// Commit atomically publishes every written stream.
	Commit() error
	// Abort discards partial writes. Aborting after Commit is a no-op.
	Abort() error
}

// Snapshot is a read view of one committed entry. It must be closed; an
// entry with an open snapshot is never evicted.
type Snapshot interface {
	Key() string
	// Reader returns a seekable reader for stream index, positioned at the start.
	Reader(index int) (io.ReadSeeker, error)
	// Length returns the byte length of stream index.
	Length(index int) int64
	Close() error
}
