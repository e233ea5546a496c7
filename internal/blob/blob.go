// Package blob defines the durable object store behind caches, artifacts and
// release assets, and a go-billy backed implementation for local
// directories and in-memory use.
//
// Keys are slash-separated. Every write becomes visible atomically: a reader
// sees either no object or the complete object, never a partial one.
package blob

import (
	"context"
	"time"
)

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is the narrow object-store interface consumed by relgrid.
//
// Errors carry errs codes: CodeNotFound for missing keys and CodeTransient
// for failures worth retrying.
type Store interface {
	// Get returns the object's content.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stat returns the object's metadata.
	Stat(ctx context.Context, key string) (Info, error)

	// Put writes the object, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent writes the object only if the key has never been written.
	// It reports whether this call created it; losing to an existing object is
	// not an error.
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Info, error)
}
