// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the nodestore.Store interface.
//
// Records live as long as the Store value, so a pipeline can be resumed
// within one process (tests, long-lived services) but not across
// invocations. Use internal/sqlstore for that.
//
// Each pipeline's records sit in their own sync.Map: instances of one run
// write independent keys at high frequency, which is the access pattern
// sync.Map is optimized for.
package inmemorystore
