// Package session provides SessionStore implementations for persisting
// session metadata, plus transcript files for backends that keep their own
// conversation history.
//
// Available stores:
//   - [MemoryStore] keeps store mappings in memory (useful for testing).
//   - [FileStore] persists each store path as one JSON object on disk.
//
// Both implement [subctl.SessionStore].
package session
