// Package registry provides run registry backends: an in-memory registry
// and a SQLite-backed one. Both implement subctl.RunRecorder.
package registry
