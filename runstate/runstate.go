// Package runstate defines the persistence port for the per-thread resumable
// run identifier. The slot lets a client that reloads mid-turn detect a
// possibly in-flight run; it is ephemeral and untrusted. A stored id may
// point to a run the server has already forgotten, so readers must tolerate
// an id that cannot be resumed.
package runstate

import "context"

// Slot is a minimal key-value port. Implementations must treat a missing key
// as ("", nil), not an error.
type Slot interface {
	// Get returns the stored value for key, or "" when absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Clear removes key. Clearing an absent key is not an error.
	Clear(ctx context.Context, key string) error
}

// ForThread returns the slot key holding the current run id for a thread.
func ForThread(threadID string) string {
	return "run:" + threadID
}
