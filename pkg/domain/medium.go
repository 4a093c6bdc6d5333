package domain

import "context"

// Medium is the byte-oriented key-value store the persistence layer writes
// through. Implementations must wrap ErrQuotaExceeded when a write fails for
// lack of space so the caller can distinguish it from other write failures.
type Medium interface {
	// Get returns the stored bytes for key, with ok=false when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value under key, wrapping ErrQuotaExceeded on a full store.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys enumerates every stored key in unspecified order.
	Keys(ctx context.Context) ([]string, error)
}
