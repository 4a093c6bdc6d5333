package domain

import (
	"errors"
	"fmt"
)

// ErrTornDown is returned from any reentry point after the engine has been
// closed: lock acquisition, timer-driven batches and new enqueues all
// short-circuit with it.
var ErrTornDown = errors.New("groovecore: engine torn down")

// ErrStaleUpdate notifies the enqueuer of an update that was dropped because
// it predates a reload of the state tree. The update is discarded, never
// applied; the fresh state wins.
var ErrStaleUpdate = errors.New("groovecore: update enqueued before reload, dropped")

// ErrQuotaExceeded is the sentinel a persistence medium must wrap when a
// write fails specifically because the store is out of space. The eviction
// ladder only runs for writes failing with this sentinel.
var ErrQuotaExceeded = errors.New("groovecore: medium quota exceeded")

// FieldError pinpoints a single schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string { return e.Path + ": " + e.Message }

// ValidationError blocks a single save. It is never thrown across the public
// mutation API; callers retrieve it as structured diagnostics.
type ValidationError struct {
	Schema string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %q failed with %d error(s)", e.Schema, len(e.Fields))
}

// StorageQuotaError reports a save that failed even after the full eviction
// ladder. The data loss is surfaced to the caller, never hidden.
type StorageQuotaError struct {
	Key   string
	Steps []string // eviction steps attempted, in order
}

func (e *StorageQuotaError) Error() string {
	return fmt.Sprintf("quota exceeded writing %q after eviction steps %v", e.Key, e.Steps)
}

func (e *StorageQuotaError) Unwrap() error { return ErrQuotaExceeded }

// StorageCorruptionError marks a record whose raw bytes failed to parse.
// It is self-healed: the record is deleted, the default returned, and the
// error logged but never rethrown.
type StorageCorruptionError struct {
	Key   string
	Cause error
}

func (e *StorageCorruptionError) Error() string {
	return fmt.Sprintf("corrupted record %q: %v", e.Key, e.Cause)
}

func (e *StorageCorruptionError) Unwrap() error { return e.Cause }

// LockConflictError is purely advisory. The FIFO lock serializes all
// transactions regardless; CanProceed exists only so a caller can fail fast
// with a clear diagnostic instead of silently queueing.
type LockConflictError struct {
	Requested string
	Active    string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("operation %q conflicts with active %q", e.Requested, e.Active)
}

// PropagationPartialFailure reports a replication pass that pruned one or
// more dead slave ids instead of aborting. Updated counts the slaves that
// actually received the value.
type PropagationPartialFailure struct {
	Param   string
	Updated int
	Pruned  []int
}

func (e *PropagationPartialFailure) Error() string {
	return fmt.Sprintf("propagation of %q updated %d slave(s), pruned %v", e.Param, e.Updated, e.Pruned)
}

// MigrationError wraps a failed migration step. The load path logs it and
// keeps the unmigrated payload; callers tolerate partially-migrated data.
type MigrationError struct {
	Key  string
	From string
	To   string
	Step error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrating %q from %s to %s: %v", e.Key, e.From, e.To, e.Step)
}

func (e *MigrationError) Unwrap() error { return e.Step }

// IsQuotaExceeded reports whether err is, or wraps, the quota sentinel.
func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }
