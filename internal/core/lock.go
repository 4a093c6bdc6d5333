package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"groovecore/pkg/domain"
)

// journalCap bounds the transaction outcome log.
const journalCap = 100

// Ticket represents one grant of the global lock.
type Ticket struct {
	ID         string
	Op         string
	AcquiredAt time.Time
}

type waiter struct {
	ticket *Ticket
	ready  chan struct{}
	err    error
}

// JournalEntry records the outcome of one atomic transaction.
type JournalEntry struct {
	Op       string        `json:"op"`
	Version  uint64        `json:"version"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Err      string        `json:"err,omitempty"`
}

// LockManager is the single global FIFO ticket queue. There is one queue for
// the whole engine, not one per resource: every atomic transaction runs
// strictly after the previous one releases. The conflict table behind
// CanProceed is advisory only.
type LockManager struct {
	mu        sync.Mutex
	active    *Ticket
	waiters   []*waiter
	tornDown  bool
	conflicts map[string][]string

	version atomic.Uint64

	journal     [journalCap]JournalEntry
	journalLen  int
	journalNext int

	log *slog.Logger
}

// defaultConflicts is the static advisory conflict table. A preset load
// conflicts with any other preset operation; a factory reset conflicts with
// everything that rewrites the tree wholesale.
var defaultConflicts = map[string][]string{
	"preset-load":   {"preset-load", "preset-save", "preset-delete", "factory-reset"},
	"preset-save":   {"preset-load", "preset-delete", "factory-reset"},
	"preset-delete": {"preset-load", "preset-save", "factory-reset"},
	"factory-reset": {"preset-load", "preset-save", "preset-delete", "batch-update"},
}

// NewLockManager constructs the global lock.
func NewLockManager(log *slog.Logger) *LockManager {
	if log == nil {
		log = slog.Default()
	}
	return &LockManager{conflicts: defaultConflicts, log: log}
}

// Version returns the version of the most recent atomic transaction.
func (l *LockManager) Version() uint64 { return l.version.Load() }

// Acquire returns a ticket once no other ticket is active, queueing FIFO
// behind the current holder otherwise.
func (l *LockManager) Acquire(ctx context.Context, op string) (*Ticket, error) {
	l.mu.Lock()
	if l.tornDown {
		l.mu.Unlock()
		return nil, domain.ErrTornDown
	}
	t := &Ticket{ID: uuid.NewString(), Op: op}
	if l.active == nil {
		t.AcquiredAt = time.Now()
		l.active = t
		l.mu.Unlock()
		return t, nil
	}
	w := &waiter{ticket: t, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return t, nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, qw := range l.waiters {
			if qw == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// Granted concurrently with cancellation; give the grant back.
		<-w.ready
		if w.err == nil {
			l.Release(t)
		}
		return nil, ctx.Err()
	}
}

// Release grants the next queued ticket.
func (l *LockManager) Release(t *Ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || t == nil || l.active.ID != t.ID {
		return
	}
	l.active = nil
	if len(l.waiters) == 0 {
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	next.ticket.AcquiredAt = time.Now()
	l.active = next.ticket
	close(next.ready)
}

// CanProceed is an advisory pre-check against the static conflict table.
// Real serialization is guaranteed by the FIFO queue regardless; this only
// lets callers fail fast with a clear diagnostic instead of silently
// queueing behind a conflicting operation.
func (l *LockManager) CanProceed(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil
	}
	for _, conflicting := range l.conflicts[op] {
		if l.active.Op == conflicting {
			return &domain.LockConflictError{Requested: op, Active: l.active.Op}
		}
	}
	return nil
}

// AtomicTransaction serializes fn behind the global lock: acquire, bump the
// state version, run fn, journal the outcome, release in a guaranteed
// cleanup step, and hand fn's error back unchanged.
func (l *LockManager) AtomicTransaction(ctx context.Context, op string, fn func(version uint64) error) error {
	t, err := l.Acquire(ctx, op)
	if err != nil {
		return err
	}
	defer l.Release(t)

	version := l.version.Add(1)
	start := time.Now()
	err = fn(version)
	l.record(JournalEntry{
		Op:       op,
		Version:  version,
		Duration: time.Since(start),
		OK:       err == nil,
		Err:      errString(err),
	})
	if err != nil {
		l.log.Error("atomic transaction failed", "op", op, "version", version, "err", err)
	}
	return err
}

// Journal returns the retained transaction outcomes, oldest first.
func (l *LockManager) Journal() []JournalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]JournalEntry, 0, l.journalLen)
	start := l.journalNext - l.journalLen
	for i := 0; i < l.journalLen; i++ {
		out = append(out, l.journal[(start+i+journalCap)%journalCap])
	}
	return out
}

// Close tears the lock down: pending acquirers fail with ErrTornDown and the
// active ticket is cleared so no dangling holder observes freed state.
func (l *LockManager) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tornDown {
		return
	}
	l.tornDown = true
	for _, w := range l.waiters {
		w.err = domain.ErrTornDown
		close(w.ready)
	}
	l.waiters = nil
	l.active = nil
}

func (l *LockManager) record(e JournalEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal[l.journalNext%journalCap] = e
	l.journalNext = (l.journalNext + 1) % journalCap
	if l.journalLen < journalCap {
		l.journalLen++
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
