package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groovecore/pkg/domain"
)

// UpdateKind distinguishes the two mutation targets.
type UpdateKind int

const (
	// UpdateEntity patches one entity slot.
	UpdateEntity UpdateKind = iota + 1
	// UpdateGlobal patches the session settings.
	UpdateGlobal
)

// PendingUpdate is one queued mutation request. It is ephemeral: created on
// the mutation call, consumed and discarded within one batch.
type PendingUpdate struct {
	Kind           UpdateKind
	Target         int // entity index; ignored for UpdateGlobal
	Payload        map[string]any
	Done           func(error)
	EnqueueVersion uint64
}

// defaultDebounce is the trailing-edge debounce interval.
const defaultDebounce = 30 * time.Millisecond

// UpdateScheduler batches and serializes mutation requests. Each enqueue
// restarts a trailing-edge debounce timer; when it fires, the pending list
// is snapshotted and applied to the state store inside a single atomic
// transaction, after which callbacks run in original enqueue order. A timer
// firing while a batch is still executing reschedules at double the delay
// instead of running in parallel.
type UpdateScheduler struct {
	lock  *LockManager
	store *StateStore
	dirty *DirtyTracker
	links *LinkGraph
	log   *slog.Logger
	delay time.Duration

	// onCommit receives the touched paths of each committed batch.
	onCommit func(touched []string)

	mu            sync.Mutex
	pending       []PendingUpdate
	timer         *time.Timer
	running       bool
	closed        bool
	reloadActive  bool
	reloadVersion uint64
}

// NewUpdateScheduler wires the scheduler. delay <= 0 selects the default.
func NewUpdateScheduler(lock *LockManager, store *StateStore, dirty *DirtyTracker, links *LinkGraph, log *slog.Logger, delay time.Duration) *UpdateScheduler {
	if log == nil {
		log = slog.Default()
	}
	if delay <= 0 {
		delay = defaultDebounce
	}
	return &UpdateScheduler{lock: lock, store: store, dirty: dirty, links: links, log: log, delay: delay}
}

// SetOnCommit registers the post-commit notification hook.
func (s *UpdateScheduler) SetOnCommit(fn func(touched []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = fn
}

// EnqueueEntity queues a partial update of one entity slot. done may be nil;
// when set it receives the commit outcome, or ErrStaleUpdate if the update
// was discarded by a reload.
func (s *UpdateScheduler) EnqueueEntity(target int, payload map[string]any, done func(error)) {
	s.enqueue(PendingUpdate{Kind: UpdateEntity, Target: target, Payload: payload, Done: done})
}

// EnqueueGlobal queues a partial update of the session settings.
func (s *UpdateScheduler) EnqueueGlobal(payload map[string]any, done func(error)) {
	s.enqueue(PendingUpdate{Kind: UpdateGlobal, Target: -1, Payload: payload, Done: done})
}

func (s *UpdateScheduler) enqueue(u PendingUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		invoke(s.log, u.Done, domain.ErrTornDown)
		return
	}
	u.EnqueueVersion = s.lock.Version()
	s.pending = append(s.pending, u)
	s.restartTimerLocked(s.delay)
	s.mu.Unlock()
}

// restartTimerLocked (re)arms the trailing-edge debounce timer.
func (s *UpdateScheduler) restartTimerLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.timerFired)
}

func (s *UpdateScheduler) timerFired() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.running {
		// A batch is executing; defer rather than overlap.
		s.restartTimerLocked(2 * s.delay)
		s.mu.Unlock()
		return
	}
	batch := s.takeBatchLocked()
	s.mu.Unlock()

	if len(batch) > 0 {
		s.runBatch(batch)
	}

	s.mu.Lock()
	s.running = false
	if len(s.pending) > 0 && !s.closed {
		s.restartTimerLocked(s.delay)
	}
	s.mu.Unlock()
}

// takeBatchLocked snapshots and clears the pending list, marking the
// scheduler as running when the batch is non-empty.
func (s *UpdateScheduler) takeBatchLocked() []PendingUpdate {
	batch := s.pending
	s.pending = nil
	if len(batch) > 0 {
		s.running = true
	}
	return batch
}

// Flush synchronously drains every queued update. Used at teardown and in
// tests; it loops because callbacks may enqueue follow-ups.
func (s *UpdateScheduler) Flush() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.running || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.takeBatchLocked()
		s.mu.Unlock()

		s.runBatch(batch)

		s.mu.Lock()
		s.running = false
		more := len(s.pending) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}

// BeginReload opens a suppression window tagged with the version at which
// the reload began. Updates enqueued before it are dropped, not applied.
func (s *UpdateScheduler) BeginReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadActive = true
	// The reload itself runs as the next transaction, so anything enqueued
	// at or below the current version predates the reloaded state.
	s.reloadVersion = s.lock.Version() + 1
	s.dirty.SetSuppressed(true)
}

// EndReload closes the suppression window. The reload version is retained:
// an update enqueued against the pre-reload tree stays stale forever, so a
// late-firing batch cannot clobber the freshly loaded state.
func (s *UpdateScheduler) EndReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadActive = false
	s.dirty.SetSuppressed(false)
}

// ReloadVersion returns the version tag of the most recent reload window.
func (s *UpdateScheduler) ReloadVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadVersion
}

// Close tears the scheduler down: the timer is stopped, queued updates are
// failed with ErrTornDown and later enqueues short-circuit.
func (s *UpdateScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	orphans := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, u := range orphans {
		invoke(s.log, u.Done, domain.ErrTornDown)
	}
}

// batchGroup carries the merged payload of one target.
type batchGroup struct {
	kind    UpdateKind
	target  int
	payload map[string]any
}

func (s *UpdateScheduler) runBatch(batch []PendingUpdate) {
	s.mu.Lock()
	reloadVersion := s.reloadVersion
	s.mu.Unlock()

	live := batch[:0]
	var stale []PendingUpdate
	for _, u := range batch {
		if u.EnqueueVersion < reloadVersion {
			stale = append(stale, u)
			continue
		}
		live = append(live, u)
	}
	for _, u := range stale {
		s.log.Info("stale update dropped", "kind", int(u.Kind), "target", u.Target, "enqueuedAt", u.EnqueueVersion, "reloadAt", reloadVersion)
		invoke(s.log, u.Done, domain.ErrStaleUpdate)
	}
	if len(live) == 0 {
		return
	}

	groups := groupUpdates(live)

	var touched []string
	err := s.lock.AtomicTransaction(context.Background(), "batch-update", func(uint64) error {
		// A failing member aborts the whole batch; the snapshot restore
		// keeps the tree as it was before any member applied. Link states
		// are captured too, since replication may prune slave sets.
		snap := s.store.Snapshot()
		linkSnap := s.store.Links()
		for _, g := range groups {
			var paths []string
			var aerr error
			switch g.kind {
			case UpdateGlobal:
				paths, aerr = s.store.ApplyGlobalPatch(g.payload)
			case UpdateEntity:
				paths, aerr = s.store.ApplyEntityPatch(g.target, g.payload)
			default:
				aerr = fmt.Errorf("unknown update kind %d", g.kind)
			}
			touched = append(touched, paths...)
			if aerr == nil && g.kind == UpdateEntity {
				var p []string
				p, aerr = s.replicateLinked(g.target, g.payload)
				touched = append(touched, p...)
			}
			if aerr != nil {
				s.store.Restore(snap)
				s.store.RestoreLinks(linkSnap)
				touched = nil
				return aerr
			}
		}
		return nil
	})

	// Callbacks run strictly in original enqueue order; a misbehaving
	// callback is logged and the rest still run.
	for _, u := range live {
		invoke(s.log, u.Done, err)
	}
	if err != nil {
		return
	}

	for _, path := range touched {
		s.dirty.SetDirty(dirtyLevelFor(path), true)
	}

	s.mu.Lock()
	onCommit := s.onCommit
	s.mu.Unlock()
	if onCommit != nil && len(touched) > 0 {
		onCommit(touched)
	}
}

// replicateLinked propagates any slider written on a link master to its
// slaves, inside the same transaction as the value change. A partial
// failure (pruned dead slaves) is logged, not fatal. The host-snapshot
// path shares it so both entity mutation routes replicate identically.
func (s *UpdateScheduler) replicateLinked(target int, payload map[string]any) ([]string, error) {
	raw, ok := payload["sliderValues"].(map[string]any)
	if !ok || s.links == nil {
		return nil, nil
	}
	var touched []string
	for param := range raw {
		ls, ok := s.store.Link(param)
		if !ok || ls.Master != target {
			continue
		}
		rec, ok := s.store.Entity(target)
		if !ok {
			continue
		}
		value := rec.SliderValues[param]
		updated, perr := s.links.PropagateLocked(param, value, target)
		if perr != nil {
			if partial, isPartial := perr.(*domain.PropagationPartialFailure); isPartial {
				s.log.Warn("replication pruned dead slaves", "param", param, "updated", partial.Updated, "pruned", partial.Pruned)
			} else {
				return touched, perr
			}
		}
		if updated > 0 {
			ls, _ = s.store.Link(param)
			for id := range ls.Slaves {
				touched = append(touched, fmt.Sprintf("entities.%d.sliderValues.%s", id, param))
			}
		}
	}
	return touched, nil
}

// groupUpdates groups entries by target and shallow-merges same-key fields,
// last writer wins per field; nested object fields merge one level deep.
func groupUpdates(live []PendingUpdate) []batchGroup {
	type key struct {
		kind   UpdateKind
		target int
	}
	index := make(map[key]int)
	var groups []batchGroup
	for _, u := range live {
		k := key{u.Kind, u.Target}
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, batchGroup{kind: u.Kind, target: u.Target, payload: map[string]any{}})
		}
		mergePayload(groups[gi].payload, u.Payload)
	}
	return groups
}

func mergePayload(dst, src map[string]any) {
	for k, v := range src {
		newMap, newIsMap := v.(map[string]any)
		oldMap, oldIsMap := dst[k].(map[string]any)
		if newIsMap && oldIsMap {
			merged := make(map[string]any, len(oldMap)+len(newMap))
			for mk, mv := range oldMap {
				merged[mk] = mv
			}
			for mk, mv := range newMap {
				merged[mk] = mv
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// dirtyLevelFor maps a touched path onto the save hierarchy: the pattern
// selection dirties the pattern level, the group and kit selections their
// own levels, any other entity field the entity level, and global fields
// the session.
func dirtyLevelFor(path string) DirtyLevel {
	switch {
	case pathField(path) == "selectedPattern":
		return DirtyPattern
	case pathField(path) == "patternGroup":
		return DirtyPatternGroup
	case pathField(path) == "selectedConfigUnit":
		return DirtyKit
	case len(path) >= 8 && path[:8] == "entities":
		return DirtyEntity
	default:
		return DirtySession
	}
}

// pathField extracts the field segment of an entity path
// ("entities.3.muted" -> "muted").
func pathField(path string) string {
	var last, prev string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			prev, last = last, path[start:i]
			start = i + 1
		}
	}
	if prev == "sliderValues" || prev == "toggleFlags" || prev == "fillFlags" || prev == "linkFlags" {
		return prev
	}
	return last
}

// invoke runs a callback, shielding the batch from panics.
func invoke(log *slog.Logger, done func(error), err error) {
	if done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("update callback panicked", "panic", r)
		}
	}()
	done(err)
}
