// Package core implements the runtime engine of the control surface: the
// global lock, the state tree, the dirty hierarchy, the parameter link graph,
// the debounced update scheduler and the service facade binding them to the
// persistence layer.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"groovecore/internal/persist"
	"groovecore/internal/schema"
	"groovecore/pkg/domain"
)

// Options configures a Service. Medium is required; everything else defaults.
type Options struct {
	Medium   domain.Medium
	Engine   *schema.Engine
	Logger   *slog.Logger
	Recorder MetricsRecorder

	// DebounceDelay overrides the scheduler's debounce interval when positive.
	DebounceDelay time.Duration

	// CompressThreshold and PurgeConsent pass through to the persistence
	// layer.
	CompressThreshold int
	PurgeConsent      func(candidates []string) bool
}

// Service is the engine facade. All collaborators are injected through
// Options; nothing reaches for ambient singletons, so tests and embedders
// compose their own instances freely.
type Service struct {
	lock     *LockManager
	store    *StateStore
	dirty    *DirtyTracker
	links    *LinkGraph
	sched    *UpdateScheduler
	layer    *persist.Layer
	log      *slog.Logger
	recorder MetricsRecorder

	mu            sync.Mutex
	presets       map[string]Preset
	patternGroups any
	configUnits   any
	subs          map[int]subscription
	nextSub       int
	closed        bool
}

type subscription struct {
	path string
	fn   func(touched []string)
}

// New builds and bootstraps a Service: state is loaded from the medium (or
// defaulted) with dirty suppression active, so a fresh engine never reports
// unsaved changes.
func New(ctx context.Context, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	engine := opts.Engine
	if engine == nil {
		engine = schema.NewEngine(0)
	}
	layer := persist.New(persist.Options{
		Medium:            opts.Medium,
		Engine:            engine,
		Logger:            log,
		Recorder:          recorder,
		CompressThreshold: opts.CompressThreshold,
		PurgeConsent:      opts.PurgeConsent,
	})

	lock := NewLockManager(log)
	store := NewStateStore()
	dirty := NewDirtyTracker()
	links := NewLinkGraph(store, lock, log)
	sched := NewUpdateScheduler(lock, store, dirty, links, log, opts.DebounceDelay)

	s := &Service{
		lock:     lock,
		store:    store,
		dirty:    dirty,
		links:    links,
		sched:    sched,
		layer:    layer,
		log:      log,
		recorder: recorder,
		presets:  make(map[string]Preset),
		subs:     make(map[int]subscription),
	}
	sched.SetOnCommit(s.notify)

	if err := s.bootstrap(ctx, engine); err != nil {
		lock.Close()
		sched.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap loads every aggregate, falling back to factory defaults where a
// record is absent or was healed away.
func (s *Service) bootstrap(ctx context.Context, engine *schema.Engine) error {
	s.dirty.SetSuppressed(true)
	defer s.dirty.SetSuppressed(false)

	return s.lock.AtomicTransaction(ctx, "bootstrap", func(uint64) error {
		if payload, err := s.layer.Load(ctx, domain.KeyAppState, nil); err != nil {
			return err
		} else if payload != nil {
			var p Preset
			if err := reshape(payload, &p); err != nil {
				s.log.Warn("app-state unreadable, using defaults", "err", err)
			} else {
				s.store.Restore(p)
			}
		}

		if payload, err := s.layer.Load(ctx, domain.KeyLockFlags, nil); err != nil {
			return err
		} else if payload != nil {
			s.restoreLinks(payload)
		}

		if payload, err := s.layer.Load(ctx, domain.KeyPresets, nil); err != nil {
			return err
		} else if payload != nil {
			var wrapped struct {
				Presets map[string]Preset `json:"presets"`
			}
			if err := reshape(payload, &wrapped); err != nil {
				s.log.Warn("presets unreadable, starting empty", "err", err)
			} else if wrapped.Presets != nil {
				s.presets = wrapped.Presets
			}
		}

		s.patternGroups = s.loadOrDefault(ctx, engine, domain.KeyPatternGroups)
		s.configUnits = s.loadOrDefault(ctx, engine, domain.KeyConfigUnits)
		return nil
	})
}

// loadOrDefault loads one generic aggregate, synthesizing a fully defaulted
// payload from its schema when nothing usable is stored.
func (s *Service) loadOrDefault(ctx context.Context, engine *schema.Engine, key string) any {
	payload, err := s.layer.Load(ctx, key, nil)
	if err != nil {
		s.log.Warn("aggregate load failed, using defaults", "key", key, "err", err)
		payload = nil
	}
	if payload != nil {
		return payload
	}
	repaired, _, ok := engine.Repair(map[string]any{}, key)
	if !ok {
		return map[string]any{}
	}
	return repaired
}

// restoreLinks rebuilds the link graph from the persisted lock-flags
// aggregate. Unknown parameters and out-of-range ids are dropped silently:
// the schema already bounded them, this is belt over braces.
func (s *Service) restoreLinks(payload any) {
	var wrapped struct {
		Links map[string]struct {
			Master int   `json:"master"`
			Slaves []int `json:"slaves"`
		} `json:"links"`
	}
	if err := reshape(payload, &wrapped); err != nil {
		s.log.Warn("lock-flags unreadable, links reset", "err", err)
		return
	}
	for param, raw := range wrapped.Links {
		ls := domain.NewLinkState()
		ls.Master = raw.Master
		for _, id := range raw.Slaves {
			if id >= 0 && id < MaxEntities && id != ls.Master {
				ls.Slaves[id] = struct{}{}
			}
		}
		s.store.SetLink(param, ls)
		s.links.syncLinkFlags(param, ls)
	}
}

// GetState resolves a dot path against the live tree under the global lock.
func (s *Service) GetState(ctx context.Context, path string) (any, bool, error) {
	t, err := s.lock.Acquire(ctx, "read")
	if err != nil {
		return nil, false, err
	}
	defer s.lock.Release(t)
	v, ok := s.store.ResolvePath(path)
	return v, ok, nil
}

// Version returns the engine's monotonically increasing state version.
func (s *Service) Version() uint64 { return s.lock.Version() }

// Subscribe registers a listener for commits touching path (or any path
// above or below it) and returns its unsubscribe function.
func (s *Service) Subscribe(path string, fn func(touched []string)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscription{path: path, fn: fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify fans a committed batch's touched paths out to matching subscribers.
func (s *Service) notify(touched []string) {
	s.mu.Lock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		var hits []string
		for _, path := range touched {
			if pathsOverlap(sub.path, path) {
				hits = append(hits, path)
			}
		}
		if len(hits) > 0 {
			sub.fn(hits)
		}
	}
}

// pathsOverlap reports whether a subscription path and a touched path name
// the same node or an ancestor/descendant pair.
func pathsOverlap(sub, touched string) bool {
	if sub == "" || sub == touched {
		return true
	}
	return strings.HasPrefix(touched, sub+".") || strings.HasPrefix(sub, touched+".")
}

// EnqueueEntityUpdate queues a debounced partial update of one entity slot.
func (s *Service) EnqueueEntityUpdate(target int, payload map[string]any, done func(error)) {
	s.sched.EnqueueEntity(target, payload, done)
}

// EnqueueGlobalUpdate queues a debounced partial update of the session
// settings.
func (s *Service) EnqueueGlobalUpdate(payload map[string]any, done func(error)) {
	s.sched.EnqueueGlobal(payload, done)
}

// Flush synchronously drains the update queue. Tests and save paths use it
// to make batch application deterministic.
func (s *Service) Flush() { s.sched.Flush() }

// ToggleLink cycles one entity's link role for a slider parameter.
func (s *Service) ToggleLink(ctx context.Context, entity int, param string) error {
	return s.observe(ctx, "link-toggle", func() error {
		if err := s.links.ToggleLink(ctx, entity, param); err != nil {
			return err
		}
		s.dirty.SetDirty(DirtyEntity, true)
		return nil
	})
}

// Propagate replicates a master's slider value to its slaves outside the
// normal update path (host bridge use).
func (s *Service) Propagate(ctx context.Context, param string, value, source int) (int, error) {
	return s.links.Propagate(ctx, param, value, source)
}

// aggregatesForLevel maps one dirty level onto the aggregates it persists.
func aggregatesForLevel(level DirtyLevel) []string {
	switch level {
	case DirtyPattern, DirtyPatternGroup:
		return []string{domain.KeyPatternGroups}
	case DirtyKit:
		return []string{domain.KeyConfigUnits}
	case DirtyEntity, DirtySession:
		return []string{domain.KeyAppState, domain.KeyLockFlags}
	default:
		return nil
	}
}

// Save persists level and every level below it, then clears those dirty
// flags. Pending updates are flushed first so the write reflects everything
// the caller has enqueued.
func (s *Service) Save(ctx context.Context, level DirtyLevel) error {
	s.sched.Flush()
	return s.observe(ctx, "save", func() error {
		seen := map[string]bool{}
		var keys []string
		for l := DirtyPattern; l <= level; l++ {
			for _, key := range aggregatesForLevel(l) {
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}
		}
		err := s.lock.AtomicTransaction(ctx, "save", func(uint64) error {
			for _, key := range keys {
				if err := s.persistAggregate(ctx, key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.dirty.SetDirty(level, false)
		return nil
	})
}

// SaveAll persists every aggregate.
func (s *Service) SaveAll(ctx context.Context) error {
	return s.Save(ctx, DirtySession)
}

// persistAggregate writes one aggregate from live state. Must run with the
// global lock held.
func (s *Service) persistAggregate(ctx context.Context, key string) error {
	var value any
	switch key {
	case domain.KeyAppState:
		value = s.store.Snapshot()
	case domain.KeyLockFlags:
		value = s.lockFlagsPayload()
	case domain.KeyPresets:
		s.mu.Lock()
		value = map[string]any{"presets": s.presets}
		s.mu.Unlock()
	case domain.KeyPatternGroups:
		s.mu.Lock()
		value = s.patternGroups
		s.mu.Unlock()
	case domain.KeyConfigUnits:
		s.mu.Lock()
		value = s.configUnits
		s.mu.Unlock()
	default:
		return fmt.Errorf("unknown aggregate %q", key)
	}
	ok, err := s.layer.Save(ctx, key, value)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ValidationError{Schema: key, Fields: s.layer.Diagnostics(key)}
	}
	return nil
}

// lockFlagsPayload renders the link graph in its persisted shape: slave sets
// become sorted arrays so the bytes are deterministic.
func (s *Service) lockFlagsPayload() map[string]any {
	links := map[string]any{}
	for param, ls := range s.store.Links() {
		slaves := make([]int, 0, len(ls.Slaves))
		for id := range ls.Slaves {
			slaves = append(slaves, id)
		}
		sort.Ints(slaves)
		links[param] = map[string]any{"master": ls.Master, "slaves": slaves}
	}
	return map[string]any{"links": links}
}

// ListPresets returns the stored preset names, sorted.
func (s *Service) ListPresets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns a copy of one stored preset.
func (s *Service) Preset(name string) (Preset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[name]
	if !ok {
		return Preset{}, false
	}
	return domain.ClonePreset(p), true
}

// SavePreset snapshots the current session under name and persists the
// preset aggregate.
func (s *Service) SavePreset(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("preset name must not be empty")
	}
	if err := s.lock.CanProceed("preset-save"); err != nil {
		return err
	}
	s.sched.Flush()
	return s.observe(ctx, "preset-save", func() error {
		return s.lock.AtomicTransaction(ctx, "preset-save", func(uint64) error {
			snap := s.store.Snapshot()
			s.mu.Lock()
			s.presets[name] = snap
			s.mu.Unlock()
			return s.persistAggregate(ctx, domain.KeyPresets)
		})
	})
}

// ImportPreset stores an externally supplied preset under name. The preset
// aggregate is schema-validated on write, so a malformed import is rejected
// rather than stored.
func (s *Service) ImportPreset(ctx context.Context, name string, p Preset) error {
	if name == "" {
		return fmt.Errorf("preset name must not be empty")
	}
	if err := s.lock.CanProceed("preset-save"); err != nil {
		return err
	}
	return s.observe(ctx, "preset-import", func() error {
		return s.lock.AtomicTransaction(ctx, "preset-save", func(uint64) error {
			s.mu.Lock()
			prev, had := s.presets[name]
			s.presets[name] = domain.ClonePreset(p)
			s.mu.Unlock()
			err := s.persistAggregate(ctx, domain.KeyPresets)
			if err != nil {
				s.mu.Lock()
				if had {
					s.presets[name] = prev
				} else {
					delete(s.presets, name)
				}
				s.mu.Unlock()
			}
			return err
		})
	})
}

// LoadPreset replaces the live session from a stored preset. The update
// queue is flushed first and a reload window suppresses dirty marks while
// the tree is overwritten; updates enqueued against the pre-load tree are
// discarded as stale.
func (s *Service) LoadPreset(ctx context.Context, name string) error {
	if err := s.lock.CanProceed("preset-load"); err != nil {
		return err
	}
	s.mu.Lock()
	p, ok := s.presets[name]
	if ok {
		p = domain.ClonePreset(p)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("preset %q not found", name)
	}

	s.sched.Flush()
	return s.observe(ctx, "preset-load", func() error {
		s.sched.BeginReload()
		defer s.sched.EndReload()
		err := s.lock.AtomicTransaction(ctx, "preset-load", func(uint64) error {
			s.store.Restore(p)
			return nil
		})
		if err != nil {
			return err
		}
		s.dirty.SetDirty(DirtySession, false)
		s.notify([]string{"global", "entities"})
		return nil
	})
}

// DeletePreset removes a stored preset and persists the aggregate.
func (s *Service) DeletePreset(ctx context.Context, name string) error {
	if err := s.lock.CanProceed("preset-delete"); err != nil {
		return err
	}
	return s.observe(ctx, "preset-delete", func() error {
		return s.lock.AtomicTransaction(ctx, "preset-delete", func(uint64) error {
			s.mu.Lock()
			_, ok := s.presets[name]
			delete(s.presets, name)
			s.mu.Unlock()
			if !ok {
				return fmt.Errorf("preset %q not found", name)
			}
			return s.persistAggregate(ctx, domain.KeyPresets)
		})
	})
}

// FactoryReset wipes every aggregate and restores factory defaults. Presets
// are deleted with the rest.
func (s *Service) FactoryReset(ctx context.Context) error {
	if err := s.lock.CanProceed("factory-reset"); err != nil {
		return err
	}
	s.sched.Flush()
	return s.observe(ctx, "factory-reset", func() error {
		s.sched.BeginReload()
		defer s.sched.EndReload()
		err := s.lock.AtomicTransaction(ctx, "factory-reset", func(uint64) error {
			for _, key := range domain.AggregateKeys {
				if err := s.layer.Remove(ctx, key); err != nil {
					return err
				}
			}
			s.store.Restore(Preset{Global: domain.DefaultGlobalState()})
			s.store.ResetLinks()
			s.mu.Lock()
			s.presets = make(map[string]Preset)
			s.patternGroups = s.loadOrDefault(ctx, s.layer.Engine(), domain.KeyPatternGroups)
			s.configUnits = s.loadOrDefault(ctx, s.layer.Engine(), domain.KeyConfigUnits)
			s.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		s.dirty.SetDirty(DirtySession, false)
		s.notify([]string{"global", "entities", "links"})
		return nil
	})
}

// ApplySnapshot applies an externally produced partial state snapshot (the
// host bridge path). baseVersion is the engine version the snapshot was
// derived from; a snapshot older than the last reload is rejected as stale
// instead of clobbering freshly loaded state.
func (s *Service) ApplySnapshot(ctx context.Context, baseVersion uint64, partial map[string]any) error {
	if baseVersion < s.sched.ReloadVersion() {
		return domain.ErrStaleUpdate
	}

	var touched []string
	err := s.lock.AtomicTransaction(ctx, "host-snapshot", func(uint64) error {
		// A half-valid snapshot must not leave a partial merge behind:
		// any member failure restores the whole tree, links included.
		snap := s.store.Snapshot()
		linkSnap := s.store.Links()
		rollback := func(err error) error {
			s.store.Restore(snap)
			s.store.RestoreLinks(linkSnap)
			touched = nil
			return err
		}
		if raw, ok := partial["global"]; ok {
			patch, ok := raw.(map[string]any)
			if !ok {
				return rollback(fmt.Errorf("global: expected object, got %T", raw))
			}
			paths, err := s.store.ApplyGlobalPatch(patch)
			touched = append(touched, paths...)
			if err != nil {
				return rollback(err)
			}
		}
		if raw, ok := partial["entities"]; ok {
			patches, ok := raw.(map[string]any)
			if !ok {
				return rollback(fmt.Errorf("entities: expected object keyed by index, got %T", raw))
			}
			for key, entry := range patches {
				i, err := strconv.Atoi(key)
				if err != nil {
					return rollback(fmt.Errorf("entities.%s: bad index", key))
				}
				patch, ok := entry.(map[string]any)
				if !ok {
					return rollback(fmt.Errorf("entities.%s: expected object, got %T", key, entry))
				}
				paths, err := s.store.ApplyEntityPatch(i, patch)
				touched = append(touched, paths...)
				if err != nil {
					return rollback(err)
				}
				// A master slider written by the host replicates to its
				// slaves inside this same transaction, as any local write.
				paths, err = s.sched.replicateLinked(i, patch)
				touched = append(touched, paths...)
				if err != nil {
					return rollback(err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range touched {
		s.dirty.SetDirty(dirtyLevelFor(path), true)
	}
	if len(touched) > 0 {
		s.notify(touched)
	}
	return nil
}

// Diagnostics aggregates runtime health: dirty flags, state version, stored
// record metadata and any validation errors blocking saves.
func (s *Service) Diagnostics(ctx context.Context) (map[string]any, error) {
	records, err := s.layer.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	diags := map[string]any{
		"version": s.lock.Version(),
		"dirty":   s.dirty.Snapshot(),
		"records": records,
	}
	saveErrors := map[string][]FieldError{}
	for _, key := range domain.AggregateKeys {
		if errs := s.layer.Diagnostics(key); len(errs) > 0 {
			saveErrors[key] = errs
		}
	}
	if len(saveErrors) > 0 {
		diags["saveErrors"] = saveErrors
	}
	return diags, nil
}

// HasUnsavedChanges reports whether any dirty level is set.
func (s *Service) HasUnsavedChanges() bool { return s.dirty.HasUnsavedChanges() }

// Dirty reports one dirty level.
func (s *Service) Dirty(level DirtyLevel) bool { return s.dirty.Dirty(level) }

// OnDirtyChange registers a dirty-level listener.
func (s *Service) OnDirtyChange(fn func(level DirtyLevel, dirty bool)) {
	s.dirty.OnChange(fn)
}

// Journal returns the retained transaction outcomes.
func (s *Service) Journal() []JournalEntry { return s.lock.Journal() }

// Close flushes pending updates, then tears the scheduler and lock down.
// Further operations fail with ErrTornDown.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Flush()
	s.sched.Close()
	s.lock.Close()
}

// observe runs op under the metrics recorder.
func (s *Service) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.recorder.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

// reshape converts a generic JSON payload into a typed value.
func reshape(payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
