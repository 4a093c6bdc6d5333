package core

import (
	"sync"

	"groovecore/pkg/domain"
)

// DirtyTracker maintains the five-level cascading dirty hierarchy. Setting a
// level dirty marks every level above it; clearing a level (after a save)
// clears it and every level below it. While reload suppression is active,
// set-true calls are ignored so a freshly loaded state does not immediately
// look unsaved.
type DirtyTracker struct {
	mu         sync.Mutex
	levels     [domain.NumDirtyLevels]bool
	suppressed bool
	onChange   []func(level DirtyLevel, dirty bool)
}

// NewDirtyTracker constructs a clean tracker.
func NewDirtyTracker() *DirtyTracker { return &DirtyTracker{} }

// OnChange registers a level-change listener. Listeners are an output event
// for external consumers (e.g. a save affordance), not internal state.
func (d *DirtyTracker) OnChange(fn func(level DirtyLevel, dirty bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, fn)
}

// SetSuppressed toggles reload suppression.
func (d *DirtyTracker) SetSuppressed(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressed = v
}

// SetDirty marks or clears a level, cascading up on set and down on clear.
func (d *DirtyTracker) SetDirty(level DirtyLevel, dirty bool) {
	if level < 0 || int(level) >= domain.NumDirtyLevels {
		return
	}
	d.mu.Lock()
	if dirty && d.suppressed {
		d.mu.Unlock()
		return
	}
	type change struct {
		level DirtyLevel
		dirty bool
	}
	var changes []change
	if dirty {
		for l := level; int(l) < domain.NumDirtyLevels; l++ {
			if !d.levels[l] {
				d.levels[l] = true
				changes = append(changes, change{l, true})
			}
		}
	} else {
		for l := level; l >= 0; l-- {
			if d.levels[l] {
				d.levels[l] = false
				changes = append(changes, change{l, false})
			}
		}
	}
	listeners := append([]func(DirtyLevel, bool){}, d.onChange...)
	d.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c.level, c.dirty)
		}
	}
}

// Dirty reports one level.
func (d *DirtyTracker) Dirty(level DirtyLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level < 0 || int(level) >= domain.NumDirtyLevels {
		return false
	}
	return d.levels[level]
}

// HasUnsavedChanges reports whether any level is dirty.
func (d *DirtyTracker) HasUnsavedChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.levels {
		if v {
			return true
		}
	}
	return false
}

// Snapshot returns the flag set keyed by level name (diagnostics).
func (d *DirtyTracker) Snapshot() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, domain.NumDirtyLevels)
	for _, l := range domain.DirtyLevels {
		out[l.String()] = d.levels[l]
	}
	return out
}
