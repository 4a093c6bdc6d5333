package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"groovecore/pkg/domain"
)

// LinkGraph manages master/slave replication of the linkable slider
// parameters. Every mutation runs inside an atomic transaction; the handler
// snapshots the single affected LinkState before mutating and restores the
// snapshot on internal failure before handing the error back.
type LinkGraph struct {
	store *StateStore
	lock  *LockManager
	log   *slog.Logger
}

// NewLinkGraph wires the graph to its store and lock.
func NewLinkGraph(store *StateStore, lock *LockManager, log *slog.Logger) *LinkGraph {
	if log == nil {
		log = slog.Default()
	}
	return &LinkGraph{store: store, lock: lock, log: log}
}

// ToggleLink cycles entity's role for param: unlinked becomes master
// (demoting any existing master to slave and enslaving every other active
// entity), master becomes unlinked, and a slave may only unlink itself when
// its recorded master no longer exists.
func (g *LinkGraph) ToggleLink(ctx context.Context, entity int, param string) error {
	return g.lock.AtomicTransaction(ctx, "link-toggle", func(uint64) error {
		return g.toggleLocked(entity, param)
	})
}

// toggleLocked must run with the global lock held.
func (g *LinkGraph) toggleLocked(entity int, param string) error {
	if !g.store.EntityActive(entity) {
		return fmt.Errorf("entity %d is not active", entity)
	}
	ls, ok := g.store.Link(param)
	if !ok {
		return fmt.Errorf("parameter %q is not linkable", param)
	}
	snapshot := ls.Clone()

	err := g.applyToggle(&ls, entity, param)
	if err != nil {
		g.store.SetLink(param, snapshot)
		g.syncLinkFlags(param, snapshot)
		return err
	}

	// Invariant repair: the master must never sit in its own slave set.
	if ls.Master != NoMaster {
		if _, in := ls.Slaves[ls.Master]; in {
			g.log.Warn("link invariant repaired: master found in own slaves", "param", param, "master", ls.Master)
			delete(ls.Slaves, ls.Master)
		}
	}

	g.store.SetLink(param, ls)
	g.syncLinkFlags(param, ls)
	return nil
}

func (g *LinkGraph) applyToggle(ls *LinkState, entity int, param string) error {
	switch {
	case ls.Master == entity:
		// master → unlinked
		*ls = domain.NewLinkState()
		return nil
	case hasSlave(*ls, entity):
		// slave → unlinked, permitted only when the master is gone
		if ls.Master != NoMaster && g.store.EntityActive(ls.Master) {
			return nil // no-op: a slave cannot leave a live master
		}
		delete(ls.Slaves, entity)
		if ls.Master != NoMaster {
			ls.Master = NoMaster
		}
		return nil
	default:
		// unlinked → master
		former := ls.Master
		ls.Master = entity
		ls.Slaves = make(map[int]struct{})
		count := g.store.Global().EntityCount
		for i := 0; i < count; i++ {
			if i != entity {
				ls.Slaves[i] = struct{}{}
			}
		}
		if former != NoMaster && former != entity && former < count {
			ls.Slaves[former] = struct{}{}
		}
		rec, ok := g.store.Entity(entity)
		if !ok {
			return fmt.Errorf("entity %d missing", entity)
		}
		value, ok := rec.SliderValues[param]
		if !ok {
			return fmt.Errorf("entity %d has no slider %q", entity, param)
		}
		_, _ = propagateInto(g.store, ls, param, value)
		return nil
	}
}

// PropagateLocked replicates value from the master to every slave of param.
// It must run with the global lock held, inside the same transaction as the
// value change that triggered it. Slave ids without a live entity are pruned
// rather than aborting the pass; the count of entities actually updated is
// returned alongside a PropagationPartialFailure naming anything pruned.
func (g *LinkGraph) PropagateLocked(param string, value, source int) (int, error) {
	ls, ok := g.store.Link(param)
	if !ok {
		return 0, fmt.Errorf("parameter %q is not linkable", param)
	}
	if ls.Master != source {
		return 0, nil
	}
	updated, pruned := propagateInto(g.store, &ls, param, value)
	g.store.SetLink(param, ls)
	if len(pruned) > 0 {
		g.syncLinkFlags(param, ls)
		return updated, &domain.PropagationPartialFailure{Param: param, Updated: updated, Pruned: pruned}
	}
	return updated, nil
}

// Propagate is the externally callable form, wrapping PropagateLocked in its
// own atomic transaction.
func (g *LinkGraph) Propagate(ctx context.Context, param string, value, source int) (int, error) {
	var updated int
	var perr error
	err := g.lock.AtomicTransaction(ctx, "propagate", func(uint64) error {
		updated, perr = g.PropagateLocked(param, value, source)
		if _, partial := perr.(*domain.PropagationPartialFailure); partial {
			return nil // partial success commits; the detail rides alongside
		}
		return perr
	})
	if err != nil {
		return updated, err
	}
	return updated, perr
}

// propagateInto writes value to each live slave and prunes the dead ones.
func propagateInto(store *StateStore, ls *LinkState, param string, value int) (updated int, pruned []int) {
	for id := range ls.Slaves {
		if !store.EntityActive(id) {
			pruned = append(pruned, id)
			delete(ls.Slaves, id)
			continue
		}
		if store.SetSlider(id, param, value) {
			updated++
		}
	}
	sort.Ints(pruned)
	return updated, pruned
}

// syncLinkFlags mirrors a link state into the entities' linkFlags fields.
func (g *LinkGraph) syncLinkFlags(param string, ls LinkState) {
	for i := 0; i < MaxEntities; i++ {
		role := LinkNone
		if ls.Master == i {
			role = LinkMaster
		} else if _, in := ls.Slaves[i]; in {
			role = LinkSlave
		}
		g.store.SetLinkFlag(i, param, role)
	}
}

func hasSlave(ls LinkState, entity int) bool {
	_, in := ls.Slaves[entity]
	return in
}
