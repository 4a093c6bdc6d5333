package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groovecore/pkg/domain"
)

type schedFixture struct {
	lock  *LockManager
	store *StateStore
	dirty *DirtyTracker
	links *LinkGraph
	sched *UpdateScheduler
}

// newSchedFixture wires a scheduler with an hour-long debounce so tests
// drive batches deterministically through Flush.
func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{
		lock:  NewLockManager(nil),
		store: NewStateStore(),
		dirty: NewDirtyTracker(),
	}
	f.links = NewLinkGraph(f.store, f.lock, nil)
	f.sched = NewUpdateScheduler(f.lock, f.store, f.dirty, f.links, nil, time.Hour)
	t.Cleanup(func() {
		f.sched.Close()
		f.lock.Close()
	})
	return f
}

func TestBatchMergesLastWriterWins(t *testing.T) {
	f := newSchedFixture(t)

	var order []int
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(100)}, func(err error) {
		if err != nil {
			t.Errorf("first callback: %v", err)
		}
		order = append(order, 1)
	})
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(140), "isPlaying": true}, func(err error) {
		if err != nil {
			t.Errorf("second callback: %v", err)
		}
		order = append(order, 2)
	})
	f.sched.Flush()

	g := f.store.Global()
	if g.Tempo != 140 {
		t.Fatalf("tempo = %d, want the later write 140", g.Tempo)
	}
	if !g.IsPlaying {
		t.Fatal("earlier batch member's disjoint field lost")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("callback order = %v, want enqueue order", order)
	}
	if got := f.lock.Version(); got != 1 {
		t.Fatalf("version = %d, want exactly one transaction for the batch", got)
	}
}

func TestNestedFieldsMergeOneLevelDeep(t *testing.T) {
	f := newSchedFixture(t)

	f.sched.EnqueueEntity(3, map[string]any{"sliderValues": map[string]any{"swing": float64(10)}}, nil)
	f.sched.EnqueueEntity(3, map[string]any{"sliderValues": map[string]any{"level": float64(80)}}, nil)
	f.sched.Flush()

	rec, _ := f.store.Entity(3)
	if rec.SliderValues["swing"] != 10 || rec.SliderValues["level"] != 80 {
		t.Fatalf("nested merge lost a field: %v", rec.SliderValues)
	}
}

func TestBatchEquivalentToSequentialApplication(t *testing.T) {
	updates := []map[string]any{
		{"muted": true},
		{"sliderValues": map[string]any{"swing": float64(11)}},
		{"muted": false, "selectedPattern": float64(7)},
		{"sliderValues": map[string]any{"swing": float64(31), "accent": float64(64)}},
	}

	f := newSchedFixture(t)
	for _, u := range updates {
		f.sched.EnqueueEntity(2, u, nil)
	}
	f.sched.Flush()
	batched, _ := f.store.Entity(2)

	sequential := NewStateStore()
	for _, u := range updates {
		if _, err := sequential.ApplyEntityPatch(2, u); err != nil {
			t.Fatal(err)
		}
	}
	expected, _ := sequential.Entity(2)

	if batched.Muted != expected.Muted ||
		batched.SelectedPattern != expected.SelectedPattern ||
		batched.SliderValues["swing"] != expected.SliderValues["swing"] ||
		batched.SliderValues["accent"] != expected.SliderValues["accent"] {
		t.Fatalf("batched %+v != sequential %+v", batched, expected)
	}
}

func TestDistinctTargetsApplyIndependently(t *testing.T) {
	f := newSchedFixture(t)

	f.sched.EnqueueEntity(0, map[string]any{"muted": true}, nil)
	f.sched.EnqueueEntity(5, map[string]any{"selectedPattern": float64(9)}, nil)
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(90)}, nil)
	f.sched.Flush()

	r0, _ := f.store.Entity(0)
	r5, _ := f.store.Entity(5)
	if !r0.Muted || r5.SelectedPattern != 9 || f.store.Global().Tempo != 90 {
		t.Fatal("independent targets interfered")
	}
}

func TestStaleUpdatesDroppedAfterReload(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	var got error
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(200)}, func(err error) { got = err })

	f.sched.BeginReload()
	err := f.lock.AtomicTransaction(ctx, "preset-load", func(uint64) error {
		f.store.Restore(f.store.Snapshot()) // stands in for the reload write
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	f.sched.EndReload()

	f.sched.Flush()
	if !errors.Is(got, domain.ErrStaleUpdate) {
		t.Fatalf("callback err = %v, want ErrStaleUpdate", got)
	}
	if f.store.Global().Tempo == 200 {
		t.Fatal("stale update was applied over the reloaded state")
	}
}

func TestUpdatesAfterReloadStillApply(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	f.sched.BeginReload()
	if err := f.lock.AtomicTransaction(ctx, "preset-load", func(uint64) error { return nil }); err != nil {
		t.Fatal(err)
	}
	f.sched.EndReload()

	var got error = errors.New("callback never ran")
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(150)}, func(err error) { got = err })
	f.sched.Flush()

	if got != nil {
		t.Fatalf("post-reload update failed: %v", got)
	}
	if f.store.Global().Tempo != 150 {
		t.Fatal("post-reload update not applied")
	}
}

func TestDirtyLevelsFollowTouchedFields(t *testing.T) {
	cases := []struct {
		name    string
		enqueue func(f *schedFixture)
		dirty   []DirtyLevel
		clean   []DirtyLevel
	}{
		{
			name: "pattern selection",
			enqueue: func(f *schedFixture) {
				f.sched.EnqueueEntity(0, map[string]any{"selectedPattern": float64(3)}, nil)
			},
			dirty: []DirtyLevel{DirtyPattern, DirtyPatternGroup, DirtyKit, DirtyEntity, DirtySession},
		},
		{
			name: "pattern group selection",
			enqueue: func(f *schedFixture) {
				f.sched.EnqueueEntity(0, map[string]any{"patternGroup": float64(2)}, nil)
			},
			dirty: []DirtyLevel{DirtyPatternGroup, DirtyKit, DirtyEntity, DirtySession},
			clean: []DirtyLevel{DirtyPattern},
		},
		{
			name: "config unit selection",
			enqueue: func(f *schedFixture) {
				f.sched.EnqueueEntity(0, map[string]any{"selectedConfigUnit": float64(4)}, nil)
			},
			dirty: []DirtyLevel{DirtyKit, DirtyEntity, DirtySession},
			clean: []DirtyLevel{DirtyPattern, DirtyPatternGroup},
		},
		{
			name: "entity slider",
			enqueue: func(f *schedFixture) {
				f.sched.EnqueueEntity(0, map[string]any{"sliderValues": map[string]any{"swing": float64(5)}}, nil)
			},
			dirty: []DirtyLevel{DirtyEntity, DirtySession},
			clean: []DirtyLevel{DirtyPattern, DirtyPatternGroup, DirtyKit},
		},
		{
			name: "global field",
			enqueue: func(f *schedFixture) {
				f.sched.EnqueueGlobal(map[string]any{"tempo": float64(99)}, nil)
			},
			dirty: []DirtyLevel{DirtySession},
			clean: []DirtyLevel{DirtyPattern, DirtyPatternGroup, DirtyKit, DirtyEntity},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSchedFixture(t)
			tc.enqueue(f)
			f.sched.Flush()
			for _, level := range tc.dirty {
				if !f.dirty.Dirty(level) {
					t.Errorf("%s should be dirty", level)
				}
			}
			for _, level := range tc.clean {
				if f.dirty.Dirty(level) {
					t.Errorf("%s should be clean", level)
				}
			}
		})
	}
}

func TestCallbackPanicDoesNotPoisonBatch(t *testing.T) {
	f := newSchedFixture(t)

	secondRan := false
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(130)}, func(error) { panic("listener bug") })
	f.sched.EnqueueGlobal(map[string]any{"isPlaying": true}, func(error) { secondRan = true })
	f.sched.Flush()

	if !secondRan {
		t.Fatal("panicking callback suppressed later callbacks")
	}
	if f.store.Global().Tempo != 130 || !f.store.Global().IsPlaying {
		t.Fatal("batch not applied despite callback panic")
	}
}

func TestInvalidBatchReportsToAllCallbacks(t *testing.T) {
	f := newSchedFixture(t)

	var errs []error
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(100)}, func(err error) { errs = append(errs, err) })
	f.sched.EnqueueGlobal(map[string]any{"nonsense": true}, func(err error) { errs = append(errs, err) })
	f.sched.Flush()

	if len(errs) != 2 {
		t.Fatalf("got %d callbacks, want 2", len(errs))
	}
	for _, err := range errs {
		if err == nil {
			t.Fatal("failed batch reported success to a member")
		}
	}
	if f.store.Global().Tempo != 120 {
		t.Fatalf("failed batch left partial state, tempo = %d", f.store.Global().Tempo)
	}
}

func TestFailedBatchRestoresLinkStates(t *testing.T) {
	f := newSchedFixture(t)

	// A master with two dead slaves: replication inside the batch prunes
	// them, so an aborted batch must put them back.
	if _, err := f.store.ApplyGlobalPatch(map[string]any{"entityCount": float64(4)}); err != nil {
		t.Fatal(err)
	}
	ls := domain.NewLinkState()
	ls.Master = 0
	for _, id := range []int{1, 2, 6, 7} {
		ls.Slaves[id] = struct{}{}
	}
	f.store.SetLink(domain.ParamSwing, ls)

	f.sched.EnqueueEntity(0, map[string]any{"sliderValues": map[string]any{"swing": float64(25)}}, nil)
	f.sched.EnqueueGlobal(map[string]any{"nonsense": true}, nil)
	f.sched.Flush()

	got, _ := f.store.Link(domain.ParamSwing)
	if len(got.Slaves) != 4 {
		t.Fatalf("slaves after aborted batch = %v, want the original four", got.SlaveIDs())
	}
	for _, id := range []int{6, 7} {
		if _, still := got.Slaves[id]; !still {
			t.Fatalf("pruned slave %d not restored by the rollback", id)
		}
	}
	rec, _ := f.store.Entity(1)
	if rec.SliderValues[domain.ParamSwing] == 25 {
		t.Fatal("replicated slider value survived the rollback")
	}
}

func TestMasterSliderUpdateReplicatesInBatch(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	if err := f.links.ToggleLink(ctx, 1, domain.ParamSwing); err != nil {
		t.Fatal(err)
	}

	var committed []string
	f.sched.SetOnCommit(func(touched []string) { committed = touched })

	f.sched.EnqueueEntity(1, map[string]any{"sliderValues": map[string]any{"swing": float64(42)}}, nil)
	f.sched.Flush()

	for i := 0; i < MaxEntities; i++ {
		rec, _ := f.store.Entity(i)
		if rec.SliderValues[domain.ParamSwing] != 42 {
			t.Fatalf("entity %d swing = %d, want replicated 42", i, rec.SliderValues[domain.ParamSwing])
		}
	}

	sawSlave := false
	for _, p := range committed {
		if p == "entities.0.sliderValues.swing" {
			sawSlave = true
		}
	}
	if !sawSlave {
		t.Fatalf("commit notification missing slave paths: %v", committed)
	}
}

func TestSlaveSliderUpdateDoesNotReplicate(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	if err := f.links.ToggleLink(ctx, 1, domain.ParamSwing); err != nil {
		t.Fatal(err)
	}
	f.sched.EnqueueEntity(2, map[string]any{"sliderValues": map[string]any{"swing": float64(77)}}, nil)
	f.sched.Flush()

	r2, _ := f.store.Entity(2)
	r3, _ := f.store.Entity(3)
	if r2.SliderValues[domain.ParamSwing] != 77 {
		t.Fatal("slave's own write lost")
	}
	if r3.SliderValues[domain.ParamSwing] == 77 {
		t.Fatal("slave write replicated to its peers")
	}
}

func TestCloseFailsPendingAndFutureUpdates(t *testing.T) {
	f := newSchedFixture(t)

	var pending, late error
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(111)}, func(err error) { pending = err })
	f.sched.Close()

	if !errors.Is(pending, domain.ErrTornDown) {
		t.Fatalf("pending err = %v, want ErrTornDown", pending)
	}
	f.sched.EnqueueGlobal(map[string]any{"tempo": float64(112)}, func(err error) { late = err })
	if !errors.Is(late, domain.ErrTornDown) {
		t.Fatalf("late err = %v, want ErrTornDown", late)
	}
	if f.store.Global().Tempo == 111 || f.store.Global().Tempo == 112 {
		t.Fatal("update applied after teardown")
	}
}

func TestDebounceCoalescesIntoOneCommit(t *testing.T) {
	lock := NewLockManager(nil)
	store := NewStateStore()
	dirty := NewDirtyTracker()
	links := NewLinkGraph(store, lock, nil)
	sched := NewUpdateScheduler(lock, store, dirty, links, nil, 10*time.Millisecond)
	defer func() {
		sched.Close()
		lock.Close()
	}()

	var mu sync.Mutex
	commits := 0
	sched.SetOnCommit(func([]string) {
		mu.Lock()
		commits++
		mu.Unlock()
	})

	sched.EnqueueGlobal(map[string]any{"tempo": float64(100)}, nil)
	sched.EnqueueGlobal(map[string]any{"tempo": float64(110)}, nil)
	sched.EnqueueGlobal(map[string]any{"tempo": float64(120)}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := commits > 0
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := commits
	mu.Unlock()
	if got != 1 {
		t.Fatalf("commits = %d, want one coalesced batch", got)
	}
	if store.Global().Tempo != 120 {
		t.Fatalf("tempo = %d, want 120", store.Global().Tempo)
	}
}
