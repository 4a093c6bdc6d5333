package core

import (
	"testing"

	"groovecore/pkg/domain"
)

func TestNewStateStoreDefaults(t *testing.T) {
	s := NewStateStore()

	g := s.Global()
	if g.Tempo != 120 || g.EntityCount != MaxEntities || g.IsPlaying {
		t.Fatalf("unexpected default global %+v", g)
	}

	rec, ok := s.Entity(0)
	if !ok {
		t.Fatal("slot 0 missing")
	}
	if rec.SliderValues[domain.ParamSwing] != 0 ||
		rec.SliderValues[domain.ParamLevel] != 100 ||
		rec.SliderValues[domain.ParamAccent] != 50 {
		t.Fatalf("unexpected default sliders %v", rec.SliderValues)
	}
	if !rec.ToggleFlags["normal"] || rec.ToggleFlags["half"] || rec.ToggleFlags["double"] {
		t.Fatalf("unexpected default toggles %v", rec.ToggleFlags)
	}

	for _, p := range domain.SliderParams {
		ls, ok := s.Link(p)
		if !ok || ls.Linked() {
			t.Fatalf("param %s should start unlinked, got %+v ok=%v", p, ls, ok)
		}
	}
}

func TestEntityReturnsCopies(t *testing.T) {
	s := NewStateStore()
	rec, _ := s.Entity(1)
	rec.SliderValues[domain.ParamSwing] = 99

	fresh, _ := s.Entity(1)
	if fresh.SliderValues[domain.ParamSwing] == 99 {
		t.Fatal("Entity returned aliased state")
	}
}

func TestApplyGlobalPatch(t *testing.T) {
	cases := []struct {
		name    string
		patch   map[string]any
		wantErr bool
		check   func(t *testing.T, g GlobalState)
	}{
		{
			name:  "tempo set",
			patch: map[string]any{"tempo": float64(174)},
			check: func(t *testing.T, g GlobalState) {
				if g.Tempo != 174 {
					t.Fatalf("tempo = %d", g.Tempo)
				}
			},
		},
		{
			name:  "tempo clamped high",
			patch: map[string]any{"tempo": float64(9999)},
			check: func(t *testing.T, g GlobalState) {
				if g.Tempo != domain.MaxTempo {
					t.Fatalf("tempo = %d, want clamped %d", g.Tempo, domain.MaxTempo)
				}
			},
		},
		{
			name:  "tempo clamped low",
			patch: map[string]any{"tempo": 3},
			check: func(t *testing.T, g GlobalState) {
				if g.Tempo != domain.MinTempo {
					t.Fatalf("tempo = %d, want clamped %d", g.Tempo, domain.MinTempo)
				}
			},
		},
		{
			name:  "bool field",
			patch: map[string]any{"isPlaying": true},
			check: func(t *testing.T, g GlobalState) {
				if !g.IsPlaying {
					t.Fatal("isPlaying not set")
				}
			},
		},
		{
			name:    "unknown field",
			patch:   map[string]any{"swing": 1},
			wantErr: true,
		},
		{
			name:    "wrong type",
			patch:   map[string]any{"tempo": "fast"},
			wantErr: true,
		},
		{
			name:    "fractional integer",
			patch:   map[string]any{"tempo": 120.5},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStateStore()
			touched, err := s.ApplyGlobalPatch(tc.patch)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(touched) != len(tc.patch) {
				t.Fatalf("touched = %v", touched)
			}
			tc.check(t, s.Global())
		})
	}
}

func TestApplyEntityPatchRadioExclusivity(t *testing.T) {
	s := NewStateStore()

	if _, err := s.ApplyEntityPatch(2, map[string]any{
		"toggleFlags": map[string]any{"double": true},
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Entity(2)
	if !rec.ToggleFlags["double"] || rec.ToggleFlags["normal"] || rec.ToggleFlags["half"] {
		t.Fatalf("radio exclusivity broken: %v", rec.ToggleFlags)
	}

	// Independent toggles ride along untouched.
	if _, err := s.ApplyEntityPatch(2, map[string]any{
		"toggleFlags": map[string]any{"reverse": true, "half": true},
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.Entity(2)
	if !rec.ToggleFlags["half"] || rec.ToggleFlags["double"] {
		t.Fatalf("switching half did not clear double: %v", rec.ToggleFlags)
	}
	if !rec.ToggleFlags["reverse"] {
		t.Fatal("independent reverse flag cleared by radio handling")
	}

	// Switching a radio member off does not switch anything else on.
	if _, err := s.ApplyEntityPatch(2, map[string]any{
		"toggleFlags": map[string]any{"half": false},
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.Entity(2)
	if rec.ToggleFlags["half"] || rec.ToggleFlags["normal"] || rec.ToggleFlags["double"] {
		t.Fatalf("clearing half side-effected the radio set: %v", rec.ToggleFlags)
	}
}

func TestApplyEntityPatchFillExclusivity(t *testing.T) {
	s := NewStateStore()

	if _, err := s.ApplyEntityPatch(0, map[string]any{
		"fillFlags": map[string]any{"fill8": true, "autofill": true},
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Entity(0)
	if !rec.FillFlags["fill8"] || !rec.FillFlags["autofill"] {
		t.Fatalf("fills not applied: %v", rec.FillFlags)
	}

	if _, err := s.ApplyEntityPatch(0, map[string]any{
		"fillFlags": map[string]any{"fill32": true},
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.Entity(0)
	if !rec.FillFlags["fill32"] || rec.FillFlags["fill8"] {
		t.Fatalf("fill exclusivity broken: %v", rec.FillFlags)
	}
	if !rec.FillFlags["autofill"] {
		t.Fatal("autofill cleared by exclusive fill switch")
	}
}

func TestApplyEntityPatchSliderClamping(t *testing.T) {
	s := NewStateStore()
	touched, err := s.ApplyEntityPatch(4, map[string]any{
		"sliderValues": map[string]any{"swing": float64(150), "level": float64(-5)},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Entity(4)
	if rec.SliderValues["swing"] != 100 || rec.SliderValues["level"] != 0 {
		t.Fatalf("clamping failed: %v", rec.SliderValues)
	}
	want := map[string]bool{
		"entities.4.sliderValues.swing": true,
		"entities.4.sliderValues.level": true,
	}
	for _, p := range touched {
		if !want[p] {
			t.Fatalf("unexpected touched path %q in %v", p, touched)
		}
	}
	if len(touched) != 2 {
		t.Fatalf("touched = %v", touched)
	}
}

func TestApplyEntityPatchRejectsBadIndex(t *testing.T) {
	s := NewStateStore()
	if _, err := s.ApplyEntityPatch(MaxEntities, map[string]any{"muted": true}); err == nil {
		t.Fatal("out-of-range index accepted")
	}
	if _, err := s.ApplyEntityPatch(-1, map[string]any{"muted": true}); err == nil {
		t.Fatal("negative index accepted")
	}
}

func TestResolvePath(t *testing.T) {
	s := NewStateStore()
	if _, err := s.ApplyEntityPatch(3, map[string]any{
		"sliderValues": map[string]any{"swing": float64(33)},
	}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		ok   bool
		want any
	}{
		{"global.tempo", true, 120},
		{"entities.3.sliderValues.swing", true, 33},
		{"entities.3.muted", true, false},
		{"entities.99", false, nil},
		{"entities.x", false, nil},
		{"nosuch", false, nil},
		{"global.bogus", false, nil},
		{"entities.3.sliderValues.bogus", false, nil},
	}
	for _, tc := range cases {
		got, ok := s.ResolvePath(tc.path)
		if ok != tc.ok {
			t.Errorf("ResolvePath(%q) ok = %v, want %v", tc.path, ok, tc.ok)
			continue
		}
		if tc.ok && tc.want != nil && got != tc.want {
			t.Errorf("ResolvePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	if ls, ok := s.ResolvePath("links.swing"); !ok {
		t.Fatal("links.swing unresolvable")
	} else if ls.(LinkState).Linked() {
		t.Fatal("default link state should be unlinked")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewStateStore()
	if _, err := s.ApplyGlobalPatch(map[string]any{"tempo": float64(150)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyEntityPatch(5, map[string]any{"muted": true}); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()

	if _, err := s.ApplyGlobalPatch(map[string]any{"tempo": float64(90)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyEntityPatch(5, map[string]any{"muted": false}); err != nil {
		t.Fatal(err)
	}

	s.Restore(snap)
	if g := s.Global(); g.Tempo != 150 {
		t.Fatalf("tempo = %d after restore, want 150", g.Tempo)
	}
	rec, _ := s.Entity(5)
	if !rec.Muted {
		t.Fatal("muted lost on restore")
	}

	// The snapshot is structurally independent of the live tree.
	snap.Entities[5].SliderValues[domain.ParamSwing] = 77
	rec, _ = s.Entity(5)
	if rec.SliderValues[domain.ParamSwing] == 77 {
		t.Fatal("snapshot aliases live state")
	}
}
