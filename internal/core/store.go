package core

import (
	"fmt"
	"strconv"
	"strings"

	"groovecore/pkg/domain"
)

// StateStore is the in-memory hierarchical state tree: the global session
// settings, the fixed array of entity slots and the per-parameter link
// states. It does no locking of its own — every mutation happens inside an
// atomic transaction owned by the lock manager, and any direct external
// mutation outside that path is a caller error.
type StateStore struct {
	global   GlobalState
	entities [MaxEntities]EntityRecord
	links    map[string]LinkState
}

// NewStateStore builds a store populated with factory defaults. All entity
// slots exist from the start; they are only ever overwritten.
func NewStateStore() *StateStore {
	s := &StateStore{
		global: domain.DefaultGlobalState(),
		links:  make(map[string]LinkState, len(domain.SliderParams)),
	}
	for i := range s.entities {
		s.entities[i] = domain.DefaultEntityRecord()
	}
	for _, p := range domain.SliderParams {
		s.links[p] = domain.NewLinkState()
	}
	return s
}

// Global returns a copy of the session settings.
func (s *StateStore) Global() GlobalState { return s.global }

// SetGlobal replaces the session settings.
func (s *StateStore) SetGlobal(g GlobalState) { s.global = g }

// Entity returns a copy of one slot.
func (s *StateStore) Entity(i int) (EntityRecord, bool) {
	if i < 0 || i >= MaxEntities {
		return EntityRecord{}, false
	}
	return s.entities[i].Clone(), true
}

// SetEntity replaces one slot.
func (s *StateStore) SetEntity(i int, rec EntityRecord) {
	if i < 0 || i >= MaxEntities {
		return
	}
	s.entities[i] = rec.Clone()
}

// EntityActive reports whether index i is within the active range.
func (s *StateStore) EntityActive(i int) bool {
	return i >= 0 && i < s.global.EntityCount
}

// Link returns a copy of one parameter's link state.
func (s *StateStore) Link(param string) (LinkState, bool) {
	ls, ok := s.links[param]
	if !ok {
		return LinkState{}, false
	}
	return ls.Clone(), true
}

// SetLink replaces one parameter's link state.
func (s *StateStore) SetLink(param string, ls LinkState) {
	if _, ok := s.links[param]; !ok {
		return
	}
	s.links[param] = ls.Clone()
}

// Links returns a copy of all link states.
func (s *StateStore) Links() map[string]LinkState {
	out := make(map[string]LinkState, len(s.links))
	for p, ls := range s.links {
		out[p] = ls.Clone()
	}
	return out
}

// SetSlider writes one slider value, clamped into range.
func (s *StateStore) SetSlider(entity int, param string, value int) bool {
	if entity < 0 || entity >= MaxEntities {
		return false
	}
	if _, ok := s.entities[entity].SliderValues[param]; !ok {
		return false
	}
	s.entities[entity].SliderValues[param] = clampSlider(value)
	return true
}

// SetLinkFlag records one entity's role for a parameter.
func (s *StateStore) SetLinkFlag(entity int, param string, role LinkRole) {
	if entity < 0 || entity >= MaxEntities {
		return
	}
	s.entities[entity].LinkFlags[param] = role
}

// Snapshot copies the global settings and all entity slots.
func (s *StateStore) Snapshot() Preset {
	p := Preset{Global: s.global, Entities: make([]EntityRecord, MaxEntities)}
	for i := range s.entities {
		p.Entities[i] = s.entities[i].Clone()
	}
	return p
}

// Restore overwrites the tree from a preset. Short entity lists leave the
// remaining slots at their current values overwritten with defaults.
func (s *StateStore) Restore(p Preset) {
	s.global = p.Global
	for i := range s.entities {
		if i < len(p.Entities) {
			s.entities[i] = p.Entities[i].Clone()
		} else {
			s.entities[i] = domain.DefaultEntityRecord()
		}
	}
}

// RestoreLinks overwrites the parameter links from a snapshot taken with
// Links. Parameters absent from the snapshot are left as they are.
func (s *StateStore) RestoreLinks(links map[string]LinkState) {
	for p := range s.links {
		if ls, ok := links[p]; ok {
			s.links[p] = ls.Clone()
		}
	}
}

// ResetLinks drops every parameter link.
func (s *StateStore) ResetLinks() {
	for _, p := range domain.SliderParams {
		s.links[p] = domain.NewLinkState()
	}
	for i := range s.entities {
		for _, p := range domain.SliderParams {
			s.entities[i].LinkFlags[p] = LinkNone
		}
	}
}

// ApplyGlobalPatch merges a partial payload into the session settings and
// returns the touched paths.
func (s *StateStore) ApplyGlobalPatch(patch map[string]any) ([]string, error) {
	var touched []string
	for field, raw := range patch {
		switch field {
		case "tempo":
			n, ok := asInt(raw)
			if !ok {
				return touched, fmt.Errorf("tempo: expected integer, got %T", raw)
			}
			s.global.Tempo = clampInt(n, domain.MinTempo, domain.MaxTempo)
		case "isPlaying":
			b, ok := raw.(bool)
			if !ok {
				return touched, fmt.Errorf("isPlaying: expected bool, got %T", raw)
			}
			s.global.IsPlaying = b
		case "currentEntity":
			n, ok := asInt(raw)
			if !ok {
				return touched, fmt.Errorf("currentEntity: expected integer, got %T", raw)
			}
			s.global.CurrentEntity = clampInt(n, 0, MaxEntities-1)
		case "entityCount":
			n, ok := asInt(raw)
			if !ok {
				return touched, fmt.Errorf("entityCount: expected integer, got %T", raw)
			}
			s.global.EntityCount = clampInt(n, 1, MaxEntities)
		case "loopPosition":
			n, ok := asInt(raw)
			if !ok {
				return touched, fmt.Errorf("loopPosition: expected integer, got %T", raw)
			}
			if n < 0 {
				n = 0
			}
			s.global.LoopPosition = n
		default:
			return touched, fmt.Errorf("unknown global field %q", field)
		}
		touched = append(touched, "global."+field)
	}
	return touched, nil
}

// ApplyEntityPatch merges a partial payload into one slot. Nested flag and
// slider maps merge one level deep; radio and exclusive-fill subsets keep
// their mutual exclusion when a member is switched on.
func (s *StateStore) ApplyEntityPatch(i int, patch map[string]any) ([]string, error) {
	if i < 0 || i >= MaxEntities {
		return nil, fmt.Errorf("entity index %d out of range", i)
	}
	rec := &s.entities[i]
	prefix := fmt.Sprintf("entities.%d.", i)
	var touched []string
	for field, raw := range patch {
		switch field {
		case "selectedConfigUnit", "patternGroup", "selectedPattern":
			n, ok := asInt(raw)
			if !ok {
				return touched, fmt.Errorf("%s: expected integer, got %T", field, raw)
			}
			switch field {
			case "selectedConfigUnit":
				rec.SelectedConfigUnit = n
			case "patternGroup":
				rec.PatternGroup = n
			case "selectedPattern":
				rec.SelectedPattern = n
			}
		case "muted":
			b, ok := raw.(bool)
			if !ok {
				return touched, fmt.Errorf("muted: expected bool, got %T", raw)
			}
			rec.Muted = b
		case "toggleFlags":
			m, ok := raw.(map[string]any)
			if !ok {
				return touched, fmt.Errorf("toggleFlags: expected object, got %T", raw)
			}
			if err := mergeFlags(rec.ToggleFlags, m, domain.RadioToggles); err != nil {
				return touched, fmt.Errorf("toggleFlags: %w", err)
			}
		case "fillFlags":
			m, ok := raw.(map[string]any)
			if !ok {
				return touched, fmt.Errorf("fillFlags: expected object, got %T", raw)
			}
			if err := mergeFlags(rec.FillFlags, m, domain.ExclusiveFills); err != nil {
				return touched, fmt.Errorf("fillFlags: %w", err)
			}
		case "sliderValues":
			m, ok := raw.(map[string]any)
			if !ok {
				return touched, fmt.Errorf("sliderValues: expected object, got %T", raw)
			}
			for param, v := range m {
				n, ok := asInt(v)
				if !ok {
					return touched, fmt.Errorf("sliderValues.%s: expected integer, got %T", param, v)
				}
				rec.SliderValues[param] = clampSlider(n)
				touched = append(touched, prefix+"sliderValues."+param)
			}
			continue
		case "linkFlags":
			m, ok := raw.(map[string]any)
			if !ok {
				return touched, fmt.Errorf("linkFlags: expected object, got %T", raw)
			}
			for param, v := range m {
				role, ok := asLinkRole(v)
				if !ok {
					return touched, fmt.Errorf("linkFlags.%s: bad role %v", param, v)
				}
				rec.LinkFlags[param] = role
			}
		default:
			return touched, fmt.Errorf("unknown entity field %q", field)
		}
		touched = append(touched, prefix+field)
	}
	return touched, nil
}

// mergeFlags merges a one-level flag patch, enforcing that switching on a
// member of the exclusive subset switches the rest of that subset off.
func mergeFlags(dst map[string]bool, patch map[string]any, exclusive []string) error {
	for name, raw := range patch {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%s: expected bool, got %T", name, raw)
		}
		dst[name] = b
		if b && contains(exclusive, name) {
			for _, other := range exclusive {
				if other != name {
					dst[other] = false
				}
			}
		}
	}
	return nil
}

// ResolvePath reads a dot path out of the tree: "global", "global.tempo",
// "entities.3", "entities.3.sliderValues.swing", "links.swing".
func (s *StateStore) ResolvePath(path string) (any, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "global":
		if len(parts) == 1 {
			return s.global, true
		}
		return resolveGlobalField(s.global, parts[1:])
	case "entities":
		if len(parts) == 1 {
			snap := s.Snapshot()
			return snap.Entities, true
		}
		i, err := strconv.Atoi(parts[1])
		if err != nil || i < 0 || i >= MaxEntities {
			return nil, false
		}
		rec := s.entities[i].Clone()
		if len(parts) == 2 {
			return rec, true
		}
		return resolveEntityField(rec, parts[2:])
	case "links":
		if len(parts) != 2 {
			return nil, false
		}
		return s.Link(parts[1])
	default:
		return nil, false
	}
}

func resolveGlobalField(g GlobalState, parts []string) (any, bool) {
	if len(parts) != 1 {
		return nil, false
	}
	switch parts[0] {
	case "tempo":
		return g.Tempo, true
	case "isPlaying":
		return g.IsPlaying, true
	case "currentEntity":
		return g.CurrentEntity, true
	case "entityCount":
		return g.EntityCount, true
	case "loopPosition":
		return g.LoopPosition, true
	default:
		return nil, false
	}
}

func resolveEntityField(rec EntityRecord, parts []string) (any, bool) {
	switch parts[0] {
	case "selectedConfigUnit":
		return rec.SelectedConfigUnit, len(parts) == 1
	case "patternGroup":
		return rec.PatternGroup, len(parts) == 1
	case "selectedPattern":
		return rec.SelectedPattern, len(parts) == 1
	case "muted":
		return rec.Muted, len(parts) == 1
	case "toggleFlags":
		if len(parts) == 1 {
			return rec.ToggleFlags, true
		}
		v, ok := rec.ToggleFlags[parts[1]]
		return v, ok && len(parts) == 2
	case "fillFlags":
		if len(parts) == 1 {
			return rec.FillFlags, true
		}
		v, ok := rec.FillFlags[parts[1]]
		return v, ok && len(parts) == 2
	case "sliderValues":
		if len(parts) == 1 {
			return rec.SliderValues, true
		}
		v, ok := rec.SliderValues[parts[1]]
		return v, ok && len(parts) == 2
	case "linkFlags":
		if len(parts) == 1 {
			return rec.LinkFlags, true
		}
		v, ok := rec.LinkFlags[parts[1]]
		return v, ok && len(parts) == 2
	default:
		return nil, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asLinkRole(v any) (LinkRole, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch LinkRole(s) {
	case LinkNone, LinkMaster, LinkSlave:
		return LinkRole(s), true
	default:
		return "", false
	}
}

func clampSlider(n int) int { return clampInt(n, 0, 100) }

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
