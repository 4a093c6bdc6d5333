// Package domain holds the shared types and contracts of the groovecore
// control surface: the session/entity state tree, the dirty-save hierarchy,
// the parameter link graph and the persistence medium abstraction.
package domain

// MaxEntities is the number of entity slots the engine always maintains.
// Slots are created at construction and only ever overwritten, never removed.
const MaxEntities = 8

// Tempo bounds accepted by validation and correction.
const (
	MinTempo = 20
	MaxTempo = 300
)

// Slider parameter names. Every slider is an integer in [0,100] and every
// slider is linkable across entities.
const (
	ParamSwing  = "swing"
	ParamLevel  = "level"
	ParamAccent = "accent"
)

// SliderParams lists the linkable slider parameters in stable order.
var SliderParams = []string{ParamSwing, ParamLevel, ParamAccent}

// Toggle flag names. The radio subset is mutually exclusive; setting one
// true clears the other two. The independent subset carries no exclusion.
var (
	RadioToggles       = []string{"half", "normal", "double"}
	IndependentToggles = []string{"reverse", "hold"}
)

// Fill flag names. The exclusive subset is one-of-four.
var (
	ExclusiveFills   = []string{"fill4", "fill8", "fill16", "fill32"}
	IndependentFills = []string{"autofill"}
)

// GlobalState carries the session-wide settings. It is owned by the state
// store and mutated only through the update scheduler.
type GlobalState struct {
	Tempo         int  `json:"tempo"`
	IsPlaying     bool `json:"isPlaying"`
	CurrentEntity int  `json:"currentEntity"`
	EntityCount   int  `json:"entityCount"`
	LoopPosition  int  `json:"loopPosition"`
}

// DefaultGlobalState returns the factory settings for a new session.
func DefaultGlobalState() GlobalState {
	return GlobalState{
		Tempo:         120,
		IsPlaying:     false,
		CurrentEntity: 0,
		EntityCount:   MaxEntities,
		LoopPosition:  0,
	}
}

// EntityRecord is the full configuration of one instrument voice.
type EntityRecord struct {
	SelectedConfigUnit int                 `json:"selectedConfigUnit"`
	PatternGroup       int                 `json:"patternGroup"`
	SelectedPattern    int                 `json:"selectedPattern"`
	Muted              bool                `json:"muted"`
	ToggleFlags        map[string]bool     `json:"toggleFlags"`
	FillFlags          map[string]bool     `json:"fillFlags"`
	SliderValues       map[string]int      `json:"sliderValues"`
	LinkFlags          map[string]LinkRole `json:"linkFlags"`
}

// DefaultEntityRecord returns the factory configuration for one slot.
func DefaultEntityRecord() EntityRecord {
	rec := EntityRecord{
		SelectedConfigUnit: 0,
		PatternGroup:       0,
		SelectedPattern:    0,
		Muted:              false,
		ToggleFlags:        map[string]bool{},
		FillFlags:          map[string]bool{},
		SliderValues:       map[string]int{},
		LinkFlags:          map[string]LinkRole{},
	}
	for _, name := range RadioToggles {
		rec.ToggleFlags[name] = name == "normal"
	}
	for _, name := range IndependentToggles {
		rec.ToggleFlags[name] = false
	}
	for _, name := range ExclusiveFills {
		rec.FillFlags[name] = false
	}
	for _, name := range IndependentFills {
		rec.FillFlags[name] = false
	}
	rec.SliderValues[ParamSwing] = 0
	rec.SliderValues[ParamLevel] = 100
	rec.SliderValues[ParamAccent] = 50
	for _, p := range SliderParams {
		rec.LinkFlags[p] = LinkNone
	}
	return rec
}

// Clone returns a deep copy of the record. Records are copied structurally
// rather than through a serialize round trip.
func (e EntityRecord) Clone() EntityRecord {
	cp := e
	cp.ToggleFlags = cloneBoolMap(e.ToggleFlags)
	cp.FillFlags = cloneBoolMap(e.FillFlags)
	cp.SliderValues = make(map[string]int, len(e.SliderValues))
	for k, v := range e.SliderValues {
		cp.SliderValues[k] = v
	}
	cp.LinkFlags = make(map[string]LinkRole, len(e.LinkFlags))
	for k, v := range e.LinkFlags {
		cp.LinkFlags[k] = v
	}
	return cp
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Preset is a named snapshot of the full session: global settings plus all
// entity slots. Presets are stored together as one aggregate.
type Preset struct {
	Global   GlobalState    `json:"global"`
	Entities []EntityRecord `json:"entities"`
}

// ClonePreset deep-copies a preset.
func ClonePreset(p Preset) Preset {
	cp := p
	cp.Entities = make([]EntityRecord, len(p.Entities))
	for i, e := range p.Entities {
		cp.Entities[i] = e.Clone()
	}
	return cp
}
