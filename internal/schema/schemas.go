package schema

import (
	"fmt"

	"groovecore/pkg/domain"
)

// Schema names for the persisted aggregates and their building blocks.
const (
	SchemaGlobalState   = "global-state"
	SchemaEntity        = "entity"
	SchemaAppState      = domain.KeyAppState
	SchemaPresets       = domain.KeyPresets
	SchemaPatternGroups = domain.KeyPatternGroups
	SchemaConfigUnits   = domain.KeyConfigUnits
	SchemaLockFlags     = domain.KeyLockFlags
)

// Fixed collection sizes of the persisted aggregates. Structural repair pads
// or truncates to these lengths.
const (
	NumPatternGroups    = 16
	PatternsPerGroup    = 16
	StepsPerPattern     = 16
	NumConfigUnits      = 32
	MaxStepVelocity     = 127
	maxAggregateNameLen = 24
)

func registerBuiltins(e *Engine) {
	global := Schema{
		"tempo":         IntField(domain.MinTempo, domain.MaxTempo, 120),
		"isPlaying":     BoolField(),
		"currentEntity": IntField(0, domain.MaxEntities-1, 0),
		"entityCount":   IntField(1, domain.MaxEntities, domain.MaxEntities),
		"loopPosition":  FieldSpec{Kind: KindInt, Required: true, Min: fptr(0), Default: 0},
	}

	slider := FieldSpec{Kind: KindInt, Required: true, Min: fptr(0), Max: fptr(100), Default: 0}
	entity := Schema{
		"selectedConfigUnit": IntField(0, NumConfigUnits-1, 0),
		"patternGroup":       IntField(0, NumPatternGroups-1, 0),
		"selectedPattern":    IntField(0, PatternsPerGroup-1, 0),
		"muted":              BoolField(),
		"toggleFlags":        MapField(FieldSpec{Kind: KindBool, Default: false}),
		"fillFlags":          MapField(FieldSpec{Kind: KindBool, Default: false}),
		"sliderValues": ObjectField(Schema{
			domain.ParamSwing:  slider,
			domain.ParamLevel:  FieldSpec{Kind: KindInt, Required: true, Min: fptr(0), Max: fptr(100), Default: 100},
			domain.ParamAccent: FieldSpec{Kind: KindInt, Required: true, Min: fptr(0), Max: fptr(100), Default: 50},
		}),
		"linkFlags": MapField(FieldSpec{Kind: KindString, Predicate: linkRolePredicate, Default: string(domain.LinkNone)}),
	}

	appState := Schema{
		"global":   ObjectField(global),
		"entities": ArrayField(domain.MaxEntities, FieldSpec{Kind: KindObject, Nested: entity, Default: map[string]any{}}),
	}

	presets := Schema{
		"presets": MapField(FieldSpec{Kind: KindObject, Nested: appState, Default: map[string]any{}}),
	}

	pattern := Schema{
		"steps": ArrayField(StepsPerPattern, FieldSpec{Kind: KindInt, Min: fptr(0), Max: fptr(MaxStepVelocity), Default: 0}),
	}
	group := Schema{
		"name":     StringField(maxAggregateNameLen),
		"patterns": ArrayField(PatternsPerGroup, FieldSpec{Kind: KindObject, Nested: pattern, Default: map[string]any{}}),
	}
	patternGroups := Schema{
		"groups": ArrayField(NumPatternGroups, FieldSpec{Kind: KindObject, Nested: group, Default: map[string]any{}}),
	}

	unit := Schema{
		"name": StringField(maxAggregateNameLen),
		"gain": IntField(0, 100, 100),
	}
	configUnits := Schema{
		"units": ArrayField(NumConfigUnits, FieldSpec{Kind: KindObject, Nested: unit, Default: map[string]any{}}),
	}

	link := Schema{
		"master": IntField(domain.NoMaster, domain.MaxEntities-1, domain.NoMaster),
		"slaves": FieldSpec{
			Kind:      KindArray,
			Required:  true,
			MaxLength: iptr(domain.MaxEntities),
			Elem:      &FieldSpec{Kind: KindInt, Min: fptr(0), Max: fptr(domain.MaxEntities - 1), Default: 0},
			Default:   []any{},
		},
	}
	lockFlags := Schema{
		"links": MapField(FieldSpec{Kind: KindObject, Nested: link, Default: map[string]any{}}),
	}

	e.Register(SchemaGlobalState, global)
	e.Register(SchemaEntity, entity)
	e.Register(SchemaAppState, appState)
	e.Register(SchemaPresets, presets)
	e.Register(SchemaPatternGroups, patternGroups)
	e.Register(SchemaConfigUnits, configUnits)
	e.Register(SchemaLockFlags, lockFlags)
}

func linkRolePredicate(v any) error {
	s, _ := v.(string)
	switch domain.LinkRole(s) {
	case domain.LinkNone, domain.LinkMaster, domain.LinkSlave:
		return nil
	default:
		return fmt.Errorf("unknown link role %q", s)
	}
}
