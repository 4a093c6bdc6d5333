package persist

import (
	"fmt"
	"log/slog"
	"strconv"

	"groovecore/pkg/domain"
)

// MigrationStep is one pure transformation in an aggregate's version chain.
type MigrationStep struct {
	From  string
	To    string
	Apply func(any) (any, error)
}

// currentVersions pins the schema version written for each aggregate.
var currentVersions = map[string]string{
	domain.KeyAppState:      "3",
	domain.KeyPresets:       "2",
	domain.KeyPatternGroups: "1",
	domain.KeyConfigUnits:   "1",
	domain.KeyLockFlags:     "1",
}

// migrationChains holds the ordered, versioned transformation chains. Each
// step must be pure: it never touches the medium and never mutates shared
// state outside the payload it is handed.
var migrationChains = map[string][]MigrationStep{
	domain.KeyAppState: {
		{From: "1", To: "2", Apply: migrateAppStateRenameBPM},
		{From: "2", To: "3", Apply: migrateAppStateLoopPosition},
	},
	domain.KeyPresets: {
		{From: "1", To: "2", Apply: migratePresetsWrap},
	},
}

// CurrentVersion returns the version written for a key, defaulting to "1".
func CurrentVersion(key string) string {
	if v, ok := currentVersions[key]; ok {
		return v
	}
	return "1"
}

// migrate walks the chain for key starting at from. A failing step logs and
// returns the payload as migrated so far; callers tolerate partially
// migrated data, which the next load pass validates and repairs.
func migrate(log *slog.Logger, key, from string, payload any) (any, string) {
	version := from
	for _, step := range migrationChains[key] {
		if versionNum(step.From) < versionNum(version) {
			continue
		}
		next, err := step.Apply(payload)
		if err != nil {
			merr := &domain.MigrationError{Key: key, From: step.From, To: step.To, Step: err}
			log.Warn("migration step failed, keeping unmigrated payload",
				"key", key, "from", step.From, "to", step.To, "err", merr)
			return payload, version
		}
		payload = next
		version = step.To
	}
	return payload, version
}

func versionNum(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// v1 app-state called the tempo field "bpm".
func migrateAppStateRenameBPM(payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("app-state payload is %T, want object", payload)
	}
	global, ok := m["global"].(map[string]any)
	if !ok {
		return payload, nil
	}
	if bpm, has := global["bpm"]; has {
		if _, taken := global["tempo"]; !taken {
			global["tempo"] = bpm
		}
		delete(global, "bpm")
	}
	return m, nil
}

// v2 app-state predates the loop position.
func migrateAppStateLoopPosition(payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("app-state payload is %T, want object", payload)
	}
	if global, ok := m["global"].(map[string]any); ok {
		if _, has := global["loopPosition"]; !has {
			global["loopPosition"] = float64(0)
		}
	}
	return m, nil
}

// v1 presets stored the name → preset map at the top level.
func migratePresetsWrap(payload any) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("presets payload is %T, want object", payload)
	}
	if _, wrapped := m["presets"]; wrapped {
		return m, nil
	}
	return map[string]any{"presets": m}, nil
}
