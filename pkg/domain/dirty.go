package domain

import "fmt"

// DirtyLevel is one tier of the save hierarchy. Levels are ordered low to
// high; marking a level dirty also marks every level above it, and saving a
// level clears it together with every level below it.
type DirtyLevel int

const (
	// DirtyPattern tracks edits to the selected pattern.
	DirtyPattern DirtyLevel = iota
	// DirtyPatternGroup tracks edits to the pattern group.
	DirtyPatternGroup
	// DirtyKit tracks edits to the selected configuration unit.
	DirtyKit
	// DirtyEntity tracks edits to any per-entity setting.
	DirtyEntity
	// DirtySession tracks edits to the session as a whole.
	DirtySession

	numDirtyLevels
)

// DirtyLevels lists all levels low to high.
var DirtyLevels = []DirtyLevel{DirtyPattern, DirtyPatternGroup, DirtyKit, DirtyEntity, DirtySession}

// NumDirtyLevels is the size of the hierarchy.
const NumDirtyLevels = int(numDirtyLevels)

func (l DirtyLevel) String() string {
	switch l {
	case DirtyPattern:
		return "pattern"
	case DirtyPatternGroup:
		return "patternGroup"
	case DirtyKit:
		return "kit"
	case DirtyEntity:
		return "entity"
	case DirtySession:
		return "session"
	default:
		return fmt.Sprintf("DirtyLevel(%d)", int(l))
	}
}

// ParseDirtyLevel resolves a level by its string name.
func ParseDirtyLevel(name string) (DirtyLevel, error) {
	for _, l := range DirtyLevels {
		if l.String() == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown dirty level %q", name)
}
