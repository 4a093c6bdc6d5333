package domain

import (
	"encoding/json"
	"sort"
)

// LinkRole marks an entity's part in a parameter link.
type LinkRole string

const (
	// LinkNone means the entity does not participate in the link.
	LinkNone LinkRole = "none"
	// LinkMaster means the entity is the source of truth for the parameter.
	LinkMaster LinkRole = "master"
	// LinkSlave means the entity mirrors the master's value.
	LinkSlave LinkRole = "slave"
)

// NoMaster is the sentinel for an unlinked parameter.
const NoMaster = -1

// LinkState records the replication graph of one linkable parameter.
// Invariants: Master is never a member of Slaves; all slave ids lie within
// the active entity range; at most one master exists per parameter.
type LinkState struct {
	Master int
	Slaves map[int]struct{}
}

// linkStateJSON is the wire shape: the slave set serializes as a sorted id
// array, matching the persisted lock-flags layout.
type linkStateJSON struct {
	Master int   `json:"master"`
	Slaves []int `json:"slaves"`
}

func (l LinkState) MarshalJSON() ([]byte, error) {
	ids := l.SlaveIDs()
	sort.Ints(ids)
	return json.Marshal(linkStateJSON{Master: l.Master, Slaves: ids})
}

func (l *LinkState) UnmarshalJSON(data []byte) error {
	var wire linkStateJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	l.Master = wire.Master
	l.Slaves = make(map[int]struct{}, len(wire.Slaves))
	for _, id := range wire.Slaves {
		l.Slaves[id] = struct{}{}
	}
	return nil
}

// NewLinkState returns an unlinked state.
func NewLinkState() LinkState {
	return LinkState{Master: NoMaster, Slaves: make(map[int]struct{})}
}

// Clone deep-copies the link state.
func (l LinkState) Clone() LinkState {
	cp := LinkState{Master: l.Master, Slaves: make(map[int]struct{}, len(l.Slaves))}
	for id := range l.Slaves {
		cp.Slaves[id] = struct{}{}
	}
	return cp
}

// Linked reports whether any master is assigned.
func (l LinkState) Linked() bool { return l.Master != NoMaster }

// SlaveIDs returns the slave set as a slice in unspecified order.
func (l LinkState) SlaveIDs() []int {
	out := make([]int, 0, len(l.Slaves))
	for id := range l.Slaves {
		out = append(out, id)
	}
	return out
}
