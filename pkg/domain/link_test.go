package domain

import (
	"encoding/json"
	"testing"
)

func TestLinkStateJSONRoundTrip(t *testing.T) {
	ls := NewLinkState()
	ls.Master = 1
	for _, id := range []int{5, 0, 2} {
		ls.Slaves[id] = struct{}{}
	}

	raw, err := json.Marshal(ls)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(raw); got != `{"master":1,"slaves":[0,2,5]}` {
		t.Fatalf("marshaled = %s, want sorted slave array", got)
	}

	var back LinkState
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Master != 1 || len(back.Slaves) != 3 {
		t.Fatalf("round trip = %+v", back)
	}
	for _, id := range []int{0, 2, 5} {
		if _, in := back.Slaves[id]; !in {
			t.Fatalf("slave %d lost in round trip", id)
		}
	}
}

func TestLinkStateUnlinkedMarshalsEmptySlaves(t *testing.T) {
	raw, err := json.Marshal(NewLinkState())
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"master":-1,"slaves":[]}` {
		t.Fatalf("marshaled = %s", got)
	}
}
