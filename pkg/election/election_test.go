package election

import "testing"

func TestElectEmptySlate(t *testing.T) {
	_, ok := Elect(nil)
	if ok {
		t.Error("expected ok=false for an empty candidate slate")
	}
}

func TestElectPicksMostAdvanced(t *testing.T) {
	candidates := []Candidate{
		{NodeID: "b", GTID: "x:1-100"},
		{NodeID: "c", GTID: "x:1-120"},
	}

	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected an election result")
	}
	if winner.NodeID != "c" {
		t.Errorf("expected c elected for higher GTID, got %s", winner.NodeID)
	}
}

func TestElectTieBreaksByLexicographicNodeID(t *testing.T) {
	candidates := []Candidate{
		{NodeID: "zzz", GTID: "x:1-50"},
		{NodeID: "aaa", GTID: "x:1-50"},
	}

	winner, ok := Elect(candidates)
	if !ok {
		t.Fatal("expected an election result")
	}
	if winner.NodeID != "aaa" {
		t.Errorf("expected lexicographically smaller node id aaa to win tie, got %s", winner.NodeID)
	}
}

func TestElectSingleCandidate(t *testing.T) {
	winner, ok := Elect([]Candidate{{NodeID: "only", GTID: ""}})
	if !ok || winner.NodeID != "only" {
		t.Fatalf("expected only candidate elected, got %+v ok=%v", winner, ok)
	}
}

func TestElectDoesNotMutateInput(t *testing.T) {
	candidates := []Candidate{
		{NodeID: "b", GTID: "x:1-10"},
		{NodeID: "a", GTID: "x:1-100"},
	}

	_, _ = Elect(candidates)

	if candidates[0].NodeID != "b" || candidates[1].NodeID != "a" {
		t.Errorf("expected caller's slice order preserved, got %+v", candidates)
	}
}
