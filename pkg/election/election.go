// Package election picks a failover candidate from a slate of healthy
// replicas, ranking them deterministically by replication advancement.
package election

import (
	"fmt"
	"sort"

	"github.com/LumeWeb/akash-proxysql/pkg/probe"
	"k8s.io/klog/v2"
)

// Candidate is one node eligible for promotion.
type Candidate struct {
	NodeID string
	GTID   string
}

// Elect ranks candidates by probe.CompareGTID (strictly ahead wins), ties
// broken by lexicographic NodeID for determinism, and returns the winner.
// ok is false when candidates is empty.
func Elect(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)

	sort.Slice(ranked, func(i, j int) bool {
		switch probe.CompareGTID(ranked[i].GTID, ranked[j].GTID) {
		case probe.Ahead:
			return true
		case probe.Behind:
			return false
		default:
			return ranked[i].NodeID < ranked[j].NodeID
		}
	})

	elected := ranked[0]
	klog.InfoS("Election result", "elected", elected.NodeID, "gtid", elected.GTID, "reason", electionReason(ranked))
	return elected, true
}

func electionReason(ranked []Candidate) string {
	if len(ranked) < 2 {
		return "only candidate"
	}
	elected, runnerUp := ranked[0], ranked[1]
	if probe.CompareGTID(elected.GTID, runnerUp.GTID) == probe.Equal {
		return fmt.Sprintf("GTID tie broken by node id (%s vs %s)", elected.NodeID, runnerUp.NodeID)
	}
	return fmt.Sprintf("most advanced GTID (%s vs %s)", elected.GTID, runnerUp.GTID)
}
