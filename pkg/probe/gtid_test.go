package probe

import "testing"

func TestCompareGTIDBothEmpty(t *testing.T) {
	if got := CompareGTID("", ""); got != Equal {
		t.Errorf("expected Equal for two empty operands, got %v", got)
	}
}

func TestCompareGTIDEmptyVsNonEmpty(t *testing.T) {
	if got := CompareGTID("", "x:1-10"); got != Behind {
		t.Errorf("expected Behind for empty vs non-empty, got %v", got)
	}
	if got := CompareGTID("x:1-10", ""); got != Ahead {
		t.Errorf("expected Ahead for non-empty vs empty, got %v", got)
	}
}

func TestCompareGTIDSingleSource(t *testing.T) {
	if got := CompareGTID("x:1-100", "x:1-120"); got != Behind {
		t.Errorf("expected Behind, got %v", got)
	}
	if got := CompareGTID("x:1-120", "x:1-100"); got != Ahead {
		t.Errorf("expected Ahead, got %v", got)
	}
}

func TestCompareGTIDTie(t *testing.T) {
	if got := CompareGTID("x:1-50", "x:1-50"); got != Equal {
		t.Errorf("expected Equal for identical GTID sets, got %v", got)
	}
}

func TestCompareGTIDMultiSource(t *testing.T) {
	a := "x:1-100,y:1-10"
	b := "x:1-90,y:1-30"
	// a: 100 + 10 = 110, b: 90 + 30 = 120
	if got := CompareGTID(a, b); got != Behind {
		t.Errorf("expected Behind, got %v", got)
	}
}

func TestCompareGTIDMissingSourceUUIDContributesZero(t *testing.T) {
	a := "x:1-10"
	b := "x:1-10,y:1-5"
	if got := CompareGTID(a, b); got != Behind {
		t.Errorf("expected Behind since b has an extra source UUID, got %v", got)
	}
}

func TestGtidTransactionCountBareNumber(t *testing.T) {
	if got := gtidTransactionCount("x:5"); got != 1 {
		t.Errorf("expected a bare transaction number to count as 1, got %d", got)
	}
}
