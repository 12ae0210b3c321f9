package probe

import (
	"strconv"
	"strings"
)

// Comparison is the result of CompareGTID.
type Comparison int

const (
	Equal Comparison = iota
	Ahead
	Behind
)

// CompareGTID parses the trailing transaction-count span of two GTID set
// strings of the form "<uuid>:<start>-<end>[,<uuid>:<start>-<end>...]" and
// compares them numerically, summing the span width (end-start+1) per
// source UUID shared between a and b. A source UUID missing from an
// operand contributes zero for that UUID. Two empty operands are Equal;
// empty vs. non-empty is Behind/Ahead accordingly.
func CompareGTID(a, b string) Comparison {
	totalA := gtidTransactionCount(a)
	totalB := gtidTransactionCount(b)

	switch {
	case totalA > totalB:
		return Ahead
	case totalA < totalB:
		return Behind
	default:
		return Equal
	}
}

func gtidTransactionCount(gtidSet string) int64 {
	var total int64
	for _, part := range strings.Split(gtidSet, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		total += spanWidth(part)
	}
	return total
}

// spanWidth parses one "<uuid>:<range>[:<range>...]" source clause,
// summing each comma-free "<start>-<end>" (or bare "<n>") range's width.
func spanWidth(clause string) int64 {
	idx := strings.IndexByte(clause, ':')
	if idx < 0 {
		return 0
	}
	rangesPart := clause[idx+1:]

	var total int64
	for _, r := range strings.Split(rangesPart, ":") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		dash := strings.IndexByte(r, '-')
		if dash < 0 {
			n, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				continue
			}
			total += 1
			_ = n
			continue
		}
		start, err1 := strconv.ParseInt(r[:dash], 10, 64)
		end, err2 := strconv.ParseInt(r[dash+1:], 10, 64)
		if err1 != nil || err2 != nil || end < start {
			continue
		}
		total += end - start + 1
	}
	return total
}
