// Package order establishes the fold order: the single deterministic total
// order applied to staged records before aggregation.
package order

import (
	"slices"
	"strings"

	"github.com/roach88/vgomini/internal/ir"
)

// Descriptor is the fold order every later stage and the Tier0Root record.
var Descriptor = ir.FoldDescriptor{
	Version:  "v1",
	Keys:     []string{"bucket", "partition", "occurred_at"},
	Tiebreak: "arrival",
}

// Order returns a copy of staged sorted by bucket, partition, then
// occurred_at, all ascending. Records with equal keys keep their relative
// input (arrival) order. The input slice is not modified.
func Order(staged []ir.ValidatedRecord) ([]ir.ValidatedRecord, ir.FoldDescriptor) {
	out := slices.Clone(staged)
	if out == nil {
		out = []ir.ValidatedRecord{}
	}
	slices.SortStableFunc(out, compare)
	return out, Descriptor
}

// compare orders by the descriptor keys. Bucket and occurred_at are
// canonical UTC strings, so byte order is chronological order.
func compare(a, b ir.ValidatedRecord) int {
	if c := strings.Compare(a.Bucket, b.Bucket); c != 0 {
		return c
	}
	if a.Partition != b.Partition {
		if a.Partition < b.Partition {
			return -1
		}
		return 1
	}
	return strings.Compare(a.OccurredAt, b.OccurredAt)
}
