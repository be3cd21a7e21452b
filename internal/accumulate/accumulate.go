// Package accumulate folds ordered records into per-principal rollups.
package accumulate

import (
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/vgomini/internal/ir"
)

// Stage is the transcript stream name for accumulation notes.
const Stage = "accumulate"

// Accumulate groups ordered records by principal. Records tagged
// NON_INTEGER_AMOUNT, and records that would push a running sum past int64,
// are excluded with a note; this never fails. A refund adds
// |amount| to refunds and subtracts it from net; any other type adds amount
// to gross and net. Rows come back sorted by principal in byte order.
//
// The result is always a full recompute over the input; nothing is merged
// with a previous rollup.
func Accumulate(ordered []ir.ValidatedRecord) ([]ir.RollupRow, []ir.Note) {
	byPrincipal := map[string]*ir.RollupRow{}
	notes := []ir.Note{}

	for _, rec := range ordered {
		if rec.Reason == ir.CodeNonIntegerAmount {
			notes = append(notes, ir.Note{
				Stage:     Stage,
				Code:      ir.CodeNonIntegerAmount,
				Principal: rec.PrincipalID,
				EventID:   rec.EventID,
				Detail:    map[string]string{"amount_raw": rec.AmountRaw},
			})
			continue
		}

		row := ir.RollupRow{Principal: rec.PrincipalID}
		if prev, ok := byPrincipal[rec.PrincipalID]; ok {
			row = *prev
		}
		next, ok := fold(row, rec)
		if !ok {
			notes = append(notes, ir.Note{
				Stage:     Stage,
				Code:      ir.CodeAmountOverflow,
				Principal: rec.PrincipalID,
				EventID:   rec.EventID,
				Detail: map[string]string{
					"amount_minor": strconv.FormatInt(rec.AmountMinor, 10),
					"type":         string(rec.Type),
				},
			})
			continue
		}
		byPrincipal[rec.PrincipalID] = &next
	}

	rows := make([]ir.RollupRow, 0, len(byPrincipal))
	for _, r := range byPrincipal {
		rows = append(rows, *r)
	}
	slices.SortFunc(rows, func(a, b ir.RollupRow) int {
		return strings.Compare(a.Principal, b.Principal)
	})
	return rows, notes
}

// fold adds rec to row. ok is false when any running sum would overflow, in
// which case row is returned unchanged.
func fold(row ir.RollupRow, rec ir.ValidatedRecord) (ir.RollupRow, bool) {
	var ok bool
	next := row
	next.Count++
	if rec.Type == ir.EventRefund {
		amt, fits := ir.AbsMinor(rec.AmountMinor)
		if !fits {
			return row, false
		}
		if next.RefundsMinor, ok = ir.AddMinor(row.RefundsMinor, amt); !ok {
			return row, false
		}
		if next.NetMinor, ok = ir.AddMinor(row.NetMinor, -amt); !ok {
			return row, false
		}
		return next, true
	}
	if next.GrossMinor, ok = ir.AddMinor(row.GrossMinor, rec.AmountMinor); !ok {
		return row, false
	}
	if next.NetMinor, ok = ir.AddMinor(row.NetMinor, rec.AmountMinor); !ok {
		return row, false
	}
	return next, true
}

// TotalNet returns Σ net_minor over rows. ok is false when the total does not
// fit in int64.
func TotalNet(rows []ir.RollupRow) (total int64, ok bool) {
	for _, r := range rows {
		if total, ok = ir.AddMinor(total, r.NetMinor); !ok {
			return 0, false
		}
	}
	return total, true
}
