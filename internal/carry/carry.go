// Package carry quantizes exact Policy bonuses into minor units and
// distributes the rounding remainder so the total is conserved.
//
// Only ALLOW rows take part. Each eligible bonus is floored; the difference
// between round(Σ exact) and Σ floors is walked one unit at a time over the
// rows ranked by fractional part (descending, then principal ascending),
// wrapping around when the remainder exceeds the candidate count.
package carry

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/vgomini/internal/ir"
)

// Stage is the transcript stream name for the carry audit log.
const Stage = "carry"

// InvariantError reports a conservation failure, or a total that does not fit
// in int64 minor units. It blocks sealing.
type InvariantError struct {
	Code     string
	Message  string
	Expected int64
	Actual   int64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (expected %d, got %d)", e.Code, e.Message, e.Expected, e.Actual)
}

// eligible is the working state for one ALLOW row.
type eligible struct {
	idx  int
	frac decimal.Decimal
}

// Distribute quantizes rows and returns the full report. Rows are processed
// in principal order regardless of input order.
func Distribute(rows []ir.PolicyRow) (ir.CarryReport, error) {
	sorted := slices.Clone(rows)
	slices.SortFunc(sorted, func(a, b ir.PolicyRow) int {
		return strings.Compare(a.Principal, b.Principal)
	})

	out := make([]ir.CarryRow, len(sorted))
	var pool []eligible
	sumExact := decimal.Zero
	var sumFloors, sumNet int64
	var ok bool

	for i, r := range sorted {
		out[i] = ir.CarryRow{
			Principal: r.Principal,
			Decision:  r.Decision,
			NetMinor:  r.NetMinor,
			Frac:      "0",
		}
		if sumNet, ok = ir.AddMinor(sumNet, r.NetMinor); !ok {
			return ir.CarryReport{}, overflow("sum of net amounts", r.Principal)
		}
		if r.Decision != ir.DecisionAllow {
			continue
		}
		exact, err := decimal.NewFromString(r.BonusExactSubcent)
		if err != nil {
			return ir.CarryReport{}, fmt.Errorf("carry: principal %s: bad exact bonus %q: %w", r.Principal, r.BonusExactSubcent, err)
		}
		floor := exact.Floor()
		e := eligible{idx: i, frac: exact.Sub(floor)}
		pool = append(pool, e)

		if out[i].FloorBonusMinor, ok = toMinor(floor); !ok {
			return ir.CarryReport{}, overflow("floored bonus", r.Principal)
		}
		out[i].Frac = e.frac.String()
		sumExact = sumExact.Add(exact)
		if sumFloors, ok = ir.AddMinor(sumFloors, out[i].FloorBonusMinor); !ok {
			return ir.CarryReport{}, overflow("sum of floored bonuses", r.Principal)
		}
	}

	rounded, ok := toMinor(sumExact.Round(0))
	if !ok {
		return ir.CarryReport{}, overflow("rounded bonus total", "")
	}
	target, ok := ir.AddMinor(sumNet, rounded)
	if !ok {
		return ir.CarryReport{}, overflow("target total", "")
	}
	// 0 <= Σ frac < len(pool), so this stays small once rounded fits.
	start := rounded - sumFloors

	if err := walk(out, rank(pool, start), start); err != nil {
		return ir.CarryReport{}, err
	}

	var sumFinalBonus, sumDelta int64
	final := make([]ir.FinalRow, len(out))
	for i := range out {
		if out[i].FinalBonusMinor, ok = ir.AddMinor(out[i].FloorBonusMinor, out[i].CarryDelta); !ok {
			return ir.CarryReport{}, overflow("final bonus", out[i].Principal)
		}
		if out[i].FinalMinor, ok = ir.AddMinor(out[i].NetMinor, out[i].FinalBonusMinor); !ok {
			return ir.CarryReport{}, overflow("final amount", out[i].Principal)
		}
		sumFinalBonus += out[i].FinalBonusMinor
		sumDelta += out[i].CarryDelta
		final[i] = ir.FinalRow{Principal: out[i].Principal, FinalMinor: out[i].FinalMinor}
	}

	if sumFinalBonus != rounded {
		return ir.CarryReport{}, &InvariantError{Code: ir.CodeCarryInvariant, Message: "sum of final bonuses differs from rounded total", Expected: rounded, Actual: sumFinalBonus}
	}
	if sumDelta != start {
		return ir.CarryReport{}, &InvariantError{Code: ir.CodeCarryInvariant, Message: "sum of carry deltas differs from start remainder", Expected: start, Actual: sumDelta}
	}

	output := ir.CarryOutput{Rows: final, TargetTotalMinor: target}
	fp, err := ir.CarryFingerprint(output)
	if err != nil {
		return ir.CarryReport{}, err
	}

	return ir.CarryReport{
		Output:         output,
		Rows:           out,
		SumFloors:      sumFloors,
		Rounded:        rounded,
		StartRemainder: start,
		Fingerprint:    fp,
	}, nil
}

var (
	minMinor = decimal.NewFromInt(math.MinInt64)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// toMinor converts an integral decimal to int64. ok is false when d is out of
// range; IntPart alone would wrap silently.
func toMinor(d decimal.Decimal) (int64, bool) {
	if d.LessThan(minMinor) || d.GreaterThan(maxMinor) {
		return 0, false
	}
	return d.IntPart(), true
}

func overflow(what, principal string) *InvariantError {
	msg := what + " overflows int64 minor units"
	if principal != "" {
		msg = fmt.Sprintf("principal %s: %s", principal, msg)
	}
	return &InvariantError{Code: ir.CodeAmountOverflow, Message: msg}
}

// rank orders the candidates for the remainder walk. Zero-fraction rows are
// dropped when the remainder is positive.
func rank(pool []eligible, remainder int64) []eligible {
	ranked := make([]eligible, 0, len(pool))
	for _, e := range pool {
		if remainder > 0 && e.frac.IsZero() {
			continue
		}
		ranked = append(ranked, e)
	}
	slices.SortStableFunc(ranked, func(a, b eligible) int {
		if c := b.frac.Cmp(a.frac); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})
	return ranked
}

// walk applies remainder as ±1 carry deltas over ranked, cycling when the
// remainder exceeds the candidate count. A nonzero remainder with nothing to
// walk over is refused instead of looping.
func walk(out []ir.CarryRow, ranked []eligible, remainder int64) error {
	if remainder == 0 {
		return nil
	}
	if len(ranked) == 0 {
		return &InvariantError{
			Code:     ir.CodeCarryNoCandidates,
			Message:  "nonzero remainder with no eligible rows",
			Expected: remainder,
		}
	}
	step := int64(1)
	if remainder < 0 {
		step = -1
	}
	for n := int64(0); n < abs(remainder); n++ {
		out[ranked[n%int64(len(ranked))].idx].CarryDelta += step
	}
	return nil
}

// Notes renders one CARRY_LEDGER entry per row, zero deltas included.
func Notes(report ir.CarryReport) []ir.Note {
	notes := make([]ir.Note, 0, len(report.Rows))
	for _, r := range report.Rows {
		notes = append(notes, ir.Note{
			Stage:     Stage,
			Code:      ir.CodeCarryLedger,
			Principal: r.Principal,
			Detail: map[string]string{
				"decision":          string(r.Decision),
				"floor_bonus_minor": strconv.FormatInt(r.FloorBonusMinor, 10),
				"frac":              r.Frac,
				"carry_delta":       strconv.FormatInt(r.CarryDelta, 10),
				"final_bonus_minor": strconv.FormatInt(r.FinalBonusMinor, 10),
				"final_minor":       strconv.FormatInt(r.FinalMinor, 10),
			},
		})
	}
	return notes
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
