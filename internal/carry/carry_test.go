package carry

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vgomini/internal/ir"
)

func allow(principal string, net int64, exact string) ir.PolicyRow {
	return ir.PolicyRow{Principal: principal, NetMinor: net, BonusExactSubcent: exact, PayoutMinor: net, Decision: ir.DecisionAllow}
}

func hold(principal string, net int64, exact, reason string) ir.PolicyRow {
	return ir.PolicyRow{Principal: principal, NetMinor: net, BonusExactSubcent: exact, PayoutMinor: net, Decision: ir.DecisionHold, Reason: reason}
}

func TestDistribute_BasicFlow(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("P2", 999, "9.99"),
		allow("P1", 1030, "10.3"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(19), report.SumFloors)
	assert.Equal(t, int64(20), report.Rounded)
	assert.Equal(t, int64(1), report.StartRemainder)

	require.Len(t, report.Rows, 2)
	p1, p2 := report.Rows[0], report.Rows[1]
	assert.Equal(t, ir.CarryRow{Principal: "P1", Decision: ir.DecisionAllow, NetMinor: 1030, FloorBonusMinor: 10, Frac: "0.3", CarryDelta: 0, FinalBonusMinor: 10, FinalMinor: 1040}, p1)
	assert.Equal(t, ir.CarryRow{Principal: "P2", Decision: ir.DecisionAllow, NetMinor: 999, FloorBonusMinor: 9, Frac: "0.99", CarryDelta: 1, FinalBonusMinor: 10, FinalMinor: 1009}, p2)

	assert.Equal(t, []ir.FinalRow{{Principal: "P1", FinalMinor: 1040}, {Principal: "P2", FinalMinor: 1009}}, report.Output.Rows)
	assert.Equal(t, int64(2049), report.Output.TargetTotalMinor)
	assert.Equal(t, report.Output.TargetTotalMinor, report.Output.Sum())

	fp, err := ir.CarryFingerprint(report.Output)
	require.NoError(t, err)
	assert.Equal(t, fp, report.Fingerprint)
}

func TestDistribute_HoldRowsPassThrough(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("A", 1000, "12.5"),
		hold("B", 500, "6.25", ir.CodeCTMissing),
	})
	require.NoError(t, err)

	b := report.Rows[1]
	assert.Equal(t, ir.DecisionHold, b.Decision)
	assert.Zero(t, b.FloorBonusMinor)
	assert.Zero(t, b.CarryDelta)
	assert.Zero(t, b.FinalBonusMinor)
	assert.Equal(t, "0", b.Frac)
	assert.Equal(t, int64(500), b.FinalMinor)

	// 12.5 rounds half away from zero.
	assert.Equal(t, int64(13), report.Rounded)
	assert.Equal(t, int64(1513), report.Output.TargetTotalMinor)
	assert.Equal(t, int64(1013), report.Rows[0].FinalMinor)
}

func TestDistribute_TiesBreakByPrincipal(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("C", 0, "0.5"),
		allow("A", 0, "0.5"),
		allow("B", 0, "0.5"),
	})
	require.NoError(t, err)

	// 1.5 rounds to 2: two units go to the first two principals.
	assert.Equal(t, int64(2), report.StartRemainder)
	deltas := map[string]int64{}
	for _, r := range report.Rows {
		deltas[r.Principal] = r.CarryDelta
	}
	assert.Equal(t, map[string]int64{"A": 1, "B": 1, "C": 0}, deltas)
}

func TestDistribute_ZeroFracNotRoundedUp(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("A", 100, "4"),
		allow("B", 100, "0.6"),
	})
	require.NoError(t, err)
	assert.Zero(t, report.Rows[0].CarryDelta)
	assert.Equal(t, int64(1), report.Rows[1].CarryDelta)
}

func TestDistribute_NegativeNet(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("A", -250, "-7.5"),
		allow("B", 1000, "30"),
	})
	require.NoError(t, err)

	a := report.Rows[0]
	assert.Equal(t, int64(-8), a.FloorBonusMinor)
	assert.Equal(t, "0.5", a.Frac)
	// -7.5 + 30 = 22.5 -> 23; floors -8 + 30 = 22.
	assert.Equal(t, int64(23), report.Rounded)
	assert.Equal(t, int64(1), a.CarryDelta)
	assert.Equal(t, int64(-257), a.FinalMinor)
	assert.Equal(t, report.Output.TargetTotalMinor, report.Output.Sum())
}

func TestDistribute_NoEligibleRows(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{hold("A", 10, "0.1", ir.CodeAckMissing)})
	require.NoError(t, err)
	assert.Zero(t, report.Rounded)
	assert.Equal(t, int64(10), report.Output.TargetTotalMinor)

	report, err = Distribute(nil)
	require.NoError(t, err)
	assert.Empty(t, report.Rows)
	assert.Zero(t, report.Output.TargetTotalMinor)
}

func TestDistribute_BadExactBonus(t *testing.T) {
	_, err := Distribute([]ir.PolicyRow{allow("A", 10, "ten")})
	assert.Error(t, err)
}

func TestDistribute_Overflow(t *testing.T) {
	cases := []struct {
		name string
		rows []ir.PolicyRow
		msg  string
	}{
		{
			name: "net sum",
			rows: []ir.PolicyRow{allow("P1", 9_000_000_000_000_000_000, "0"), hold("P2", 9_000_000_000_000_000_000, "0", ir.CodeRuleHold)},
			msg:  "principal P2: sum of net amounts",
		},
		{
			name: "floored bonus",
			rows: []ir.PolicyRow{allow("P1", 10, "100000000000000000000.5")},
			msg:  "principal P1: floored bonus",
		},
		{
			name: "floor sum",
			rows: []ir.PolicyRow{allow("P1", 0, "9000000000000000000"), allow("P2", 0, "9000000000000000000")},
			msg:  "principal P2: sum of floored bonuses",
		},
		{
			name: "target",
			rows: []ir.PolicyRow{allow("P1", math.MaxInt64, "1")},
			msg:  "target total",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Distribute(tc.rows)
			var invErr *InvariantError
			require.ErrorAs(t, err, &invErr)
			assert.Equal(t, ir.CodeAmountOverflow, invErr.Code)
			assert.Contains(t, invErr.Message, tc.msg)
		})
	}
}

func TestWalk_Cycles(t *testing.T) {
	out := make([]ir.CarryRow, 2)
	ranked := []eligible{
		{idx: 1, frac: decimal.RequireFromString("0.9")},
		{idx: 0, frac: decimal.RequireFromString("0.1")},
	}

	require.NoError(t, walk(out, ranked, 5))
	assert.Equal(t, int64(2), out[0].CarryDelta)
	assert.Equal(t, int64(3), out[1].CarryDelta)
}

func TestWalk_NegativeRemainder(t *testing.T) {
	out := make([]ir.CarryRow, 3)
	pool := []eligible{
		{idx: 0, frac: decimal.Zero},
		{idx: 1, frac: decimal.RequireFromString("0.2")},
		{idx: 2, frac: decimal.RequireFromString("0.7")},
	}

	ranked := rank(pool, -2)
	require.Len(t, ranked, 3, "zero-frac rows stay in the ranking when pulling back")
	require.NoError(t, walk(out, ranked, -2))
	assert.Equal(t, []int64{0, -1, -1}, []int64{out[0].CarryDelta, out[1].CarryDelta, out[2].CarryDelta})
}

func TestWalk_NoCandidates(t *testing.T) {
	pool := []eligible{{idx: 0, frac: decimal.Zero}}
	ranked := rank(pool, 1)
	require.Empty(t, ranked)

	err := walk(make([]ir.CarryRow, 1), ranked, 1)

	var invErr *InvariantError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, ir.CodeCarryNoCandidates, invErr.Code)
	assert.NoError(t, walk(nil, nil, 0))
}

func TestNotes_OnePerRow(t *testing.T) {
	report, err := Distribute([]ir.PolicyRow{
		allow("P1", 1030, "10.3"),
		allow("P2", 999, "9.99"),
		hold("P3", 5, "0.05", ir.CodeCTMissing),
	})
	require.NoError(t, err)

	notes := Notes(report)
	require.Len(t, notes, 3)
	for _, n := range notes {
		assert.Equal(t, ir.CodeCarryLedger, n.Code)
		assert.Equal(t, Stage, n.Stage)
	}
	assert.Equal(t, "0", notes[0].Detail["carry_delta"])
	assert.Equal(t, "1", notes[1].Detail["carry_delta"])
	assert.Equal(t, "HOLD", notes[2].Detail["decision"])
}

func genPolicyRows() gopter.Gen {
	genRow := gopter.CombineGens(
		gen.Int64Range(-100_000, 1_000_000),
		gen.Bool(),
	)
	return gopter.CombineGens(
		gen.Int64Range(0, 2_500),
		gen.SliceOf(genRow),
	).Map(func(v []any) []ir.PolicyRow {
		pct := decimal.New(v[0].(int64), -2)
		raw := v[1].([][]any)
		rows := make([]ir.PolicyRow, 0, len(raw))
		for i, pair := range raw {
			net := pair[0].(int64)
			row := allow(fmt.Sprintf("P%03d", i), net, decimal.NewFromInt(net).Mul(pct).Shift(-2).String())
			if pair[1].(bool) {
				row.Decision = ir.DecisionHold
			}
			rows = append(rows, row)
		}
		return rows
	})
}

func TestDistribute_ConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("final bonuses sum to the rounded exact total", prop.ForAll(
		func(rows []ir.PolicyRow) bool {
			report, err := Distribute(rows)
			if err != nil {
				return false
			}

			exact := decimal.Zero
			var net int64
			for _, r := range rows {
				net += r.NetMinor
				if r.Decision == ir.DecisionAllow {
					exact = exact.Add(decimal.RequireFromString(r.BonusExactSubcent))
				}
			}
			want := exact.Round(0).IntPart()

			var bonus, delta int64
			for _, r := range report.Rows {
				bonus += r.FinalBonusMinor
				delta += r.CarryDelta
				if r.Decision == ir.DecisionHold && (r.CarryDelta != 0 || r.FinalMinor != r.NetMinor) {
					return false
				}
			}
			return bonus == want &&
				delta == report.StartRemainder &&
				report.Output.TargetTotalMinor == net+want &&
				report.Output.Sum() == report.Output.TargetTotalMinor
		},
		genPolicyRows(),
	))

	properties.Property("distribution is deterministic", prop.ForAll(
		func(rows []ir.PolicyRow) bool {
			a, errA := Distribute(rows)
			b, errB := Distribute(rows)
			return errA == nil && errB == nil && reflect.DeepEqual(a, b)
		},
		genPolicyRows(),
	))

	properties.TestingRun(t)
}
