// Package policy applies the bonus percentage, payout caps and the
// attestation-gated ALLOW/HOLD decision to each rollup row.
//
// The bonus is computed in exact decimal arithmetic and never rounded here;
// quantization belongs to Carry. BonusQuantizedMinor is therefore always 0.
package policy

import (
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/vgomini/internal/ir"
)

// Stage is the transcript stream name for policy notes.
const Stage = "policy"

// Apply evaluates cfg against every rollup row. Rows come back sorted by
// principal. Notes are in row order: a POLICY_CAP_APPLIED note when a cap
// binds, then one POLICY_DECISION note per row.
func Apply(rollup []ir.RollupRow, cfg Config) ([]ir.PolicyRow, []ir.Note, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var rule *HoldRule
	if strings.TrimSpace(cfg.HoldWhen) != "" {
		r, err := CompileHoldRule(cfg.HoldWhen)
		if err != nil {
			return nil, nil, err
		}
		rule = r
	}

	ackReason := windowGate(cfg)

	sorted := slices.Clone(rollup)
	slices.SortFunc(sorted, func(a, b ir.RollupRow) int {
		return strings.Compare(a.Principal, b.Principal)
	})

	rows := make([]ir.PolicyRow, 0, len(sorted))
	notes := make([]ir.Note, 0, len(sorted))
	for _, in := range sorted {
		row := ir.PolicyRow{
			Principal:         in.Principal,
			NetMinor:          in.NetMinor,
			BonusExactSubcent: ExactBonus(in.NetMinor, cfg.BonusPct).String(),
			PayoutMinor:       in.NetMinor,
			Decision:          ir.DecisionAllow,
		}

		before := in.NetMinor
		if capMinor, ok := effectiveCap(cfg, in.Principal); ok && capMinor < before {
			row.PayoutMinor = capMinor
			row.CapApplied = &ir.CapApplied{Before: before, CapMinor: capMinor, CappedDelta: before - capMinor}
			notes = append(notes, ir.Note{
				Stage:     Stage,
				Code:      ir.CodePolicyCapApplied,
				Principal: in.Principal,
				Detail: map[string]string{
					"before":       strconv.FormatInt(before, 10),
					"cap_minor":    strconv.FormatInt(capMinor, 10),
					"capped_delta": strconv.FormatInt(before-capMinor, 10),
				},
			})
		}

		switch {
		case ackReason != "":
			row.Decision, row.Reason = ir.DecisionHold, ackReason
		default:
			if reason := complianceGate(cfg, in.Principal); reason != "" {
				row.Decision, row.Reason = ir.DecisionHold, reason
			}
		}

		if row.Decision == ir.DecisionAllow && rule != nil {
			held, err := rule.Holds(in)
			if err != nil {
				return nil, nil, err
			}
			if held {
				row.Decision, row.Reason = ir.DecisionHold, ir.CodeRuleHold
			}
		}

		rows = append(rows, row)
		notes = append(notes, decisionNote(row))
	}
	return rows, notes, nil
}

// ExactBonus returns net * pct / 100 without rounding. Division by 100 is a
// decimal shift and therefore exact.
func ExactBonus(net int64, pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(net).Mul(pct).Shift(-2)
}

// effectiveCap is min(principal cap, global cap) over whichever are set.
func effectiveCap(cfg Config, principal string) (int64, bool) {
	capMinor, ok := cfg.PrincipalCaps[principal]
	if cfg.GlobalCapMinor != nil {
		if !ok || *cfg.GlobalCapMinor < capMinor {
			capMinor, ok = *cfg.GlobalCapMinor, true
		}
	}
	return capMinor, ok
}

// windowGate returns the window-level ACK failure, or "" when the finance
// attestation admits the window.
func windowGate(cfg Config) string {
	ack := cfg.FinanceAck
	if ack == nil || (ack.Window != "" && ack.Window != cfg.Window) {
		return ir.CodeAckMissing
	}
	if expired(ack.ExpiresAt, cfg.EvaluatedAt) {
		return ir.CodeAckExpired
	}
	if !ack.ReservesOK {
		return ir.CodeReservesNOK
	}
	return ""
}

// complianceGate returns the principal's compliance failure, or "".
func complianceGate(cfg Config, principal string) string {
	cs, ok := cfg.Compliance[principal]
	if !ok || strings.TrimSpace(cs.Status) == "" {
		return ir.CodeCTMissing
	}
	if !clearStatus(cs.Status) {
		return ir.CodeCTPrefix + strings.ToUpper(strings.TrimSpace(cs.Status))
	}
	if expired(cs.ExpiresAt, cfg.EvaluatedAt) {
		return ir.CodeCTExpired
	}
	return ""
}

// expired reports whether expiresAt is at or before evaluatedAt. Either being
// empty means no expiry applies. Both were validated by Config.Validate.
func expired(expiresAt, evaluatedAt string) bool {
	if expiresAt == "" || evaluatedAt == "" {
		return false
	}
	exp, err1 := ir.ParseTimestamp(expiresAt)
	at, err2 := ir.ParseTimestamp(evaluatedAt)
	if err1 != nil || err2 != nil {
		return true
	}
	return !exp.After(at)
}

func decisionNote(row ir.PolicyRow) ir.Note {
	detail := map[string]string{
		"decision":              string(row.Decision),
		"bonus_exact_subcent":   row.BonusExactSubcent,
		"bonus_quantized_minor": strconv.FormatInt(row.BonusQuantizedMinor, 10),
		"payout_minor":          strconv.FormatInt(row.PayoutMinor, 10),
	}
	if row.Reason != "" {
		detail["reason"] = row.Reason
	}
	return ir.Note{Stage: Stage, Code: ir.CodePolicyDecision, Principal: row.Principal, Detail: detail}
}
