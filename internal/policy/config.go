package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/vgomini/internal/ir"
)

// Attestation is the window-level finance acknowledgement. A single
// attestation covers the whole batch.
type Attestation struct {
	// Window, when set, must match the window being evaluated.
	Window     string `json:"window,omitempty" yaml:"window,omitempty"`
	ReservesOK bool   `json:"reserves_ok" yaml:"reserves_ok"`
	// ExpiresAt is an RFC 3339 instant; empty means no expiry.
	ExpiresAt string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Compliance is one principal's compliance/tax status.
type Compliance struct {
	Status    string `json:"status" yaml:"status"`
	ExpiresAt string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Config holds every Policy input besides the rollup.
type Config struct {
	Window         string                `json:"window,omitempty" yaml:"window,omitempty"`
	BonusPct       decimal.Decimal       `json:"bonus_pct" yaml:"bonus_pct"`
	FinanceAck     *Attestation          `json:"finance_ack,omitempty" yaml:"finance_ack,omitempty"`
	Compliance     map[string]Compliance `json:"compliance,omitempty" yaml:"compliance,omitempty"`
	GlobalCapMinor *int64                `json:"global_cap_minor,omitempty" yaml:"global_cap_minor,omitempty"`
	PrincipalCaps  map[string]int64      `json:"principal_caps,omitempty" yaml:"principal_caps,omitempty"`
	// EvaluatedAt is the instant expiries are checked against. Empty means
	// nothing expires.
	EvaluatedAt string `json:"evaluated_at,omitempty" yaml:"evaluated_at,omitempty"`
	// HoldWhen is an optional CEL expression over `row`.
	HoldWhen string `json:"hold_when,omitempty" yaml:"hold_when,omitempty"`
}

// ConfigError is a reason-coded configuration rejection.
type ConfigError struct {
	Code    string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

// Validate rejects configurations Apply cannot evaluate.
// A negative bonus percentage is refused rather than inverted.
func (c Config) Validate() error {
	if c.BonusPct.IsNegative() {
		return &ConfigError{Code: ir.CodeBonusPctNegative, Field: "bonus_pct", Message: "bonus percentage must not be negative, got " + c.BonusPct.String()}
	}
	if c.GlobalCapMinor != nil && *c.GlobalCapMinor < 0 {
		return &ConfigError{Code: ir.CodePolicyInvalid, Field: "global_cap_minor", Message: "cap must not be negative"}
	}
	for _, p := range sortedKeys(c.PrincipalCaps) {
		if c.PrincipalCaps[p] < 0 {
			return &ConfigError{Code: ir.CodePolicyInvalid, Field: "principal_caps." + p, Message: "cap must not be negative"}
		}
	}
	stamps := map[string]string{"evaluated_at": c.EvaluatedAt}
	if c.FinanceAck != nil {
		stamps["finance_ack.expires_at"] = c.FinanceAck.ExpiresAt
	}
	for p, cs := range c.Compliance {
		stamps["compliance."+p+".expires_at"] = cs.ExpiresAt
	}
	// The first bad field in key order is reported.
	for _, field := range sortedKeys(stamps) {
		if stamps[field] == "" {
			continue
		}
		if _, err := ir.ParseTimestamp(stamps[field]); err != nil {
			return &ConfigError{Code: ir.CodePolicyInvalid, Field: field, Message: err.Error()}
		}
	}
	return nil
}

// Params renders the configuration as the canonical object folded into the
// policy stage's input signature.
func (c Config) Params() ir.IRObject {
	obj := ir.NewIRObjectFromPairs(
		ir.O("window", ir.IRString(c.Window)),
		ir.O("bonus_pct", ir.IRString(c.BonusPct.String())),
		ir.O("evaluated_at", ir.IRString(c.EvaluatedAt)),
		ir.O("hold_when", ir.IRString(c.HoldWhen)),
	)
	if c.FinanceAck != nil {
		obj["finance_ack"] = ir.NewIRObjectFromPairs(
			ir.O("window", ir.IRString(c.FinanceAck.Window)),
			ir.O("reserves_ok", ir.IRBool(c.FinanceAck.ReservesOK)),
			ir.O("expires_at", ir.IRString(c.FinanceAck.ExpiresAt)),
		)
	}
	if c.GlobalCapMinor != nil {
		obj["global_cap_minor"] = ir.IRInt(*c.GlobalCapMinor)
	}
	compliance := ir.IRObject{}
	for _, p := range sortedKeys(c.Compliance) {
		cs := c.Compliance[p]
		compliance[p] = ir.NewIRObjectFromPairs(
			ir.O("status", ir.IRString(cs.Status)),
			ir.O("expires_at", ir.IRString(cs.ExpiresAt)),
		)
	}
	obj["compliance"] = compliance
	caps := ir.IRObject{}
	for p, v := range c.PrincipalCaps {
		caps[p] = ir.IRInt(v)
	}
	obj["principal_caps"] = caps
	return obj
}

// clearStatus reports whether a compliance status permits ALLOW.
func clearStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "cleared", "ok":
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
