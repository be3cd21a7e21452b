// Package compiler turns settlement policy files into policy.Config.
//
// Policy files are CUE (JSON and YAML are accepted too). The document is
// unified with the embedded #Policy definition, so unknown fields, wrong
// types and negative caps are rejected with a source position before any
// rollup is evaluated.
package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/shopspring/decimal"

	"github.com/roach88/vgomini/internal/policy"
)

//go:embed schema/policy.cue
var policySchema string

// CompilePolicy parses a CUE value into a policy.Config.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the policy struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`policy: { bonus_pct: 1.5 }`)
//	cfg, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy")))
func CompilePolicy(v cue.Value) (policy.Config, error) {
	if !v.Exists() {
		return policy.Config{}, &CompileError{Field: "policy", Message: "policy is required"}
	}
	if err := v.Err(); err != nil {
		return policy.Config{}, formatCUEError(err)
	}

	schema := v.Context().CompileString(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return policy.Config{}, fmt.Errorf("policy schema: %w", err)
	}
	p := schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := p.Validate(cue.Concrete(true)); err != nil {
		return policy.Config{}, formatCUEError(err)
	}

	var cfg policy.Config
	var err error

	if cfg.Window, err = optString(p, "window"); err != nil {
		return policy.Config{}, err
	}
	if cfg.EvaluatedAt, err = optString(p, "evaluated_at"); err != nil {
		return policy.Config{}, err
	}
	if cfg.HoldWhen, err = optString(p, "hold_when"); err != nil {
		return policy.Config{}, err
	}

	pct := p.LookupPath(cue.ParsePath("bonus_pct"))
	raw, err := pct.MarshalJSON()
	if err != nil {
		return policy.Config{}, formatCUEError(err)
	}
	if cfg.BonusPct, err = decimal.NewFromString(string(raw)); err != nil {
		return policy.Config{}, &CompileError{Field: "bonus_pct", Message: err.Error(), Pos: pct.Pos()}
	}

	if ack := p.LookupPath(cue.ParsePath("finance_ack")); ack.Exists() {
		a, err := parseAttestation(ack)
		if err != nil {
			return policy.Config{}, err
		}
		cfg.FinanceAck = &a
	}

	if cfg.Compliance, err = parseCompliance(p); err != nil {
		return policy.Config{}, err
	}

	if capVal := p.LookupPath(cue.ParsePath("global_cap_minor")); capVal.Exists() {
		n, err := capVal.Int64()
		if err != nil {
			return policy.Config{}, formatCUEError(err)
		}
		cfg.GlobalCapMinor = &n
	}

	if capsVal := p.LookupPath(cue.ParsePath("principal_caps")); capsVal.Exists() {
		iter, err := capsVal.Fields()
		if err != nil {
			return policy.Config{}, formatCUEError(err)
		}
		cfg.PrincipalCaps = map[string]int64{}
		for iter.Next() {
			n, err := iter.Value().Int64()
			if err != nil {
				return policy.Config{}, formatCUEError(err)
			}
			cfg.PrincipalCaps[iter.Selector().Unquoted()] = n
		}
	}

	if err := cfg.Validate(); err != nil {
		return policy.Config{}, err
	}
	if cfg.HoldWhen != "" {
		if _, err := policy.CompileHoldRule(cfg.HoldWhen); err != nil {
			return policy.Config{}, err
		}
	}
	return cfg, nil
}

// LoadPolicyFile reads a .cue, .json, .yaml or .yml policy file. The policy
// is the top-level `policy` field when present, otherwise the whole document.
func LoadPolicyFile(path string) (policy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Config{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(path, data)
}

// ParsePolicy compiles a policy document. filename only selects the format
// by extension and labels error positions.
func ParsePolicy(filename string, data []byte) (policy.Config, error) {
	ctx := cuecontext.New()
	var root cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		f, err := yaml.Extract(filename, data)
		if err != nil {
			return policy.Config{}, formatCUEError(err)
		}
		root = ctx.BuildFile(f)
	case ".cue", ".json":
		root = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return policy.Config{}, &CompileError{Field: "file", Message: fmt.Sprintf("unsupported policy file extension %q", filepath.Ext(filename))}
	}
	if err := root.Err(); err != nil {
		return policy.Config{}, formatCUEError(err)
	}

	if v := root.LookupPath(cue.ParsePath("policy")); v.Exists() {
		return CompilePolicy(v)
	}
	return CompilePolicy(root)
}

func optString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func parseAttestation(v cue.Value) (policy.Attestation, error) {
	var a policy.Attestation
	var err error
	if a.Window, err = optString(v, "window"); err != nil {
		return a, err
	}
	if a.ExpiresAt, err = optString(v, "expires_at"); err != nil {
		return a, err
	}
	if a.ReservesOK, err = v.LookupPath(cue.ParsePath("reserves_ok")).Bool(); err != nil {
		return a, formatCUEError(err)
	}
	return a, nil
}

func parseCompliance(p cue.Value) (map[string]policy.Compliance, error) {
	v := p.LookupPath(cue.ParsePath("compliance"))
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := map[string]policy.Compliance{}
	for iter.Next() {
		var c policy.Compliance
		if c.Status, err = optString(iter.Value(), "status"); err != nil {
			return nil, err
		}
		if c.ExpiresAt, err = optString(iter.Value(), "expires_at"); err != nil {
			return nil, err
		}
		out[iter.Selector().Unquoted()] = c
	}
	return out, nil
}
