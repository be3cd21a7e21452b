package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/policy"
)

func compileSrc(t *testing.T, src string) (policy.Config, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("test.cue"))
	require.NoError(t, v.Err())
	return CompilePolicy(v.LookupPath(cue.ParsePath("policy")))
}

func TestCompilePolicyBasic(t *testing.T) {
	cfg, err := compileSrc(t, `
		policy: {
			window: "2025-01"
			bonus_pct: 1
			finance_ack: { window: "2025-01", reserves_ok: true }
			compliance: {
				P1: { status: "cleared" }
				P2: { status: "ok", expires_at: "2025-03-01T00:00:00Z" }
			}
		}
	`)
	require.NoError(t, err)

	assert.Equal(t, "2025-01", cfg.Window)
	assert.True(t, cfg.BonusPct.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, cfg.FinanceAck)
	assert.True(t, cfg.FinanceAck.ReservesOK)
	assert.Equal(t, "2025-01", cfg.FinanceAck.Window)
	assert.Equal(t, "cleared", cfg.Compliance["P1"].Status)
	assert.Equal(t, "2025-03-01T00:00:00Z", cfg.Compliance["P2"].ExpiresAt)
	assert.Nil(t, cfg.GlobalCapMinor)
	assert.Nil(t, cfg.PrincipalCaps)
}

func TestCompilePolicyFractionalPercentExact(t *testing.T) {
	cfg, err := compileSrc(t, `policy: bonus_pct: 0.1`)
	require.NoError(t, err)
	assert.Equal(t, "0.1", cfg.BonusPct.String())
}

func TestCompilePolicyCaps(t *testing.T) {
	cfg, err := compileSrc(t, `
		policy: {
			bonus_pct: 5
			global_cap_minor: 9500
			principal_caps: { P1: 100, "P-2": 0 }
		}
	`)
	require.NoError(t, err)
	require.NotNil(t, cfg.GlobalCapMinor)
	assert.Equal(t, int64(9500), *cfg.GlobalCapMinor)
	assert.Equal(t, map[string]int64{"P1": 100, "P-2": 0}, cfg.PrincipalCaps)
}

func TestCompilePolicyMissingPct(t *testing.T) {
	_, err := compileSrc(t, `policy: { window: "2025-01" }`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bonus_pct")
}

func TestCompilePolicyUnknownField(t *testing.T) {
	_, err := compileSrc(t, `policy: { bonus_pct: 1, bonus: 2 }`)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "bonus")
}

func TestCompilePolicyNegativeCapRejectedBySchema(t *testing.T) {
	_, err := compileSrc(t, `policy: { bonus_pct: 1, global_cap_minor: -5 }`)
	require.Error(t, err)

	var ce *CompileError
	assert.True(t, errors.As(err, &ce))
}

func TestCompilePolicyNegativePct(t *testing.T) {
	_, err := compileSrc(t, `policy: bonus_pct: -1`)
	require.Error(t, err)

	var ce *policy.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ir.CodeBonusPctNegative, ce.Code)
}

func TestCompilePolicyBadHoldRule(t *testing.T) {
	_, err := compileSrc(t, `policy: { bonus_pct: 1, hold_when: "row.net_minor >" }`)
	require.Error(t, err)

	var ce *policy.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ir.CodePolicyInvalid, ce.Code)
	assert.Equal(t, "hold_when", ce.Field)
}

func TestCompilePolicyMissing(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`other: 1`)
	_, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy")))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "policy", ce.Field)
	assert.Equal(t, "policy: policy is required", err.Error())
}

func TestLoadPolicyFileYAML(t *testing.T) {
	cfg, err := LoadPolicyFile(filepath.Join("testdata", "policy.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "1.5", cfg.BonusPct.String())
	assert.Equal(t, "2025-01-31T23:59:59Z", cfg.EvaluatedAt)
	assert.Equal(t, "row.net_minor > 1000000", cfg.HoldWhen)
	require.NotNil(t, cfg.GlobalCapMinor)
	assert.Equal(t, int64(50000), *cfg.GlobalCapMinor)
	assert.Equal(t, int64(900), cfg.PrincipalCaps["P2"])
	assert.Len(t, cfg.Compliance, 2)
}

func TestLoadPolicyFileJSONRoot(t *testing.T) {
	cfg, err := LoadPolicyFile(filepath.Join("testdata", "policy.json"))
	require.NoError(t, err)
	assert.Equal(t, "2", cfg.BonusPct.String())
	require.NotNil(t, cfg.FinanceAck)
	assert.True(t, cfg.FinanceAck.ReservesOK)
	assert.Empty(t, cfg.Window)
}

func TestLoadPolicyFileCUE(t *testing.T) {
	cfg, err := LoadPolicyFile(filepath.Join("testdata", "policy.cue"))
	require.NoError(t, err)
	assert.Equal(t, "0.25", cfg.BonusPct.String())
	require.NotNil(t, cfg.FinanceAck)
	assert.False(t, cfg.FinanceAck.ReservesOK)
}

func TestLoadPolicyFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("bonus_pct = 1"), 0o644))

	_, err := LoadPolicyFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestLoadPolicyFileMissing(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
}
