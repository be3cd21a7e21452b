package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const standardPolicy = "../harness/testdata/policies/standard.yaml"

// basicFlowSeal is the seal hash of the basic_flow harness scenario; the CLI
// must reach the same bytes through a real database.
const basicFlowSeal = "f7f547e56e11a004d9bb385f03340e75e60516ebd562ef445cad730baf01d7d7"

var basicFlowEvents = []struct {
	key, body string
}{
	{"k1", `{"event_id":"ev1","principal_id":"P1","amount_minor":1230,"type":"order","occurred_at":"2025-01-01T10:00:00Z"}`},
	{"k2", `{"event_id":"ev2","principal_id":"P1","amount_minor":200,"type":"refund","occurred_at":"2025-01-01T10:05:00Z"}`},
	{"k3", `{"event_id":"ev3","principal_id":"P2","amount_minor":999,"type":"order","occurred_at":"2025-01-01T11:00:00Z"}`},
	{"k1", `{"event_id":"ev1","principal_id":"P1","amount_minor":1230,"type":"order","occurred_at":"2025-01-01T10:00:00Z"}`},
}

// execCLI runs the root command and returns stdout.
func execCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// windowArgs are the global flags every test uses for its database.
func windowArgs(dbPath string) []string {
	return []string{"--db", dbPath, "--tenant", "acme", "--window", "2025-01"}
}

func ingestBasicFlow(t *testing.T, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	for i, ev := range basicFlowEvents {
		path := filepath.Join(dir, "event.json")
		require.NoError(t, os.WriteFile(path, []byte(ev.body), 0o644))

		out, err := execCLI(t, append(windowArgs(dbPath), "ingest", "--key", ev.key, path)...)
		require.NoError(t, err, "ingest %d", i)
		assert.Contains(t, out, "Appended ev")
		if i == 3 {
			assert.Contains(t, out, "(replayed key)")
		}
	}
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRunEndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")
	ingestBasicFlow(t, dbPath)

	out, err := execCLI(t, append(windowArgs(dbPath), "--format", "json", "run", "--policy", standardPolicy)...)
	require.NoError(t, err)

	var sum RunSummary
	decodeData(t, out, &sum)
	assert.Equal(t, "2025-01", sum.Window)
	assert.Equal(t, 3, sum.Events)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 2, sum.Principals)
	assert.Equal(t, 0, sum.Held)
	assert.Equal(t, int64(2049), sum.TargetMinor)
	assert.Equal(t, basicFlowSeal, sum.SealHash)
	assert.Equal(t, "sealed", sum.Outcome)

	t.Run("rerun reuses seal", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "--format", "json", "run", "--policy", standardPolicy)...)
		require.NoError(t, err)
		var again RunSummary
		decodeData(t, out, &again)
		assert.Equal(t, "reused", again.Outcome)
		assert.Equal(t, basicFlowSeal, again.SealHash)
	})

	t.Run("verify", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "verify")...)
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Seal "+basicFlowSeal+" for 2025-01 verified")
	})

	t.Run("replay", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "replay", "--policy", standardPolicy)...)
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Seal verified deterministic")
		assert.Contains(t, out, "replayed: "+basicFlowSeal)
	})

	t.Run("show windows", func(t *testing.T) {
		out, err := execCLI(t, "--db", dbPath, "show")
		require.NoError(t, err)
		assert.Contains(t, out, "2025-01")
	})

	t.Run("show artifacts", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "show")...)
		require.NoError(t, err)
		assert.Contains(t, out, "rollup")
		assert.Contains(t, out, "seal-result")
	})

	t.Run("show missing artifact", func(t *testing.T) {
		_, err := execCLI(t, append(windowArgs(dbPath), "show", "nope")...)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("transcript", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "transcript", "carry")...)
		require.NoError(t, err)
		assert.Contains(t, out, "[carry]")
		assert.Contains(t, out, "CARRY_LEDGER")
		assert.Contains(t, out, "principal=P2")
		assert.NotContains(t, out, "[validate]")
	})

	t.Run("unknown transcript stream", func(t *testing.T) {
		_, err := execCLI(t, append(windowArgs(dbPath), "transcript", "ledger")...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown stream "ledger"`)
	})

	t.Run("policy eval", func(t *testing.T) {
		out, err := execCLI(t, append(windowArgs(dbPath), "policy", "eval", standardPolicy)...)
		require.NoError(t, err)
		assert.Contains(t, out, "P1")
		assert.Contains(t, out, "ALLOW")
		assert.Contains(t, out, "bonus=10.3")
	})
}

func TestRunMissingPolicyFlag(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")
	_, err := execCLI(t, append(windowArgs(dbPath), "run")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "policy")
}

func TestRunMissingWindow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")
	t.Setenv("VGOMINI_WINDOW", "")
	_, err := execCLI(t, "--db", dbPath, "run", "--policy", standardPolicy)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "window is required")
}

func TestRunEmptyWindowIsOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")
	out, err := execCLI(t, append(windowArgs(dbPath), "--format", "json", "run", "--policy", standardPolicy)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "WINDOW_OPEN", resp.Error.Code)
}

func TestRunInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("bonus_pct: -1\nfinance_ack: {reserves_ok: true}\n"), 0o644))

	out, err := execCLI(t, append(windowArgs(filepath.Join(dir, "vgomini.db")), "run", "--policy", policyPath)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [BONUS_PCT_NEGATIVE]")
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"principal_id":"P1","amount_minor":5,"type":"order","occurred_at":"2025-01-01T10:00:00Z"}`), 0o644))

	out, err := execCLI(t, append(windowArgs(filepath.Join(dir, "vgomini.db")), "ingest", path)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [MISSING_FIELD]")
	assert.Contains(t, out, "event_id")
}

func TestIngestBatchFromStdin(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")
	batch := basicFlowEvents[0].body + "\n" + basicFlowEvents[2].body + "\n"

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(bytes.NewBufferString(batch))
	cmd.SetArgs(append(windowArgs(dbPath), "ingest", "--batch", "--key", "upload-1", "-"))
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "2 accepted, 0 rejected")
}

func TestPolicyCheck(t *testing.T) {
	out, err := execCLI(t, "policy", "check", standardPolicy)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "bonus_pct")

	_, err = execCLI(t, "policy", "check", "testdata/missing.cue")
	require.Error(t, err)
}

func TestLeaseCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vgomini.db")

	out, err := execCLI(t, append(windowArgs(dbPath), "lease", "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Window 2025-01: free")

	out, err = execCLI(t, append(windowArgs(dbPath), "--format", "json", "lease", "acquire", "--holder", "ops")...)
	require.NoError(t, err)
	var lease struct {
		Holder string `json:"holder"`
		Token  string `json:"token"`
	}
	decodeData(t, out, &lease)
	assert.Equal(t, "ops", lease.Holder)
	require.NotEmpty(t, lease.Token)

	out, err = execCLI(t, append(windowArgs(dbPath), "lease", "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "held by ops")

	_, err = execCLI(t, append(windowArgs(dbPath), "lease", "release", "--token", lease.Token)...)
	require.NoError(t, err)

	out, err = execCLI(t, append(windowArgs(dbPath), "lease", "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "free")
}

func TestTestCommand(t *testing.T) {
	out, err := execCLI(t, "test", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ basic_flow")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFilterAndUpdate(t *testing.T) {
	golden := t.TempDir()
	out, err := execCLI(t, "test", "../harness/testdata/scenarios", "--filter", "carry_*", "--golden", golden, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ carry_ranking (golden updated)")
	assert.NotContains(t, out, "basic_flow")

	want, err := os.ReadFile("../harness/testdata/golden/carry_ranking.golden")
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(golden, "carry_ranking.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "cap_binding.golden"), []byte("{}\n"), 0o644))

	out, err := execCLI(t, "test", "../harness/testdata/scenarios", "--filter", "cap_binding", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "snapshot does not match golden file")
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := execCLI(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
