package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/flowseal/pkg/engine"
	"github.com/forest6511/flowseal/pkg/freeze"
	"github.com/forest6511/flowseal/pkg/prompt"
	"github.com/forest6511/flowseal/pkg/scheduler"
	"github.com/forest6511/flowseal/pkg/workflow"
)

const testConfig = `{
  "num_cores": 2,
  "target": "results/{run_id}.txt",
  "run_id_format": "{:%Y%m%d}",
  "credentials": ["ops@example.org"]
}`

// result is the outcome of one CLI invocation.
type result struct {
	code   int
	stdout string
	stderr string
}

// flowseal runs the command line against root with stdin as operator input.
func flowseal(t *testing.T, root, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--root", root}, args...), strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// newWorkflow lays out a minimal workflow and points the passphrase file
// variable at a private file.
func newWorkflow(t *testing.T, settings string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "workflow/config.json", testConfig)
	writeFile(t, root, "workflow/Snakefile", "rule all:\n    input: 'x'\n")
	writeFile(t, root, "environment.yml", "name: flow\n")
	if settings != "" {
		writeFile(t, root, "flowseal.yaml", settings)
	}

	pwdFile := filepath.Join(t.TempDir(), "passphrase")
	require.NoError(t, os.WriteFile(pwdFile, []byte("correct horse battery staple"), 0o600))
	t.Setenv(prompt.PassphraseEnv, pwdFile)
	return root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// engineStub writes a fake snakemake and returns settings that use it.
func engineStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "snakemake")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return fmt.Sprintf("engine:\n  binary: %s\n", path)
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"precondition", &scheduler.PreconditionError{Err: &freeze.IntegrityViolation{Report: &freeze.Report{}}}, ExitPrecondition},
		{"integrity violation", &freeze.IntegrityViolation{Report: &freeze.Report{}}, ExitPrecondition},
		{"missing manifest", &workflow.ConfigError{Path: ".flowseal_freeze", Reason: "manifest not found", Err: freeze.ErrManifestNotFound}, ExitFatal},
		{"engine failure", &scheduler.EngineError{RunID: "x"}, ExitEngineFailure},
		{"changed mid-loop", fmt.Errorf("%w: %w", scheduler.ErrWorkflowChanged, freeze.ErrIntegrityViolation), ExitFatal},
		{"interrupted", fmt.Errorf("wrapped: %w", context.Canceled), ExitInterrupted},
		{"config", &workflow.ConfigError{Path: "c.json", Key: "target", Reason: "missing"}, ExitFatal},
		{"engine missing", engine.ErrNotFound, ExitFatal},
		{"explicit", &exitError{code: 7}, 7},
		{"unknown", errors.New("boom"), ExitFatal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"30m", 30 * time.Minute},
		{"1h30m", 90 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseDuration(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "d", "-3d", "1.5x"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoopPeriod(t *testing.T) {
	p, err := loopOptions{loops: -1, retry: 60}.period()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, p.Every)
	assert.Equal(t, time.Minute, p.RetryDelay)
	assert.Equal(t, -1, p.MaxLoops)

	p, err = loopOptions{loops: 3, days: 1, hours: 2, minutes: 3, seconds: 4}.period()
	require.NoError(t, err)
	assert.Equal(t, 26*time.Hour+3*time.Minute+4*time.Second, p.Every)
	assert.Zero(t, p.RetryDelay)

	_, err = loopOptions{loops: 0}.period()
	assert.ErrorIs(t, err, scheduler.ErrInvalidPeriod)

	_, err = loopOptions{loops: 1, hours: -1}.period()
	assert.ErrorIs(t, err, scheduler.ErrInvalidPeriod)
}

func TestFreezeAndCheck(t *testing.T) {
	root := newWorkflow(t, "")

	res := flowseal(t, root, "", "freeze")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Froze 3 files")

	res = flowseal(t, root, "", "check")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "matches its frozen state")

	writeFile(t, root, "workflow/Snakefile", "rule all:\n    input: 'y'\n")
	writeFile(t, root, "workflow/scripts/new.py", "print('hi')\n")

	res = flowseal(t, root, "", "check")
	assert.Equal(t, ExitPrecondition, res.code)
	assert.Contains(t, res.stdout, "The following files have been changed:\n\t"+filepath.Join(root, "workflow", "Snakefile"))
	assert.Contains(t, res.stdout, "The following files have been added:")
}

func TestCheckWithoutFreeze(t *testing.T) {
	root := newWorkflow(t, "")

	res := flowseal(t, root, "", "check")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, filepath.Join(root, ".flowseal_freeze")+": manifest not found")
	assert.Contains(t, res.stderr, "Freeze the workflow before executing it!")
}

func TestWrongPassphraseIsFatal(t *testing.T) {
	root := newWorkflow(t, "")
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)

	other := filepath.Join(t.TempDir(), "passphrase")
	require.NoError(t, os.WriteFile(other, []byte("wrong"), 0o600))
	t.Setenv(prompt.PassphraseEnv, other)

	res := flowseal(t, root, "", "check")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "decryption failed")
}

func TestInvalidSettingsAreFatal(t *testing.T) {
	root := newWorkflow(t, "crypto:\n  suite: rot13\n")

	res := flowseal(t, root, "", "check")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "crypto.suite")
}

func TestPwdRequiresFreeze(t *testing.T) {
	root := newWorkflow(t, "")

	res := flowseal(t, root, "alice\nhunter2\n", "pwd")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "manifest not found")
	assert.Contains(t, res.stderr, "Freeze the workflow before storing new credentials!")
	assert.NoFileExists(t, filepath.Join(root, ".flowseal_credentials"))
}

func TestPwdRefusesChangedWorkflow(t *testing.T) {
	root := newWorkflow(t, "")
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)
	writeFile(t, root, "workflow/Snakefile", "rule all:\n    input: 'y'\n")

	res := flowseal(t, root, "alice\nhunter2\n", "pwd")
	assert.Equal(t, ExitPrecondition, res.code)
	assert.Contains(t, res.stderr, "The following files have been changed:")
	assert.Contains(t, res.stderr, "Freeze the workflow before storing new credentials!")
	assert.NotContains(t, res.stderr, "before executing it")
	assert.NoFileExists(t, filepath.Join(root, ".flowseal_credentials"))
}

func TestPwdStoreAndList(t *testing.T) {
	root := newWorkflow(t, "")
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)

	res := flowseal(t, root, "alice\nhunter2\n", "pwd")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `Please enter credentials for "ops@example.org":`)

	data, err := os.ReadFile(filepath.Join(root, ".flowseal_credentials"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	res = flowseal(t, root, "", "pwd", "--list")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Equal(t, "ops@example.org\n", res.stdout)

	res = flowseal(t, root, "", "pwd", "--site", "https://*")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "no site matches")
}

func TestRunOnceRequiresFreeze(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "exit 0"))

	res := flowseal(t, root, "", "runonce", "--no-cache")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "manifest not found")
	assert.Contains(t, res.stderr, "Freeze the workflow before executing it!")
}

func TestRunOnceChecksBeforeReadingCache(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "echo ran"))
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)
	writeFile(t, root, "workflow/Snakefile", "rule all:\n    input: 'y'\n")

	// no cache exists, yet the changed workflow is what gets reported
	res := flowseal(t, root, "", "runonce")
	assert.Equal(t, ExitPrecondition, res.code)
	assert.Contains(t, res.stderr, "Freeze the workflow before executing it!")
	assert.NotContains(t, res.stderr, "flowseal pwd")
	assert.NotContains(t, res.stdout, "ran")

	res = flowseal(t, root, "", "loop", "-N", "1")
	assert.Equal(t, ExitPrecondition, res.code)
	assert.NotContains(t, res.stderr, "flowseal pwd")
}

func TestRunOnceWithoutManifestOrCache(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "echo ran"))

	res := flowseal(t, root, "", "runonce")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "manifest not found")
	assert.NotContains(t, res.stderr, "flowseal pwd")
}

func TestRunOnceInjectsCredentials(t *testing.T) {
	root := newWorkflow(t, engineStub(t, `echo "args: $*"
echo "user: $FLOWSEAL_CRED_OPS_EXAMPLE_ORG_USER"
echo "pwd: $FLOWSEAL_CRED_OPS_EXAMPLE_ORG_PWD"`))
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)
	require.Equal(t, ExitOK, flowseal(t, root, "alice\nhunter2\n", "pwd").code)

	res := flowseal(t, root, "", "runonce", "-f")
	require.Equal(t, ExitOK, res.code, res.stderr)

	runID := time.Now().Format("20060102")
	assert.Contains(t, res.stdout, "--cores 2 --use-conda --forceall results/"+runID+".txt")
	assert.Contains(t, res.stdout, "user: alice")
	assert.Contains(t, res.stdout, "[REDACTED:")
	assert.NotContains(t, res.stdout, "hunter2")

	res = flowseal(t, root, "", "history")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "runonce")
	assert.Contains(t, res.stdout, "succeeded")
	assert.Contains(t, res.stdout, "Total: 1 runs")
}

func TestRunOnceWithoutCachedCredentials(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "exit 0"))
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)

	res := flowseal(t, root, "", "runonce")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "run 'flowseal pwd' first")
}

func TestRunOnceEngineFailure(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "exit 1"))
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)

	res := flowseal(t, root, "", "runonce", "--no-cache")
	assert.Equal(t, ExitEngineFailure, res.code)
	assert.Contains(t, res.stderr, "workflow execution failed")
}

func TestRunOnceWithoutFreezeOrCache(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "echo ran"))
	t.Setenv(prompt.PassphraseEnv, "")

	// Neither the manifest nor the cache is touched, so no passphrase is needed.
	res := flowseal(t, root, "", "runonce", "--no-freeze", "--no-cache")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "ran")
}

func TestLoopSingleIteration(t *testing.T) {
	root := newWorkflow(t, engineStub(t, "echo looped"))
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)

	res := flowseal(t, root, "", "loop", "-N", "1", "-S", "30", "--no-cache")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Equal(t, 1, strings.Count(res.stdout, "looped"))
	assert.NotContains(t, res.stdout, "Next workflow execution scheduled at")
}

func TestLoopInvalidPeriod(t *testing.T) {
	root := newWorkflow(t, "")

	res := flowseal(t, root, "", "loop", "-N", "0")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "number of loops")
}

func TestCreateEnvs(t *testing.T) {
	root := newWorkflow(t, engineStub(t, `echo "args: $*"`))
	t.Setenv(prompt.PassphraseEnv, "")

	res := flowseal(t, root, "", "create-envs")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "--forceall --conda-create-envs-only results/TMP.txt")
	assert.Contains(t, res.stdout, "environments are ready")
}

func TestHistoryDisabled(t *testing.T) {
	root := newWorkflow(t, "history:\n  enabled: false\n")

	res := flowseal(t, root, "", "history")
	assert.Equal(t, ExitFatal, res.code)
	assert.Contains(t, res.stderr, "run history is disabled")
}

func TestAuditTrail(t *testing.T) {
	root := newWorkflow(t, "")
	require.Equal(t, ExitOK, flowseal(t, root, "", "freeze").code)
	require.Equal(t, ExitOK, flowseal(t, root, "", "check").code)

	res := flowseal(t, root, "", "audit", "list")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "workflow.freeze cli success")
	assert.Contains(t, res.stdout, "workflow.check cli success")
	assert.Contains(t, res.stdout, "Total: 2 events")

	res = flowseal(t, root, "", "audit", "verify")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Audit log verified: 2 records, chain intact")
}

func TestCompletion(t *testing.T) {
	// Completion must work without settings or a passphrase.
	root := t.TempDir()
	writeFile(t, root, "flowseal.yaml", "not: [valid")

	res := flowseal(t, root, "", "completion", "bash")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "flowseal")

	res = flowseal(t, root, "", "completion", "tcsh")
	assert.NotEqual(t, ExitOK, res.code)
}

func TestWeakPassphraseWarning(t *testing.T) {
	root := newWorkflow(t, "")
	weak := filepath.Join(t.TempDir(), "passphrase")
	require.NoError(t, os.WriteFile(weak, []byte("abc"), 0o600))
	t.Setenv(prompt.PassphraseEnv, weak)

	res := flowseal(t, root, "", "freeze")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stderr, "warning: Passphrase is shorter than 8 characters (strength: weak)")

	// Only the first freeze rates the passphrase.
	res = flowseal(t, root, "", "freeze")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.NotContains(t, res.stderr, "Passphrase is shorter")
}
