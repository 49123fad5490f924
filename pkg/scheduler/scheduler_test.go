package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/flowseal/pkg/crypto"
	"github.com/forest6511/flowseal/pkg/engine"
	"github.com/forest6511/flowseal/pkg/freeze"
	"github.com/forest6511/flowseal/pkg/history"
	"github.com/forest6511/flowseal/pkg/workflow"
)

var epoch = time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)

// fakeClock advances only when slept on or when the scripted engine runs.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedEngine returns queued results, then succeeds. Each call takes
// runTime on the fake clock.
type scriptedEngine struct {
	clock   *fakeClock
	runTime time.Duration
	results []bool
	err     error
	calls   []engine.Invocation
	onCall  func(n int)
}

func (e *scriptedEngine) Invoke(_ context.Context, inv engine.Invocation) (bool, error) {
	e.calls = append(e.calls, inv)
	if e.clock != nil {
		e.clock.advance(e.runTime)
	}
	if e.onCall != nil {
		e.onCall(len(e.calls))
	}
	if e.err != nil {
		return false, e.err
	}
	if len(e.results) == 0 {
		return true, nil
	}
	ok := e.results[0]
	e.results = e.results[1:]
	return ok, nil
}

// scriptedChecker returns queued errors, then nil.
type scriptedChecker struct {
	errs  []error
	calls int
}

func (c *scriptedChecker) Verify() error {
	c.calls++
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

type memHistory struct {
	runs []history.Run
}

func (h *memHistory) Record(_ context.Context, run history.Run) error {
	h.runs = append(h.runs, run)
	return nil
}

func testJob() Job {
	return Job{
		Config: &workflow.Config{
			Path:        "/srv/flow/workflow/config.json",
			NumCores:    2,
			Target:      "results/{run_id}/report.html",
			RunIDFormat: "{:%Y%m%d_%H%M%S}",
		},
		RootDir: "/srv/flow",
	}
}

func violation() error {
	return &freeze.IntegrityViolation{Report: &freeze.Report{Changed: []string{"/srv/flow/workflow/Snakefile"}}}
}

func TestRunOnce(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, runTime: 3 * time.Minute}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Integrity: &scriptedChecker{}, Clock: clock, History: hist})

	require.NoError(t, s.RunOnce(context.Background(), testJob()))

	require.Len(t, eng.calls, 1)
	inv := eng.calls[0]
	assert.Equal(t, "results/20240601_080000/report.html", inv.Target)
	assert.Equal(t, "/srv/flow/workflow/config.json", inv.ConfigFile)
	assert.Equal(t, "/srv/flow", inv.RootDir)
	assert.Equal(t, 2, inv.Cores)
	assert.False(t, inv.EnvsOnly)

	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.StatusSucceeded, hist.runs[0].Status)
	assert.Equal(t, history.KindRunOnce, hist.runs[0].Kind)
	assert.Equal(t, "20240601_080000", hist.runs[0].RunID)
	assert.Equal(t, 3*time.Minute, hist.runs[0].Duration)
}

func TestRunOncePassesFlags(t *testing.T) {
	eng := &scriptedEngine{}
	s := New(Options{Engine: eng, Clock: newFakeClock()})

	job := testJob()
	job.ForceAll = true
	job.DryRun = true
	job.Env = []string{"A=1"}
	job.Credentials = []engine.Credential{{Site: "a@b.org", User: "u", Password: "p"}}
	require.NoError(t, s.RunOnce(context.Background(), job))

	inv := eng.calls[0]
	assert.True(t, inv.ForceAll)
	assert.True(t, inv.DryRun)
	assert.Equal(t, []string{"A=1"}, inv.Env)
	assert.Len(t, inv.Credentials, 1)
}

func TestRunOncePrecondition(t *testing.T) {
	eng := &scriptedEngine{}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Integrity: &scriptedChecker{errs: []error{violation()}}, Clock: newFakeClock(), History: hist})

	err := s.RunOnce(context.Background(), testJob())

	assert.ErrorIs(t, err, ErrPrecondition)
	assert.ErrorIs(t, err, freeze.ErrIntegrityViolation)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Report)
	assert.Equal(t, []string{"/srv/flow/workflow/Snakefile"}, pe.Report.Changed)
	assert.Empty(t, eng.calls)
	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.StatusPrecondition, hist.runs[0].Status)
	assert.Zero(t, hist.runs[0].Attempts)
}

func TestRunOnceWithoutManifest(t *testing.T) {
	missing := &workflow.ConfigError{Path: "/srv/flow/.flowseal_freeze", Reason: "manifest not found", Err: freeze.ErrManifestNotFound}
	eng := &scriptedEngine{}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Integrity: &scriptedChecker{errs: []error{missing}}, Clock: newFakeClock(), History: hist})

	err := s.RunOnce(context.Background(), testJob())
	assert.ErrorIs(t, err, freeze.ErrManifestNotFound)
	assert.ErrorIs(t, err, workflow.ErrConfig)
	assert.NotErrorIs(t, err, ErrPrecondition)
	var ce *workflow.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "/srv/flow/.flowseal_freeze", ce.Path)
	assert.Empty(t, eng.calls)
	assert.Empty(t, hist.runs)
}

func TestRunOnceLoadsCredentialsAfterCheck(t *testing.T) {
	checker := &scriptedChecker{}
	eng := &scriptedEngine{}
	s := New(Options{Engine: eng, Integrity: checker, Clock: newFakeClock()})

	job := testJob()
	job.Credentials = []engine.Credential{{Site: "a@b.org", User: "u", Password: "p"}}
	job.LoadCredentials = func() ([]engine.Credential, error) {
		assert.Equal(t, 1, checker.calls, "credentials are read after the check")
		return []engine.Credential{{Site: "c@d.org", User: "v", Password: "q"}}, nil
	}

	require.NoError(t, s.RunOnce(context.Background(), job))
	require.Len(t, eng.calls, 1)
	assert.Equal(t, []engine.Credential{
		{Site: "a@b.org", User: "u", Password: "p"},
		{Site: "c@d.org", User: "v", Password: "q"},
	}, eng.calls[0].Credentials)
	assert.Len(t, job.Credentials, 1, "the caller's job is left alone")
}

func TestRefusedRunDoesNotLoadCredentials(t *testing.T) {
	loaded := 0
	job := testJob()
	job.LoadCredentials = func() ([]engine.Credential, error) {
		loaded++
		return nil, errors.New("cache not read")
	}

	once := New(Options{Engine: &scriptedEngine{}, Integrity: &scriptedChecker{errs: []error{violation()}}, Clock: newFakeClock()})
	assert.ErrorIs(t, once.RunOnce(context.Background(), job), ErrPrecondition)

	loop := New(Options{Engine: &scriptedEngine{}, Integrity: &scriptedChecker{errs: []error{violation()}}, Clock: newFakeClock()})
	_, err := loop.RunPeriodic(context.Background(), job, Period{Every: time.Hour, MaxLoops: 1})
	assert.ErrorIs(t, err, ErrPrecondition)

	assert.Zero(t, loaded)
}

func TestLoadCredentialsFailureStopsRun(t *testing.T) {
	eng := &scriptedEngine{}
	job := testJob()
	missing := errors.New("credentials: unknown site")
	job.LoadCredentials = func() ([]engine.Credential, error) { return nil, missing }

	s := New(Options{Engine: eng, Integrity: &scriptedChecker{}, Clock: newFakeClock()})
	assert.ErrorIs(t, s.RunOnce(context.Background(), job), missing)

	stats, err := s.RunPeriodic(context.Background(), job, Period{Every: time.Hour, MaxLoops: 1})
	assert.ErrorIs(t, err, missing)
	assert.Zero(t, stats.Iterations)
	assert.Empty(t, eng.calls)
}

func TestRunOnceCheckFailureIsNotPrecondition(t *testing.T) {
	s := New(Options{Engine: &scriptedEngine{}, Integrity: &scriptedChecker{errs: []error{&crypto.DecryptionError{Path: "/srv/flow/.flowseal_freeze"}}}})

	err := s.RunOnce(context.Background(), testJob())
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.NotErrorIs(t, err, ErrPrecondition)
}

func TestRunOnceEngineFailureNotRetried(t *testing.T) {
	eng := &scriptedEngine{results: []bool{false}}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Clock: newFakeClock(), History: hist})

	err := s.RunOnce(context.Background(), testJob())

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "20240601_080000", ee.RunID)
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.Len(t, eng.calls, 1)
	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.StatusFailed, hist.runs[0].Status)
}

func TestRunOnceEngineError(t *testing.T) {
	hist := &memHistory{}
	s := New(Options{Engine: &scriptedEngine{err: engine.ErrNotFound}, History: hist})

	err := s.RunOnce(context.Background(), testJob())
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.NotErrorIs(t, err, ErrEngineFailure)
	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.StatusError, hist.runs[0].Status)
	assert.Equal(t, engine.ErrNotFound.Error(), hist.runs[0].Error)
}

func TestRunPeriodicRetriesUntilSuccess(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, runTime: time.Minute, results: []bool{false, false, true}}
	hist := &memHistory{}
	var out bytes.Buffer
	s := New(Options{Engine: eng, Clock: clock, History: hist, Out: &out})

	stats, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: 1, RetryDelay: 30 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, &Stats{Iterations: 1, Invocations: 3, Retries: 2}, stats)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clock.sleeps)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("Workflow execution failed. Will retry in 30 seconds.")))

	// retries reuse the iteration's run id
	require.Len(t, eng.calls, 3)
	for _, inv := range eng.calls {
		assert.Equal(t, "results/20240601_080000/report.html", inv.Target)
	}

	require.Len(t, hist.runs, 1)
	assert.Equal(t, 3, hist.runs[0].Attempts)
	assert.Equal(t, history.StatusSucceeded, hist.runs[0].Status)
}

func TestRunPeriodicSleepsRemainder(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, runTime: 5 * time.Minute}
	var out bytes.Buffer
	s := New(Options{Engine: eng, Clock: clock, Out: &out})

	stats, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: 2, RetryDelay: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Iterations)
	assert.Equal(t, 2, stats.Invocations)
	assert.Equal(t, []time.Duration{55 * time.Minute}, clock.sleeps)

	require.Len(t, eng.calls, 2)
	assert.Equal(t, "results/20240601_080000/report.html", eng.calls[0].Target)
	assert.Equal(t, "results/20240601_090000/report.html", eng.calls[1].Target)

	assert.Equal(t, "Next workflow execution scheduled at: 09:00:00, Jun 01, 2024\n", out.String())
}

func TestRunPeriodicOverrun(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, runTime: 90 * time.Minute}
	var out bytes.Buffer
	s := New(Options{Engine: eng, Clock: clock, Out: &out})

	_, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: 2})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{0}, clock.sleeps)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("Previous workflow execution time exceeded the loop period.")))
}

func TestRunPeriodicInitialPrecondition(t *testing.T) {
	eng := &scriptedEngine{}
	s := New(Options{Engine: eng, Integrity: &scriptedChecker{errs: []error{violation()}}, Clock: newFakeClock()})

	stats, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: 3})
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotErrorIs(t, err, ErrWorkflowChanged)
	assert.Equal(t, 0, stats.Iterations)
	assert.Empty(t, eng.calls)
}

func TestRunPeriodicWorkflowChanged(t *testing.T) {
	clock := newFakeClock()
	eng := &scriptedEngine{clock: clock, runTime: time.Minute}
	checker := &scriptedChecker{errs: []error{nil, nil, violation()}}
	s := New(Options{Engine: eng, Integrity: checker, Clock: clock})

	stats, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: 5})

	assert.ErrorIs(t, err, ErrWorkflowChanged)
	assert.ErrorIs(t, err, freeze.ErrIntegrityViolation)
	assert.NotErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, 2, stats.Iterations)
	assert.Equal(t, 1, stats.Invocations)
	assert.Equal(t, 3, checker.calls)
}

func TestRunPeriodicUnboundedUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &scriptedEngine{clock: clock, runTime: time.Minute}
	eng.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Clock: clock, History: hist})

	stats, err := s.RunPeriodic(ctx, testJob(), Period{Every: 10 * time.Minute, MaxLoops: -1})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, stats.Iterations)
	assert.Equal(t, 3, stats.Invocations)
	assert.Equal(t, []time.Duration{9 * time.Minute, 9 * time.Minute}, clock.sleeps)
	assert.Len(t, hist.runs, 3)
}

func TestRunPeriodicCancelDuringRetry(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	eng := &scriptedEngine{clock: clock, results: []bool{false}}
	eng.onCall = func(int) { cancel() }
	hist := &memHistory{}
	s := New(Options{Engine: eng, Clock: clock, History: hist})

	stats, err := s.RunPeriodic(ctx, testJob(), Period{Every: time.Hour, MaxLoops: 1, RetryDelay: time.Minute})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Retries)
	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.StatusInterrupted, hist.runs[0].Status)
}

func TestRunPeriodicEngineErrorIsFatal(t *testing.T) {
	boom := errors.New("engine: failed to start snakemake: permission denied")
	eng := &scriptedEngine{err: boom}
	s := New(Options{Engine: eng, Clock: newFakeClock()})

	stats, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour, MaxLoops: -1, RetryDelay: time.Second})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.Invocations)
	assert.Equal(t, 0, stats.Retries)
}

func TestPeriodValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Period
		ok   bool
	}{
		{"valid", Period{Every: time.Hour, MaxLoops: 1}, true},
		{"unbounded", Period{Every: time.Second, MaxLoops: -1, RetryDelay: time.Minute}, true},
		{"zero loops", Period{Every: time.Hour, MaxLoops: 0}, false},
		{"negative loops", Period{Every: time.Hour, MaxLoops: -2}, false},
		{"zero period", Period{MaxLoops: 1}, false},
		{"negative retry", Period{Every: time.Hour, MaxLoops: 1, RetryDelay: -time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPeriod)
			}
		})
	}

	s := New(Options{Engine: &scriptedEngine{}})
	_, err := s.RunPeriodic(context.Background(), testJob(), Period{Every: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestCreateEnvs(t *testing.T) {
	eng := &scriptedEngine{}
	checker := &scriptedChecker{errs: []error{violation()}}
	hist := &memHistory{}
	s := New(Options{Engine: eng, Integrity: checker, Clock: newFakeClock(), History: hist})

	job := testJob()
	job.DryRun = true
	require.NoError(t, s.CreateEnvs(context.Background(), job))

	require.Len(t, eng.calls, 1)
	inv := eng.calls[0]
	assert.Equal(t, "results/TMP/report.html", inv.Target)
	assert.True(t, inv.EnvsOnly)
	assert.True(t, inv.ForceAll)
	assert.False(t, inv.DryRun)
	assert.Equal(t, 0, checker.calls)

	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.KindCreateEnvs, hist.runs[0].Kind)
}

func TestCreateEnvsFailure(t *testing.T) {
	s := New(Options{Engine: &scriptedEngine{results: []bool{false}}})

	err := s.CreateEnvs(context.Background(), testJob())
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, EnvsRunID, ee.RunID)
}

func TestRealClockSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, RealClock{}.Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, RealClock{}.Sleep(ctx, 0), context.Canceled)
	assert.NoError(t, RealClock{}.Sleep(context.Background(), time.Millisecond))
}

func TestCheckPrecondition(t *testing.T) {
	require.NoError(t, CheckPrecondition(&scriptedChecker{}))

	err := CheckPrecondition(&scriptedChecker{errs: []error{violation()}})
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.NotNil(t, pe.Report)

	other := errors.New("disk on fire")
	err = CheckPrecondition(&scriptedChecker{errs: []error{other}})
	assert.Same(t, other, err)
}
