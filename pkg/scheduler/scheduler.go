// Package scheduler drives the workflow engine: a single guarded run, a
// periodic loop with retry, and environment provisioning.
//
// Before every run the scheduler asks its Checker to verify that the
// workflow files still match their frozen state. The loop is strictly
// sequential: one engine invocation at a time, sleeping between
// iterations. Cancellation is honoured while sleeping and by the engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/forest6511/flowseal/pkg/engine"
	"github.com/forest6511/flowseal/pkg/history"
	"github.com/forest6511/flowseal/pkg/workflow"
)

// EnvsRunID is the run identity used when only provisioning environments.
const EnvsRunID = "TMP"

// DefaultRetryDelay is the pause before a failed run is retried.
const DefaultRetryDelay = 60 * time.Second

// DefaultPeriod is the loop period when none is given.
const DefaultPeriod = 24 * time.Hour

// nextRunLayout renders the next scheduled execution time.
const nextRunLayout = "15:04:05, Jan 02, 2006"

// Checker verifies workflow integrity. *freeze.Snapshot satisfies it.
type Checker interface {
	Verify() error
}

// Recorder stores run outcomes. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// Options configures a Scheduler.
type Options struct {
	Engine engine.Engine

	// Integrity is consulted before each run. Nil disables the check.
	Integrity Checker

	Clock   Clock
	Logger  *slog.Logger
	History Recorder

	// Out receives operator notices such as the next scheduled run.
	Out io.Writer
}

// Scheduler runs workflow jobs.
type Scheduler struct {
	engine    engine.Engine
	integrity Checker
	clock     Clock
	logger    *slog.Logger
	history   Recorder
	out       io.Writer
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		engine:    opts.Engine,
		integrity: opts.Integrity,
		clock:     opts.Clock,
		logger:    opts.Logger,
		history:   opts.History,
		out:       opts.Out,
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.out == nil {
		s.out = io.Discard
	}
	return s
}

// Job is what the engine is asked to build.
type Job struct {
	Config *workflow.Config

	// ConfigFile defaults to Config.Path.
	ConfigFile string
	RootDir    string

	Env         []string
	Credentials []engine.Credential

	// LoadCredentials, when set, is called once the initial integrity
	// check has passed; its result is appended to Credentials. Secrets are
	// never read for a run that is refused.
	LoadCredentials func() ([]engine.Credential, error)

	ForceAll bool
	DryRun   bool
}

// withCredentials returns job with its lazily loaded credentials in place.
func (j Job) withCredentials() (Job, error) {
	if j.LoadCredentials == nil {
		return j, nil
	}
	creds, err := j.LoadCredentials()
	if err != nil {
		return j, err
	}
	j.Credentials = append(append([]engine.Credential(nil), j.Credentials...), creds...)
	j.LoadCredentials = nil
	return j, nil
}

func (j Job) invocation(runID string) engine.Invocation {
	cfgFile := j.ConfigFile
	if cfgFile == "" {
		cfgFile = j.Config.Path
	}
	return engine.Invocation{
		ConfigFile:  cfgFile,
		Target:      j.Config.TargetFor(runID),
		RootDir:     j.RootDir,
		Cores:       j.Config.NumCores,
		ForceAll:    j.ForceAll,
		DryRun:      j.DryRun,
		Env:         j.Env,
		Credentials: j.Credentials,
	}
}

// Period controls RunPeriodic.
type Period struct {
	Every time.Duration

	// MaxLoops is the number of iterations; -1 loops until cancelled.
	MaxLoops int

	RetryDelay time.Duration
}

// Validate checks the period bounds.
func (p Period) Validate() error {
	switch {
	case p.Every <= 0:
		return fmt.Errorf("%w: period must be positive, got %s", ErrInvalidPeriod, p.Every)
	case p.MaxLoops == 0 || p.MaxLoops < -1:
		return fmt.Errorf("%w: number of loops must be positive or -1, got %d", ErrInvalidPeriod, p.MaxLoops)
	case p.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative, got %s", ErrInvalidPeriod, p.RetryDelay)
	}
	return nil
}

// Stats summarizes a RunPeriodic call.
type Stats struct {
	Iterations  int
	Invocations int
	Retries     int
}

// RunOnce verifies integrity and invokes the engine once, without retry.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	if err := s.verify(); err != nil {
		err = preconditionError(err)
		s.refused(ctx, job, history.KindRunOnce, err)
		return err
	}
	job, err := job.withCredentials()
	if err != nil {
		return err
	}

	start := s.clock.Now()
	runID := job.Config.RunID(start)
	logger := s.logger.With("run_id", runID)

	logger.Info("starting workflow execution", "target", job.Config.TargetFor(runID))
	ok, err := s.engine.Invoke(ctx, job.invocation(runID))

	run := history.Run{
		RunID:     runID,
		Kind:      history.KindRunOnce,
		Target:    job.Config.TargetFor(runID),
		StartedAt: start,
		Duration:  s.clock.Now().Sub(start),
		Attempts:  1,
	}
	s.record(ctx, run, ok, err)

	if err != nil {
		return err
	}
	if !ok {
		logger.Error("workflow execution failed")
		return &EngineError{RunID: runID}
	}
	logger.Info("workflow execution finished", "elapsed", run.Duration)
	return nil
}

// RunPeriodic runs the workflow every p.Every until p.MaxLoops iterations
// have completed or ctx is cancelled.
//
// A failed run is retried after p.RetryDelay with the same run id until it
// succeeds; retries do not count as iterations. When a run outlasts the
// period, the next iteration starts immediately.
func (s *Scheduler) RunPeriodic(ctx context.Context, job Job, p Period) (*Stats, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	stats := &Stats{}

	if err := s.verify(); err != nil {
		err = preconditionError(err)
		s.refused(ctx, job, history.KindLoop, err)
		return stats, err
	}
	job, err := job.withCredentials()
	if err != nil {
		return stats, err
	}

	for loop := 1; p.MaxLoops < 0 || loop <= p.MaxLoops; loop++ {
		start := s.clock.Now()
		stats.Iterations++
		logger := s.logger.With("loop", loop)

		if err := s.verify(); err != nil {
			if isIntegrityFailure(err) {
				logger.Error("workflow changed while looping")
				return stats, fmt.Errorf("%w: %w", ErrWorkflowChanged, err)
			}
			return stats, err
		}

		runID := job.Config.RunID(s.clock.Now())
		logger = logger.With("run_id", runID)
		inv := job.invocation(runID)

		attempts := 0
		for {
			attempts++
			stats.Invocations++

			logger.Info("starting workflow execution", "attempt", attempts, "target", inv.Target)
			ok, err := s.engine.Invoke(ctx, inv)
			if err != nil {
				s.record(ctx, s.loopRun(runID, inv.Target, loop, start, attempts), false, err)
				return stats, err
			}
			if ok {
				break
			}

			stats.Retries++
			logger.Warn("workflow execution failed, retrying", "attempt", attempts, "retry_delay", p.RetryDelay)
			fmt.Fprintf(s.out, "Workflow execution failed. Will retry in %d seconds.\n", int(p.RetryDelay.Seconds()))
			if err := s.clock.Sleep(ctx, p.RetryDelay); err != nil {
				s.record(ctx, s.loopRun(runID, inv.Target, loop, start, attempts), false, err)
				return stats, err
			}
		}

		s.record(ctx, s.loopRun(runID, inv.Target, loop, start, attempts), true, nil)

		elapsed := s.clock.Now().Sub(start)
		remaining := p.Every - elapsed
		if remaining <= 0 {
			remaining = 0
			logger.Warn("workflow execution exceeded the loop period", "elapsed", elapsed, "period", p.Every)
			fmt.Fprintln(s.out, "Previous workflow execution time exceeded the loop period.")
		}

		if p.MaxLoops >= 0 && loop >= p.MaxLoops {
			break
		}

		next := s.clock.Now().Add(remaining)
		logger.Info("next workflow execution scheduled", "at", next, "remaining", remaining)
		fmt.Fprintf(s.out, "Next workflow execution scheduled at: %s\n", next.Format(nextRunLayout))

		if err := s.clock.Sleep(ctx, remaining); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// CreateEnvs asks the engine to provision its environments without
// running the workflow. No integrity check is made.
func (s *Scheduler) CreateEnvs(ctx context.Context, job Job) error {
	inv := job.invocation(EnvsRunID)
	inv.ForceAll = true
	inv.DryRun = false
	inv.EnvsOnly = true

	start := s.clock.Now()
	s.logger.Info("creating workflow environments")
	ok, err := s.engine.Invoke(ctx, inv)

	s.record(ctx, history.Run{
		RunID:     EnvsRunID,
		Kind:      history.KindCreateEnvs,
		Target:    inv.Target,
		StartedAt: start,
		Duration:  s.clock.Now().Sub(start),
		Attempts:  1,
	}, ok, err)

	if err != nil {
		return err
	}
	if !ok {
		return &EngineError{RunID: EnvsRunID}
	}
	return nil
}

func (s *Scheduler) verify() error {
	if s.integrity == nil {
		return nil
	}
	return s.integrity.Verify()
}

func (s *Scheduler) loopRun(runID, target string, loop int, start time.Time, attempts int) history.Run {
	return history.Run{
		RunID:     runID,
		Kind:      history.KindLoop,
		Loop:      loop,
		Target:    target,
		StartedAt: start,
		Duration:  s.clock.Now().Sub(start),
		Attempts:  attempts,
	}
}

// refused records a run that never reached the engine because the
// workflow is not in its frozen state.
func (s *Scheduler) refused(ctx context.Context, job Job, kind history.Kind, err error) {
	if !errors.Is(err, ErrPrecondition) {
		return
	}
	now := s.clock.Now()
	runID := job.Config.RunID(now)
	s.record(ctx, history.Run{
		RunID:     runID,
		Kind:      kind,
		Target:    job.Config.TargetFor(runID),
		StartedAt: now,
	}, false, err)
}

// record stores run with a status derived from the engine result. History
// failures are logged and never abort a run.
func (s *Scheduler) record(ctx context.Context, run history.Run, ok bool, err error) {
	if s.history == nil {
		return
	}

	switch {
	case errors.Is(err, ErrPrecondition):
		run.Status = history.StatusPrecondition
		run.Error = err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.Status = history.StatusInterrupted
	case err != nil:
		run.Status = history.StatusError
		run.Error = err.Error()
	case ok:
		run.Status = history.StatusSucceeded
	default:
		run.Status = history.StatusFailed
	}

	// A cancelled ctx must not prevent recording the interruption.
	if rerr := s.history.Record(context.WithoutCancel(ctx), run); rerr != nil {
		s.logger.Warn("failed to record run history", "run_id", run.RunID, "error", rerr)
	}
}
