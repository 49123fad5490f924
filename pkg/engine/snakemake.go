package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Snakemake defaults
const (
	DefaultBinary    = "snakemake"
	DefaultSnakefile = "workflow/Snakefile"

	// DefaultWaitDelay is how long the engine may take to exit after
	// the termination signal before it is killed.
	DefaultWaitDelay = 10 * time.Second
)

// SnakemakeOptions configures a Snakemake engine.
type SnakemakeOptions struct {
	// Binary is the executable name or path. Defaults to "snakemake".
	Binary string

	// Snakefile is resolved against the invocation root when relative.
	Snakefile string

	// ExtraArgs are inserted before the target.
	ExtraArgs []string

	// EnvPrefix is the credential variable prefix. Defaults to
	// DefaultEnvPrefix.
	EnvPrefix string

	// NoSanitize passes engine output through untouched.
	NoSanitize bool

	WaitDelay time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *slog.Logger
}

// Snakemake runs the snakemake command line as a subprocess.
type Snakemake struct {
	opts SnakemakeOptions
}

// NewSnakemake returns an Engine that invokes snakemake.
func NewSnakemake(opts SnakemakeOptions) *Snakemake {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Snakefile == "" {
		opts.Snakefile = DefaultSnakefile
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Snakemake{opts: opts}
}

// Args returns the command line arguments for inv, without the binary.
func (s *Snakemake) Args(inv Invocation) []string {
	snakefile := s.opts.Snakefile
	if !filepath.IsAbs(snakefile) {
		snakefile = filepath.Join(inv.RootDir, snakefile)
	}

	cores := inv.Cores
	if cores < 1 {
		cores = 1
	}

	args := []string{
		"--snakefile", snakefile,
		"--configfile", inv.ConfigFile,
		"--cores", strconv.Itoa(cores),
		"--use-conda",
	}
	if inv.ForceAll {
		args = append(args, "--forceall")
	}
	if inv.DryRun {
		args = append(args, "--dryrun")
	}
	if inv.EnvsOnly {
		args = append(args, "--conda-create-envs-only")
	}
	args = append(args, s.opts.ExtraArgs...)
	if inv.Target != "" {
		args = append(args, inv.Target)
	}
	return args
}

// Invoke runs snakemake and waits for it. A non-zero exit status is
// reported as false with a nil error. Cancelling ctx sends the engine a
// termination signal and returns ctx.Err().
func (s *Snakemake) Invoke(ctx context.Context, inv Invocation) (bool, error) {
	logger := s.opts.Logger

	if err := disableCoreDumps(); err != nil {
		return false, fmt.Errorf("engine: failed to disable core dumps: %w", err)
	}

	binPath, err := exec.LookPath(s.opts.Binary)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, s.opts.Binary)
	}

	credEnv, err := CredentialEnv(s.opts.EnvPrefix, inv.Credentials)
	if err != nil {
		return false, err
	}

	cmd := exec.CommandContext(ctx, binPath, s.Args(inv)...)
	cmd.Dir = inv.RootDir
	cmd.Env = append(append(os.Environ(), inv.Env...), credEnv...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(terminateSignal())
	}
	cmd.WaitDelay = s.opts.WaitDelay

	// Sanitized output flows through in-memory pipes so that exec owns
	// the OS pipes and WaitDelay can reclaim them.
	var outputWg sync.WaitGroup
	var closeOutput func()
	if s.opts.NoSanitize || len(inv.Credentials) == 0 {
		cmd.Stdout = s.opts.Stdout
		cmd.Stderr = s.opts.Stderr
		closeOutput = func() {}
	} else {
		sanitizer := newOutputSanitizer(redactionsFor(s.opts.EnvPrefix, inv.Credentials))
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW

		outputWg.Add(2)
		go func() {
			defer outputWg.Done()
			sanitizer.copy(s.opts.Stdout, stdoutR)
		}()
		go func() {
			defer outputWg.Done()
			sanitizer.copy(s.opts.Stderr, stderrR)
		}()
		closeOutput = func() {
			stdoutW.Close()
			stderrW.Close()
			outputWg.Wait()
		}
	}

	logger.Debug("starting engine", "binary", binPath, "target", inv.Target, "dir", inv.RootDir)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		closeOutput()
		return false, fmt.Errorf("engine: failed to start %s: %w", s.opts.Binary, err)
	}

	err = cmd.Wait()
	closeOutput()
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Info("engine interrupted", "elapsed", elapsed)
			return false, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("engine reported failure", "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
			return false, nil
		}
		return false, fmt.Errorf("engine: failed to run %s: %w", s.opts.Binary, err)
	}

	logger.Debug("engine finished", "elapsed", elapsed)
	return true, nil
}
