package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/forest6511/flowseal/pkg/freeze"
	"github.com/forest6511/flowseal/pkg/scheduler"
)

// Exit codes
const (
	ExitOK            = 0
	ExitPrecondition  = 1
	ExitEngineFailure = 2
	ExitFatal         = 100
	ExitInterrupted   = 130
)

// exitError carries an explicit exit code. A nil err means the command
// already told the operator what went wrong.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

func (e *exitError) ExitCode() int {
	return e.code
}

// runHint is shown after a precondition failure unless the command
// supplied its own through withHint.
const runHint = "Freeze the workflow before executing it!"

// hintError attaches the line telling the operator how to get past a
// failed integrity check.
type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string {
	return e.err.Error()
}

func (e *hintError) Unwrap() error {
	return e.err
}

func withHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, hint: hint}
}

func hintFor(err error) string {
	var he *hintError
	if errors.As(err, &he) {
		return he.hint
	}
	return runHint
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, scheduler.ErrWorkflowChanged):
		return ExitFatal
	case errors.Is(err, scheduler.ErrPrecondition),
		errors.Is(err, freeze.ErrIntegrityViolation):
		return ExitPrecondition
	case errors.Is(err, scheduler.ErrEngineFailure):
		return ExitEngineFailure
	default:
		return ExitFatal
	}
}

// reportError prints err for the operator. Integrity failures and a
// missing manifest get the hint the operator needs to act on them.
func reportError(w io.Writer, err error) {
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(w, warnStyle.Render("Interrupted."))
		return
	case errors.Is(err, scheduler.ErrWorkflowChanged):
		writeViolation(w, err)
		fmt.Fprintln(w, failStyle.Render("Something has changed while running the workflow!"))
		return
	case errors.Is(err, scheduler.ErrPrecondition):
		writeViolation(w, err)
		fmt.Fprintln(w, failStyle.Render(hintFor(err)))
		return
	}

	fmt.Fprintf(w, "%s %v\n", failStyle.Render("Error:"), err)
	if errors.Is(err, freeze.ErrManifestNotFound) {
		fmt.Fprintln(w, failStyle.Render(hintFor(err)))
	}
}

func writeViolation(w io.Writer, err error) {
	var iv *freeze.IntegrityViolation
	if errors.As(err, &iv) && iv.Report != nil {
		_ = iv.Report.Write(w)
	}
}
