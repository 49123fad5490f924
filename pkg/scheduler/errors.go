package scheduler

import (
	"errors"
	"fmt"

	"github.com/forest6511/flowseal/pkg/freeze"
)

// Sentinel errors
var (
	ErrPrecondition    = errors.New("scheduler: freeze the workflow before executing it")
	ErrWorkflowChanged = errors.New("scheduler: something has changed while running the workflow")
	ErrEngineFailure   = errors.New("scheduler: workflow execution failed")
	ErrInvalidPeriod   = errors.New("scheduler: invalid loop period")
)

// PreconditionError reports that the integrity check failed before the
// engine was started.
type PreconditionError struct {
	Report *freeze.Report
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Report != nil {
		return fmt.Sprintf("%s (%s)", ErrPrecondition, e.Report.Summary())
	}
	return fmt.Sprintf("%s: %v", ErrPrecondition, e.Err)
}

func (e *PreconditionError) Unwrap() []error {
	return []error{ErrPrecondition, e.Err}
}

// EngineError reports that the engine ran but did not succeed.
type EngineError struct {
	RunID string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s (run %s)", ErrEngineFailure, e.RunID)
}

func (e *EngineError) Unwrap() error {
	return ErrEngineFailure
}

// isIntegrityFailure reports whether err means the workflow is not in its
// frozen state, as opposed to the check itself failing. A missing manifest
// is a check failure: there is nothing to verify against.
func isIntegrityFailure(err error) bool {
	return errors.Is(err, freeze.ErrIntegrityViolation)
}

func preconditionError(err error) error {
	if !isIntegrityFailure(err) {
		return err
	}
	pe := &PreconditionError{Err: err}
	var iv *freeze.IntegrityViolation
	if errors.As(err, &iv) {
		pe.Report = iv.Report
	}
	return pe
}

// CheckPrecondition verifies c the way a run does, for commands that
// must refuse to act on a workflow that is not frozen.
func CheckPrecondition(c Checker) error {
	if err := c.Verify(); err != nil {
		return preconditionError(err)
	}
	return nil
}
