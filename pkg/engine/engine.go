// Package engine runs the external workflow engine on behalf of the
// scheduler.
//
// The engine is treated as an opaque collaborator: flowseal hands it a
// config file, a target and a set of flags and only interprets the
// outcome. A false result means the engine ran and reported failure; a
// non-nil error means it could not be run at all.
package engine

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the engine binary cannot be located.
var ErrNotFound = errors.New("engine: executable not found")

// Engine executes one workflow invocation.
type Engine interface {
	Invoke(ctx context.Context, inv Invocation) (bool, error)
}

// Invocation describes a single engine run.
type Invocation struct {
	ConfigFile string
	Target     string
	RootDir    string
	Cores      int

	ForceAll bool
	DryRun   bool
	EnvsOnly bool

	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string

	// Credentials are exported as environment variables and redacted
	// from the engine output.
	Credentials []Credential
}

// Func adapts an ordinary function to the Engine interface.
type Func func(ctx context.Context, inv Invocation) (bool, error)

// Invoke calls f(ctx, inv).
func (f Func) Invoke(ctx context.Context, inv Invocation) (bool, error) {
	return f(ctx, inv)
}
