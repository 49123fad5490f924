package freeze

import (
	"errors"
	"fmt"
	"io"
)

// ErrIntegrityViolation indicates the workflow files differ from the frozen manifest.
var ErrIntegrityViolation = errors.New("freeze: workflow files changed since freeze")

// Report is the outcome of a check. Each list holds sorted absolute paths.
type Report struct {
	Added     []string `json:"added,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// OK reports whether nothing was added, changed or removed.
func (r *Report) OK() bool {
	return len(r.Added) == 0 && len(r.Changed) == 0 && len(r.Missing) == 0
}

// Write renders the non-empty difference sections.
func (r *Report) Write(w io.Writer) error {
	sections := []struct {
		title string
		paths []string
	}{
		{"The following files have been changed:", r.Changed},
		{"The following files are missing:", r.Missing},
		{"The following files have been added:", r.Added},
	}

	for _, s := range sections {
		if len(s.paths) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n%s\n", s.title); err != nil {
			return err
		}
		for _, p := range s.paths {
			if _, err := fmt.Fprintf(w, "\t%s\n", p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Summary returns a one-line description such as "1 changed, 2 added".
func (r *Report) Summary() string {
	if r.OK() {
		return fmt.Sprintf("%d files unchanged", len(r.Unchanged))
	}
	return fmt.Sprintf("%d changed, %d missing, %d added", len(r.Changed), len(r.Missing), len(r.Added))
}

// IntegrityViolation is returned by Verify when the check fails.
type IntegrityViolation struct {
	Report *Report
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("freeze: workflow files changed since freeze (%s)", e.Report.Summary())
}

func (e *IntegrityViolation) Unwrap() error {
	return ErrIntegrityViolation
}
