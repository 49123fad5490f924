package freeze

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern indicates a malformed glob rule.
var ErrInvalidPattern = errors.New("freeze: invalid glob pattern")

// Rules selects the files that define a workflow. Include patterns are
// slash-separated doublestar globs relative to the workflow root; files whose
// extension is listed in ExcludeExt are skipped.
type Rules struct {
	Include    []string `yaml:"include"`
	ExcludeExt []string `yaml:"exclude_ext"`
}

// DefaultRules returns the rule set for a workflow whose helper package
// lives in packageDir.
func DefaultRules(packageDir string) Rules {
	include := []string{
		"environment.yml", // main conda environment file
		"setup.py",        // main setup file
		"flowseal.yaml",   // operator settings
	}
	if packageDir = strings.Trim(path.Clean(packageDir), "/"); packageDir != "" && packageDir != "." {
		include = append(include, packageDir+"/**/*") // scripts and utils for running the workflow
	}
	include = append(include, "workflow/**/*") // Snakefile, config, scripts, envs

	return Rules{
		Include:    include,
		ExcludeExt: []string{".pyc"}, // Python byte code from __pycache__
	}
}

// Validate checks every include pattern and extension.
func (r Rules) Validate() error {
	if len(r.Include) == 0 {
		return fmt.Errorf("%w: no include patterns", ErrInvalidPattern)
	}
	for _, p := range r.Include {
		if p == "" || strings.HasPrefix(p, "/") || !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}
	for _, ext := range r.ExcludeExt {
		if !strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, "/*?[") {
			return fmt.Errorf("%w: exclude extension %q must look like \".ext\"", ErrInvalidPattern, ext)
		}
	}
	return nil
}

// excluded reports whether name has one of the excluded extensions
func (r Rules) excluded(name string) bool {
	ext := path.Ext(name)
	for _, e := range r.ExcludeExt {
		if ext == e {
			return true
		}
	}
	return false
}
