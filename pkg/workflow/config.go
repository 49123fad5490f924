// Package workflow reads the workflow configuration shared with the
// external engine and derives run identities from it.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigFile is the config path relative to the workflow root.
const DefaultConfigFile = "workflow/config.json"

// RunIDPlaceholder is substituted with the run identity in Target.
const RunIDPlaceholder = "{run_id}"

// Required configuration keys
const (
	KeyNumCores    = "num_cores"
	KeyTarget      = "target"
	KeyRunIDFormat = "run_id_format"
	KeyCredentials = "credentials"
)

// ErrConfig is the sentinel for every configuration problem.
var ErrConfig = errors.New("workflow: invalid configuration")

// ConfigError describes a configuration problem. Key is empty when the
// problem concerns the whole file. Err is an optional underlying cause.
type ConfigError struct {
	Path   string
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("workflow: %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("workflow: %s: attribute %q %s", e.Path, e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

// Config is the subset of the engine configuration flowseal needs.
type Config struct {
	Path        string
	NumCores    int
	Target      string
	RunIDFormat string
	Credentials []string

	// Extra holds the keys flowseal does not interpret.
	Extra map[string]json.RawMessage
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Path: abs, Reason: "file not found"}
		}
		return nil, &ConfigError{Path: abs, Reason: err.Error()}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: abs, Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if raw == nil {
		return nil, &ConfigError{Path: abs, Reason: "must be a JSON object"}
	}

	cfg := &Config{Path: abs, Extra: make(map[string]json.RawMessage)}

	if err := decode(raw, abs, KeyNumCores, "must be an integer", &cfg.NumCores); err != nil {
		return nil, err
	}
	if err := decode(raw, abs, KeyTarget, "must be a string", &cfg.Target); err != nil {
		return nil, err
	}
	if err := decode(raw, abs, KeyRunIDFormat, "must be a string", &cfg.RunIDFormat); err != nil {
		return nil, err
	}
	if err := decode(raw, abs, KeyCredentials, "must be a list of strings", &cfg.Credentials); err != nil {
		return nil, err
	}

	for k, v := range raw {
		switch k {
		case KeyNumCores, KeyTarget, KeyRunIDFormat, KeyCredentials:
		default:
			cfg.Extra[k] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw map[string]json.RawMessage, path, key, reason string, dst any) error {
	v, ok := raw[key]
	if !ok {
		return &ConfigError{Path: path, Key: key, Reason: "missing in workflow configuration"}
	}
	if string(v) == "null" {
		return &ConfigError{Path: path, Key: key, Reason: reason}
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &ConfigError{Path: path, Key: key, Reason: reason}
	}
	return nil
}

// Validate checks value constraints that JSON typing cannot express.
func (c *Config) Validate() error {
	if c.NumCores < 1 {
		return &ConfigError{Path: c.Path, Key: KeyNumCores, Reason: "must be at least 1"}
	}
	if !strings.Contains(c.Target, RunIDPlaceholder) {
		return &ConfigError{Path: c.Path, Key: KeyTarget, Reason: "must contain " + RunIDPlaceholder}
	}
	if strings.TrimSpace(c.RunIDFormat) == "" {
		return &ConfigError{Path: c.Path, Key: KeyRunIDFormat, Reason: "must not be empty"}
	}
	return c.ValidateCredentials()
}

// ValidateCredentials checks every configured credential site.
func (c *Config) ValidateCredentials() error {
	seen := make(map[string]bool, len(c.Credentials))
	for _, site := range c.Credentials {
		if err := ValidateSite(site); err != nil {
			return &ConfigError{Path: c.Path, Key: KeyCredentials, Reason: err.Error()}
		}
		if seen[site] {
			return &ConfigError{Path: c.Path, Key: KeyCredentials, Reason: fmt.Sprintf("lists %q twice", site)}
		}
		seen[site] = true
	}
	return nil
}

// TargetFor returns the engine target for runID.
func (c *Config) TargetFor(runID string) string {
	return strings.ReplaceAll(c.Target, RunIDPlaceholder, runID)
}
