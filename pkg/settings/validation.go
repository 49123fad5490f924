package settings

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/forest6511/flowseal/pkg/crypto"
)

// ValidationError names the offending key.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks if the settings are valid
func (s *Settings) Validate() []ValidationError {
	var errs []ValidationError

	required := []struct {
		path, value string
	}{
		{"workflow.config_file", s.Workflow.ConfigFile},
		{"workflow.snakefile", s.Workflow.Snakefile},
		{"state.credentials_file", s.State.CredentialsFile},
		{"state.manifest_file", s.State.ManifestFile},
		{"engine.binary", s.Engine.Binary},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, ValidationError{Path: r.path, Message: "must not be empty"})
		}
	}

	if s.State.CredentialsFile != "" && s.State.CredentialsFile == s.State.ManifestFile {
		errs = append(errs, ValidationError{Path: "state.manifest_file", Message: "must differ from state.credentials_file"})
	}

	if _, err := crypto.ParseSuite(s.Crypto.Suite); err != nil {
		errs = append(errs, ValidationError{Path: "crypto.suite", Message: fmt.Sprintf("must be %q or %q, got %q", crypto.SuiteCBCHMAC, crypto.SuiteCBC, s.Crypto.Suite)})
	}
	if _, err := crypto.ParseKDF(s.Crypto.KDF); err != nil {
		errs = append(errs, ValidationError{Path: "crypto.kdf", Message: fmt.Sprintf("must be %q or %q, got %q", crypto.KDFSHA256, crypto.KDFArgon2id, s.Crypto.KDF)})
	}

	if len(s.Freeze.Include) > 0 || len(s.Freeze.ExcludeExt) > 0 {
		if err := s.Rules().Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "freeze", Message: err.Error()})
		}
	}

	if s.Engine.EnvPrefix != "" && !validEnvPrefix(s.Engine.EnvPrefix) {
		errs = append(errs, ValidationError{Path: "engine.env_prefix", Message: fmt.Sprintf("must match [A-Za-z_][A-Za-z0-9_]*, got %q", s.Engine.EnvPrefix)})
	}

	if s.Audit.Enabled && strings.TrimSpace(s.Audit.Dir) == "" {
		errs = append(errs, ValidationError{Path: "audit.dir", Message: "must not be empty when audit is enabled"})
	}
	if s.History.Enabled && strings.TrimSpace(s.History.Path) == "" {
		errs = append(errs, ValidationError{Path: "history.path", Message: "must not be empty when history is enabled"})
	}

	if _, err := ParseLevel(s.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Path: "logging.level", Message: err.Error()})
	}
	if s.Logging.Format != "text" && s.Logging.Format != "json" {
		errs = append(errs, ValidationError{Path: "logging.format", Message: fmt.Sprintf("must be 'text' or 'json', got '%s'", s.Logging.Format)})
	}

	return errs
}

// ParseLevel converts a logging.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("must be debug, info, warn or error, got '%s'", s)
	}
	return level, nil
}

func validEnvPrefix(p string) bool {
	for i, c := range p {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
