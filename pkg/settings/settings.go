// Package settings loads flowseal.yaml, the operator settings kept next to
// the workflow. Every key is optional; absent keys keep their defaults.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/flowseal/pkg/audit"
	"github.com/forest6511/flowseal/pkg/crypto"
	"github.com/forest6511/flowseal/pkg/engine"
	"github.com/forest6511/flowseal/pkg/freeze"
	"github.com/forest6511/flowseal/pkg/history"
	"github.com/forest6511/flowseal/pkg/workflow"
)

// FileName is the settings file looked up in the workflow root.
const FileName = "flowseal.yaml"

// DefaultCredentialsFile is the credential cache created in the workflow root.
const DefaultCredentialsFile = ".flowseal_credentials"

// ErrInvalid is wrapped by Load when validation fails.
var ErrInvalid = errors.New("settings: invalid configuration")

// Settings is the parsed flowseal.yaml.
type Settings struct {
	PackageDir string         `yaml:"package_dir"`
	Workflow   WorkflowConfig `yaml:"workflow"`
	State      StateConfig    `yaml:"state"`
	Freeze     freeze.Rules   `yaml:"freeze"`
	Crypto     CryptoConfig   `yaml:"crypto"`
	Engine     EngineConfig   `yaml:"engine"`
	Audit      AuditConfig    `yaml:"audit"`
	History    HistoryConfig  `yaml:"history"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// WorkflowConfig locates the engine inputs.
type WorkflowConfig struct {
	ConfigFile string `yaml:"config_file"`
	Snakefile  string `yaml:"snakefile"`
}

// StateConfig locates flowseal's own encrypted files.
type StateConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	ManifestFile    string `yaml:"manifest_file"`
}

// CryptoConfig selects the cipher suite and key derivation.
type CryptoConfig struct {
	Suite string `yaml:"suite"`
	KDF   string `yaml:"kdf"`
}

// EngineConfig configures the snakemake subprocess.
type EngineConfig struct {
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extra_args"`
	EnvPrefix string   `yaml:"env_prefix"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when flowseal.yaml is absent.
func Default() Settings {
	return Settings{
		Workflow: WorkflowConfig{
			ConfigFile: workflow.DefaultConfigFile,
			Snakefile:  engine.DefaultSnakefile,
		},
		State: StateConfig{
			CredentialsFile: DefaultCredentialsFile,
			ManifestFile:    freeze.DefaultManifestName,
		},
		Crypto: CryptoConfig{
			Suite: string(crypto.SuiteCBC),
			KDF:   string(crypto.KDFSHA256),
		},
		Engine: EngineConfig{
			Binary:    engine.DefaultBinary,
			EnvPrefix: engine.DefaultEnvPrefix,
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     audit.DefaultDir,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    history.DefaultFileName,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default. A missing file is not an error. Unknown
// keys are rejected so that typos do not silently fall back to defaults.
func Load(path string) (Settings, error) {
	s := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("settings: failed to read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("settings: failed to parse %s: %w", path, err)
	}

	if errs := s.Validate(); len(errs) > 0 {
		return s, fmt.Errorf("%w: %s: %s", ErrInvalid, path, formatValidationErrors(errs))
	}
	return s, nil
}

// Rules returns the freeze rules, falling back to the defaults for the
// configured package directory.
func (s Settings) Rules() freeze.Rules {
	r := s.Freeze
	if len(r.Include) == 0 {
		def := freeze.DefaultRules(s.PackageDir)
		r.Include = def.Include
		if r.ExcludeExt == nil {
			r.ExcludeExt = def.ExcludeExt
		}
	}
	return r
}

// Resolve returns p relative to root unless it is already absolute.
func Resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

func formatValidationErrors(errs []ValidationError) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	result := fmt.Sprintf("%d validation errors:\n", len(errs))
	for _, err := range errs {
		result += "  - " + err.Error() + "\n"
	}
	return result
}
