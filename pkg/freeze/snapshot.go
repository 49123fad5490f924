// Package freeze records and verifies a cryptographic snapshot of the files
// that define a workflow.
//
// Freeze hashes every file selected by the rule set and stores the result as
// an encrypted manifest mapping absolute path to SHA-256. Check re-evaluates
// the same rules and reports files that were added, changed or removed since.
package freeze

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forest6511/flowseal/pkg/crypto"
	"github.com/forest6511/flowseal/pkg/fsutil"
	"github.com/forest6511/flowseal/pkg/workflow"
)

// DefaultManifestName is the manifest file created in the workflow root.
const DefaultManifestName = ".flowseal_freeze"

// Audit operations
const (
	OpWorkflowFreeze = "workflow.freeze"
	OpWorkflowCheck  = "workflow.check"
)

// ErrManifestNotFound is returned by Check when no freeze has been recorded.
// It always arrives wrapped in a *workflow.ConfigError naming the manifest.
var ErrManifestNotFound = errors.New("freeze: manifest not found")

// Manifest maps absolute file paths to hex SHA-256 digests.
type Manifest map[string]string

// Recorder receives audit events. *audit.Logger satisfies it.
type Recorder interface {
	LogSuccess(op, source, keyName string) error
	LogError(op, source, keyName string, errCode, errMsg string) error
}

// Options configures a Snapshot.
type Options struct {
	Rules        Rules
	ManifestPath string   // Default: <root>/.flowseal_freeze
	Ignore       []string // Files never tracked, e.g. the credential cache
	Cipher       *crypto.Service
	Logger       *slog.Logger
	Audit        Recorder
	Source       string
}

// Snapshot freezes and checks one workflow root.
type Snapshot struct {
	root     string
	manifest string
	rules    Rules
	ignore   map[string]bool
	cipher   *crypto.Service
	logger   *slog.Logger
	audit    Recorder
	source   string

	digest func(path string) (string, error)
}

// New creates a Snapshot for root, which must be an existing directory.
func New(root string, opts Options) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("freeze: failed to resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("freeze: workflow root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("freeze: workflow root %s is not a directory", abs)
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	if opts.Cipher == nil {
		return nil, errors.New("freeze: cipher is required")
	}

	s := &Snapshot{
		root:     abs,
		manifest: opts.ManifestPath,
		rules:    opts.Rules,
		ignore:   make(map[string]bool),
		cipher:   opts.Cipher,
		logger:   opts.Logger,
		audit:    opts.Audit,
		source:   opts.Source,
		digest:   Digest,
	}
	if s.manifest == "" {
		s.manifest = filepath.Join(abs, DefaultManifestName)
	}
	if s.manifest, err = filepath.Abs(s.manifest); err != nil {
		return nil, fmt.Errorf("freeze: failed to resolve manifest path: %w", err)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.source == "" {
		s.source = "cli"
	}

	s.ignore[s.manifest] = true
	for _, p := range opts.Ignore {
		if a, err := filepath.Abs(p); err == nil {
			s.ignore[a] = true
		}
	}

	return s, nil
}

// Root returns the absolute workflow root
func (s *Snapshot) Root() string {
	return s.root
}

// ManifestPath returns the absolute manifest path
func (s *Snapshot) ManifestPath() string {
	return s.manifest
}

// Files returns the sorted absolute paths currently selected by the rules.
func (s *Snapshot) Files() ([]string, error) {
	fsys := os.DirFS(s.root)
	seen := make(map[string]bool)

	for _, pattern := range s.rules.Include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("freeze: failed to expand %q: %w", pattern, err)
		}
		for _, m := range matches {
			if s.rules.excluded(m) {
				continue
			}
			abs := filepath.Join(s.root, filepath.FromSlash(m))
			if s.ignore[abs] {
				continue
			}
			seen[abs] = true
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Freeze hashes the selected files and replaces the manifest.
func (s *Snapshot) Freeze() (Manifest, error) {
	m, err := s.freeze()
	if err != nil {
		s.record(OpWorkflowFreeze, "freeze_failed", err)
		return nil, err
	}
	s.record(OpWorkflowFreeze, "", nil)
	s.logger.Info("workflow frozen", "files", len(m), "manifest", s.manifest)
	return m, nil
}

func (s *Snapshot) freeze() (Manifest, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	m := make(Manifest, len(files))
	for _, f := range files {
		d, err := s.digest(f)
		if err != nil {
			return nil, err
		}
		m[f] = d
		s.logger.Debug("added file", "path", f)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("freeze: failed to marshal manifest: %w", err)
	}
	blob, err := s.cipher.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("freeze: failed to encrypt manifest: %w", err)
	}

	if err := fsutil.CheckSpaceForWrite(filepath.Dir(s.manifest), len(blob)); err != nil {
		return nil, fmt.Errorf("freeze: %w", err)
	}
	if err := fsutil.AtomicWriteFile(s.manifest, []byte(blob), fsutil.FileMode, s.logger); err != nil {
		return nil, fmt.Errorf("freeze: failed to write manifest: %w", err)
	}
	return m, nil
}

// Load reads and decrypts the stored manifest.
func (s *Snapshot) Load() (Manifest, error) {
	data, err := os.ReadFile(s.manifest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &workflow.ConfigError{
				Path:   s.manifest,
				Reason: "manifest not found, freeze the workflow first",
				Err:    ErrManifestNotFound,
			}
		}
		return nil, fmt.Errorf("freeze: failed to read manifest: %w", err)
	}
	fsutil.WarnInsecure(s.manifest)

	plaintext, err := s.cipher.Decrypt(string(data))
	if err != nil {
		return nil, crypto.WithPath(err, s.manifest)
	}

	var m Manifest
	if err := json.Unmarshal(plaintext, &m); err != nil || m == nil {
		return nil, &crypto.DecryptionError{Path: s.manifest}
	}
	return m, nil
}

// Check compares the current files with the stored manifest. Errors mean
// the check could not be performed; differences are reported in the Report.
func (s *Snapshot) Check() (*Report, error) {
	report, err := s.check()
	switch {
	case err != nil:
		s.record(OpWorkflowCheck, "check_failed", err)
		return nil, err
	case report.OK():
		s.record(OpWorkflowCheck, "", nil)
	default:
		s.record(OpWorkflowCheck, "integrity_violation", errors.New(report.Summary()))
	}
	return report, nil
}

func (s *Snapshot) check() (*Report, error) {
	frozen, err := s.Load()
	if err != nil {
		return nil, err
	}

	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	remaining := make(map[string]bool, len(frozen))
	for p := range frozen {
		remaining[p] = true
	}

	for _, f := range files {
		want, ok := frozen[f]
		if !ok {
			report.Added = append(report.Added, f)
			continue
		}

		got, err := s.digest(f)
		if errors.Is(err, os.ErrNotExist) {
			// removed after enumeration; left in remaining, so reported missing
			s.logger.Debug("file vanished during check", "path", f)
			continue
		}
		if err != nil {
			return nil, err
		}
		delete(remaining, f)

		if got != want {
			report.Changed = append(report.Changed, f)
		} else {
			report.Unchanged = append(report.Unchanged, f)
			s.logger.Debug("file unchanged", "path", f)
		}
	}

	for p := range remaining {
		report.Missing = append(report.Missing, p)
	}
	sort.Strings(report.Missing)
	return report, nil
}

// Verify runs Check and returns *IntegrityViolation when files differ.
func (s *Snapshot) Verify() error {
	report, err := s.Check()
	if err != nil {
		return err
	}
	if !report.OK() {
		return &IntegrityViolation{Report: report}
	}
	return nil
}

func (s *Snapshot) record(op, code string, err error) {
	if s.audit == nil {
		return
	}
	var auditErr error
	if err != nil {
		auditErr = s.audit.LogError(op, s.source, "", code, err.Error())
	} else {
		auditErr = s.audit.LogSuccess(op, s.source, "")
	}
	if auditErr != nil {
		s.logger.Warn("failed to write audit event", "error", auditErr)
	}
}
