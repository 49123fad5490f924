// Package credentials implements flowseal's encrypted credential cache.
//
// The cache is one encrypted JSON document:
//
//	{"sitenames": ["a", ...], "a_user": "<blob>", "a_pwd": "<blob>", ...}
//
// Usernames and passwords are encrypted individually and the whole document
// is encrypted again on every write. Writes replace the file atomically and
// leave it readable by the owner only.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/forest6511/flowseal/pkg/crypto"
	"github.com/forest6511/flowseal/pkg/fsutil"
	"github.com/forest6511/flowseal/pkg/prompt"
)

// Document keys
const (
	sitesKey   = "sitenames"
	userSuffix = "_user"
	pwdSuffix  = "_pwd"
)

// Audit operations
const (
	OpCredentialStore    = "credential.store"
	OpCredentialRetrieve = "credential.retrieve"
)

// Errors
var (
	ErrUnknownSite  = errors.New("credentials: unknown site")
	ErrInvalidSite  = errors.New("credentials: site name must not be empty")
	ErrCorruptStore = errors.New("credentials: cache document is corrupted")
	ErrNoPrompt     = errors.New("credentials: no interactive input available")
)

// UnknownSiteError reports a lookup for a site that was never stored.
type UnknownSiteError struct {
	Site string
}

func (e *UnknownSiteError) Error() string {
	return fmt.Sprintf("credentials: unknown site %q", e.Site)
}

func (e *UnknownSiteError) Unwrap() error {
	return ErrUnknownSite
}

// Recorder receives audit events. *audit.Logger satisfies it.
type Recorder interface {
	LogSuccess(op, source, keyName string) error
	LogError(op, source, keyName string, errCode, errMsg string) error
}

// Options configures a Store.
type Options struct {
	Path    string
	Cipher  *crypto.Service
	Secrets prompt.SecretReader
	Confirm prompt.Confirmer
	Out     io.Writer // Informational messages (default: discard)
	Logger  *slog.Logger
	Audit   Recorder
	Source  string // Audit source (default: "cli")
}

// Store is the credential cache. One Store is created per process and
// passed to whatever needs credentials.
type Store struct {
	path    string
	cipher  *crypto.Service
	secrets prompt.SecretReader
	confirm prompt.Confirmer
	out     io.Writer
	logger  *slog.Logger
	audit   Recorder
	source  string

	sites []string
	doc   map[string]json.RawMessage
}

// Open loads the cache at opts.Path, or starts an empty one if the file
// does not exist. With createNew, an existing cache is deleted after the
// operator confirms; declining keeps and loads it.
func Open(opts Options, createNew bool) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("credentials: path is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("credentials: cipher is required")
	}

	s := &Store{
		path:    opts.Path,
		cipher:  opts.Cipher,
		secrets: opts.Secrets,
		confirm: opts.Confirm,
		out:     opts.Out,
		logger:  opts.Logger,
		audit:   opts.Audit,
		source:  opts.Source,
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.source == "" {
		s.source = "cli"
	}

	exists, err := fileExists(s.path)
	if err != nil {
		return nil, err
	}

	if exists && createNew {
		if s.confirm == nil {
			return nil, ErrNoPrompt
		}
		remove, err := s.confirm.Confirm("Delete old password cache? [Y/n] ")
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		if remove {
			if err := os.Remove(s.path); err != nil {
				return nil, fmt.Errorf("credentials: failed to delete old cache: %w", err)
			}
			s.logger.Info("deleted old credential cache", "path", s.path)
			exists = false
		}
	}

	if !exists {
		s.doc = map[string]json.RawMessage{}
		s.sites = []string{}
		return s, nil
	}

	fsutil.WarnInsecure(s.path)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads and decrypts the cache file
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("credentials: failed to read cache: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(string(data))
	if err != nil {
		return crypto.WithPath(err, s.path)
	}
	defer crypto.SecureWipe(plaintext)

	// Garbage that survived an unauthenticated decrypt looks the same as a
	// wrong passphrase to the operator.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &doc); err != nil || doc == nil {
		return &crypto.DecryptionError{Path: s.path}
	}

	sites := []string{}
	if raw, ok := doc[sitesKey]; ok {
		if err := json.Unmarshal(raw, &sites); err != nil {
			return fmt.Errorf("%w: %s: invalid %q: %v", ErrCorruptStore, s.path, sitesKey, err)
		}
	}

	s.doc = doc
	s.sites = sites
	return nil
}

// Path returns the cache file path
func (s *Store) Path() string {
	return s.path
}

// Sites returns the known site identifiers in the order they were added.
func (s *Store) Sites() []string {
	return slices.Clone(s.sites)
}

// Has reports whether site has stored credentials.
func (s *Store) Has(site string) bool {
	return slices.Contains(s.sites, site)
}

// Retrieve decrypts the username and password stored for site.
func (s *Store) Retrieve(site string) (user, password string, err error) {
	if !s.Has(site) {
		return "", "", &UnknownSiteError{Site: site}
	}

	u, err := s.decryptField(site, site+userSuffix)
	if err != nil {
		s.record(OpCredentialRetrieve, site, "read_failed", err)
		return "", "", err
	}
	p, err := s.decryptField(site, site+pwdSuffix)
	if err != nil {
		s.record(OpCredentialRetrieve, site, "read_failed", err)
		return "", "", err
	}
	s.record(OpCredentialRetrieve, site, "", nil)
	return u, p, nil
}

func (s *Store) decryptField(site, key string) (string, error) {
	raw, ok := s.doc[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q for site %q", ErrCorruptStore, key, site)
	}
	var blob string
	if err := json.Unmarshal(raw, &blob); err != nil {
		return "", fmt.Errorf("%w: %q for site %q is not a string", ErrCorruptStore, key, site)
	}
	b, err := s.cipher.Decrypt(blob)
	if err != nil {
		return "", crypto.WithPath(err, s.path)
	}
	return string(b), nil
}

// Store prompts for the username and password of site and persists them.
// If site already has credentials the operator is asked first; declining
// leaves the cache untouched and returns nil.
func (s *Store) Store(site string) error {
	if site == "" {
		return ErrInvalidSite
	}
	if s.secrets == nil {
		return ErrNoPrompt
	}

	known := s.Has(site)
	if known {
		if s.confirm == nil {
			return ErrNoPrompt
		}
		overwrite, err := s.confirm.Confirm(fmt.Sprintf("Overwrite existing credentials for %q? [Y/n] ", site))
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		if !overwrite {
			s.logger.Info("kept existing credentials", "site", site)
			return nil
		}
	} else {
		fmt.Fprintf(s.out, "Please enter credentials for %q:\n", site)
	}

	user, err := s.secrets.ReadSecret("User name: ")
	if err != nil {
		return fmt.Errorf("credentials: failed to read user name: %w", err)
	}
	password, err := s.secrets.ReadSecret("Password: ")
	if err != nil {
		return fmt.Errorf("credentials: failed to read password: %w", err)
	}

	if err := s.put(site, user, password, known); err != nil {
		s.record(OpCredentialStore, site, "write_failed", err)
		return err
	}

	s.record(OpCredentialStore, site, "", nil)
	s.logger.Info("stored credentials", "site", site)
	return nil
}

// put encrypts the pair into a copy of the document and commits it only
// after the file has been written.
func (s *Store) put(site, user, password string, known bool) error {
	encUser, err := s.cipher.Encrypt([]byte(user))
	if err != nil {
		return fmt.Errorf("credentials: failed to encrypt user name: %w", err)
	}
	encPwd, err := s.cipher.Encrypt([]byte(password))
	if err != nil {
		return fmt.Errorf("credentials: failed to encrypt password: %w", err)
	}

	sites := slices.Clone(s.sites)
	if !known {
		sites = append(sites, site)
	}

	next := make(map[string]json.RawMessage, len(s.doc)+3)
	for k, v := range s.doc {
		next[k] = v
	}
	if next[sitesKey], err = json.Marshal(sites); err != nil {
		return fmt.Errorf("credentials: failed to marshal site list: %w", err)
	}
	next[site+userSuffix], _ = json.Marshal(encUser)
	next[site+pwdSuffix], _ = json.Marshal(encPwd)

	if err := s.save(next); err != nil {
		return err
	}

	s.doc = next
	s.sites = sites
	return nil
}

// save encrypts the whole document and atomically replaces the cache file
func (s *Store) save(doc map[string]json.RawMessage) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("credentials: failed to marshal cache: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	blob, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("credentials: failed to encrypt cache: %w", err)
	}

	if err := fsutil.CheckSpaceForWrite(filepath.Dir(s.path), len(blob)); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	if err := fsutil.AtomicWriteFile(s.path, []byte(blob), fsutil.FileMode, s.logger); err != nil {
		return fmt.Errorf("credentials: failed to write cache: %w", err)
	}
	return nil
}

func (s *Store) record(op, site, code string, err error) {
	if s.audit == nil {
		return
	}
	var auditErr error
	if err != nil {
		auditErr = s.audit.LogError(op, s.source, site, code, err.Error())
	} else {
		auditErr = s.audit.LogSuccess(op, s.source, site)
	}
	if auditErr != nil {
		s.logger.Warn("failed to write audit event", "error", auditErr)
	}
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("credentials: %s is a directory", path)
		}
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("credentials: failed to stat cache: %w", err)
}
