package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/flowseal/pkg/audit"
	"github.com/forest6511/flowseal/pkg/credentials"
	"github.com/forest6511/flowseal/pkg/crypto"
	"github.com/forest6511/flowseal/pkg/engine"
	"github.com/forest6511/flowseal/pkg/freeze"
	"github.com/forest6511/flowseal/pkg/history"
	"github.com/forest6511/flowseal/pkg/prompt"
	"github.com/forest6511/flowseal/pkg/scheduler"
	"github.com/forest6511/flowseal/pkg/settings"
	"github.com/forest6511/flowseal/pkg/workflow"
)

// auditRecorder is the audit surface shared by the store and the snapshot.
type auditRecorder interface {
	LogSuccess(op, source, keyName string) error
	LogError(op, source, keyName string, errCode, errMsg string) error
}

// app holds what one invocation builds: settings, the cipher service, the
// credential store and the rest. Everything is created on first use so
// that commands which need no passphrase never ask for one.
type app struct {
	opts rootOptions

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	root     string
	settings settings.Settings
	logger   *slog.Logger
	source   string

	// rateNewPassphrase is set by commands that create the first encrypted
	// file, so that a weak passphrase is pointed out before it is used.
	rateNewPassphrase bool

	term     *prompt.Terminal
	cipher   *crypto.Service
	audit    *audit.Logger
	history  *history.Store
	snapshot *freeze.Snapshot
	store    *credentials.Store
}

func newApp() *app {
	return &app{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		logger: slog.New(slog.DiscardHandler),
		source: audit.SourceCLI,
	}
}

// init resolves the root, loads the settings and configures logging.
func (a *app) init(cmd *cobra.Command) error {
	a.in = cmd.InOrStdin()
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	root, err := filepath.Abs(a.opts.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve workflow root: %w", err)
	}
	a.root = root

	if a.settings, err = settings.Load(a.settingsPath()); err != nil {
		return err
	}

	a.logger, err = newLogger(a.errOut, a.settings.Logging, a.opts.Verbose)
	return err
}

// newLogger builds the process logger on w from the logging settings.
func newLogger(w io.Writer, cfg settings.LoggingConfig, verbose bool) (*slog.Logger, error) {
	level, err := settings.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (a *app) settingsPath() string {
	if a.opts.Settings != "" {
		return a.opts.Settings
	}
	return filepath.Join(a.root, settings.FileName)
}

func (a *app) path(p string) string {
	return settings.Resolve(a.root, p)
}

func (a *app) terminal() *prompt.Terminal {
	if a.term == nil {
		a.term = prompt.NewTerminal(a.in, a.errOut)
	}
	return a.term
}

// workflowConfig loads the engine configuration file.
func (a *app) workflowConfig() (*workflow.Config, error) {
	return workflow.Load(a.path(a.settings.Workflow.ConfigFile))
}

// cipherService asks for the passphrase once and derives the process key.
func (a *app) cipherService() (*crypto.Service, error) {
	if a.cipher != nil {
		return a.cipher, nil
	}

	suite, err := crypto.ParseSuite(a.settings.Crypto.Suite)
	if err != nil {
		return nil, err
	}
	kdf, err := crypto.ParseKDF(a.settings.Crypto.KDF)
	if err != nil {
		return nil, err
	}

	passphrase, err := prompt.Passphrase(prompt.PassphraseEnv, a.terminal(), a.logger)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(passphrase)

	if a.rateNewPassphrase {
		check := crypto.CheckPassphrase(string(passphrase))
		for _, w := range check.Warnings {
			fmt.Fprintf(a.errOut, "warning: %s (strength: %s)\n", w, check.Strength)
		}
	}

	key, err := crypto.DeriveKey(passphrase, kdf)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	if a.cipher, err = crypto.NewService(key, suite); err != nil {
		return nil, err
	}
	a.logger.Debug("cipher service ready", "suite", a.cipher.Suite(), "kdf", kdf)
	return a.cipher, nil
}

// auditLogger returns the audit trail, or nil when it is disabled.
func (a *app) auditLogger() (*audit.Logger, error) {
	if !a.settings.Audit.Enabled {
		return nil, nil
	}
	if a.audit != nil {
		return a.audit, nil
	}

	cipher, err := a.cipherService()
	if err != nil {
		return nil, err
	}
	key, err := cipher.DeriveSubkey(audit.HMACKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	defer crypto.SecureWipe(key)

	l := audit.NewLogger(a.path(a.settings.Audit.Dir))
	if err := l.SetHMACKey(key); err != nil {
		return nil, err
	}
	a.audit = l
	return l, nil
}

func (a *app) recorder() (auditRecorder, error) {
	l, err := a.auditLogger()
	if err != nil || l == nil {
		return nil, err
	}
	return l, nil
}

// logAudit writes a workflow event. Audit failures never fail a command.
func (a *app) logAudit(op, keyName string, err error) {
	l := a.audit
	if l == nil {
		return
	}
	var auditErr error
	if err != nil {
		auditErr = l.LogError(op, a.source, keyName, "failed", err.Error())
	} else {
		auditErr = l.LogSuccess(op, a.source, keyName)
	}
	if auditErr != nil {
		a.logger.Warn("failed to write audit event", "op", op, "error", auditErr)
	}
}

func (a *app) credentialsPath() string {
	return a.path(a.settings.State.CredentialsFile)
}

func (a *app) historyPath() string {
	return a.path(a.settings.History.Path)
}

// integritySnapshot builds the freeze snapshot for the workflow root.
func (a *app) integritySnapshot() (*freeze.Snapshot, error) {
	if a.snapshot != nil {
		return a.snapshot, nil
	}

	cipher, err := a.cipherService()
	if err != nil {
		return nil, err
	}
	rec, err := a.recorder()
	if err != nil {
		return nil, err
	}

	hist := a.historyPath()
	snap, err := freeze.New(a.root, freeze.Options{
		Rules:        a.settings.Rules(),
		ManifestPath: a.path(a.settings.State.ManifestFile),
		Ignore:       []string{a.credentialsPath(), hist, hist + "-wal", hist + "-shm"},
		Cipher:       cipher,
		Logger:       a.logger,
		Audit:        rec,
		Source:       a.source,
	})
	if err != nil {
		return nil, err
	}
	a.snapshot = snap
	return snap, nil
}

// credentialStore opens the credential cache once per process.
func (a *app) credentialStore(createNew bool) (*credentials.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	cipher, err := a.cipherService()
	if err != nil {
		return nil, err
	}
	rec, err := a.recorder()
	if err != nil {
		return nil, err
	}

	term := a.terminal()
	store, err := credentials.Open(credentials.Options{
		Path:    a.credentialsPath(),
		Cipher:  cipher,
		Secrets: term,
		Confirm: term,
		Out:     a.out,
		Logger:  a.logger,
		Audit:   rec,
		Source:  a.source,
	}, createNew)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// historyStore opens the run history, or returns nil when it is disabled.
func (a *app) historyStore() (*history.Store, error) {
	if !a.settings.History.Enabled {
		return nil, nil
	}
	if a.history != nil {
		return a.history, nil
	}
	h, err := history.Open(a.historyPath())
	if err != nil {
		return nil, err
	}
	a.history = h
	return h, nil
}

func (a *app) engine() *engine.Snakemake {
	return engine.NewSnakemake(engine.SnakemakeOptions{
		Binary:    a.settings.Engine.Binary,
		Snakefile: a.settings.Workflow.Snakefile,
		ExtraArgs: a.settings.Engine.ExtraArgs,
		EnvPrefix: a.settings.Engine.EnvPrefix,
		Stdout:    a.out,
		Stderr:    a.errOut,
		Logger:    a.logger,
	})
}

// runFlags are shared by runonce and loop.
type runFlags struct {
	forceAll bool
	dryRun   bool
	noFreeze bool
	noCache  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.forceAll, "forceall", "f", false, "force the execution of all workflow steps")
	cmd.Flags().BoolVarP(&f.dryRun, "dryrun", "d", false, "only show what would be done")
	cmd.Flags().BoolVar(&f.noFreeze, "no-freeze", false, "skip the integrity check of the workflow files")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "do not pass cached credentials to the workflow")
}

// scheduler builds a scheduler for the given flags. The integrity check
// is left out entirely with --no-freeze.
func (a *app) scheduler(f runFlags) (*scheduler.Scheduler, error) {
	opts := scheduler.Options{
		Engine: a.engine(),
		Logger: a.logger,
		Out:    a.out,
	}
	if !f.noFreeze {
		snap, err := a.integritySnapshot()
		if err != nil {
			return nil, err
		}
		opts.Integrity = snap
	}
	h, err := a.historyStore()
	if err != nil {
		return nil, err
	}
	if h != nil {
		opts.History = h
	}
	return scheduler.New(opts), nil
}

// job builds the engine job for cfg. The cached credentials of every
// configured site are read only after the run has passed its integrity
// check, and not at all with --no-cache.
func (a *app) job(cfg *workflow.Config, f runFlags) scheduler.Job {
	job := scheduler.Job{
		Config:   cfg,
		RootDir:  a.root,
		ForceAll: f.forceAll,
		DryRun:   f.dryRun,
	}
	if f.noCache || len(cfg.Credentials) == 0 {
		return job
	}
	job.LoadCredentials = func() ([]engine.Credential, error) {
		return a.cachedCredentials(cfg.Credentials)
	}
	return job
}

func (a *app) cachedCredentials(sites []string) ([]engine.Credential, error) {
	store, err := a.credentialStore(false)
	if err != nil {
		return nil, err
	}
	creds := make([]engine.Credential, 0, len(sites))
	for _, site := range sites {
		user, pwd, err := store.Retrieve(site)
		if err != nil {
			if errors.Is(err, credentials.ErrUnknownSite) {
				return nil, fmt.Errorf("%w (run 'flowseal pwd' first)", err)
			}
			return nil, err
		}
		creds = append(creds, engine.Credential{Site: site, User: user, Password: pwd})
	}
	return creds, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// close releases the history database and wipes key material.
func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close run history", "error", err)
		}
	}
	if a.cipher != nil {
		a.cipher.Wipe()
	}
}
