package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/flowseal/internal/cli"
	"github.com/forest6511/flowseal/pkg/scheduler"
)

const pwdHint = "Freeze the workflow before storing new credentials!"

type pwdOptions struct {
	sites    []string
	newCache bool
	list     bool
	noFreeze bool
}

func newPwdCommand(a *app) *cobra.Command {
	opts := &pwdOptions{}

	cmd := &cobra.Command{
		Use:   "pwd",
		Short: "Store the credentials the workflow needs",
		Long: `Ask for the user name and password of every site listed under
"credentials" in the workflow configuration and store them in the encrypted
cache. --site limits the prompt to matching sites (glob patterns supported).`,
		Example: `  flowseal pwd
  flowseal pwd --site 'https://*.example.org'
  flowseal pwd --new-cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPwd(a, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.sites, "site", nil, "only store credentials for matching sites (glob pattern, can be repeated)")
	cmd.Flags().BoolVar(&opts.newCache, "new-cache", false, "delete the existing cache before storing")
	cmd.Flags().BoolVar(&opts.list, "list", false, "list the sites in the cache")
	cmd.Flags().BoolVar(&opts.noFreeze, "no-freeze", false, "skip the integrity check of the workflow files")
	cmd.MarkFlagsMutuallyExclusive("list", "new-cache")

	return cmd
}

func runPwd(a *app, opts *pwdOptions) error {
	if opts.list {
		store, err := a.credentialStore(false)
		if err != nil {
			return err
		}
		sites := store.Sites()
		if len(sites) == 0 {
			fmt.Fprintln(a.out, "No credentials stored")
			return nil
		}
		for _, site := range sites {
			fmt.Fprintln(a.out, site)
		}
		return nil
	}

	cfg, err := a.workflowConfig()
	if err != nil {
		return err
	}

	a.rateNewPassphrase = opts.newCache || !fileExists(a.credentialsPath())
	if !opts.noFreeze {
		snap, err := a.integritySnapshot()
		if err != nil {
			return err
		}
		if err := scheduler.CheckPrecondition(snap); err != nil {
			return withHint(err, pwdHint)
		}
	}

	if len(cfg.Credentials) == 0 {
		fmt.Fprintf(a.out, "No credentials are configured in %s\n", cfg.Path)
		return nil
	}

	sites, err := cli.ExpandPatterns(opts.sites, cfg.Credentials)
	if err != nil {
		return err
	}

	store, err := a.credentialStore(opts.newCache)
	if err != nil {
		return err
	}
	for _, site := range sites {
		if err := store.Store(site); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.out, "%s Credentials cached in %s\n", okStyle.Render(checkMark), store.Path())
	return nil
}
