package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds the global flags.
type rootOptions struct {
	Root     string
	Settings string // Default: <root>/flowseal.yaml
	Verbose  bool
}

// newRootCommand creates the flowseal command tree bound to a.
func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowseal",
		Short: "flowseal runs a frozen workflow with cached credentials",
		Long: `flowseal wraps a Snakemake workflow with an encrypted credential cache,
an integrity snapshot of the workflow files and a periodic scheduler.

Freeze the workflow once it is ready, store the credentials it needs, then
run it once or in a loop. Every run refuses to start when the workflow files
no longer match their frozen state.

Set FLOWSEAL_PWD_FILE to a file holding the passphrase for unattended runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.PersistentFlags().StringVar(&a.opts.Root, "root", ".", "workflow root directory")
	cmd.PersistentFlags().StringVar(&a.opts.Settings, "settings", "", "settings file (default <root>/flowseal.yaml)")
	cmd.PersistentFlags().BoolVarP(&a.opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(newFreezeCommand(a))
	cmd.AddCommand(newCheckCommand(a))
	cmd.AddCommand(newPwdCommand(a))
	cmd.AddCommand(newRunOnceCommand(a))
	cmd.AddCommand(newLoopCommand(a))
	cmd.AddCommand(newCreateEnvsCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newAuditCommand(a))
	cmd.AddCommand(newCompletionCommand())

	return cmd
}
