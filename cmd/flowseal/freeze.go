package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFreezeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "freeze",
		Short: "Record the digests of the workflow files",
		Long: `Record an encrypted snapshot of the files that define the workflow.

Runs refuse to start once any of these files is added, changed or removed,
until the workflow is frozen again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.rateNewPassphrase = !fileExists(a.path(a.settings.State.ManifestFile))
			snap, err := a.integritySnapshot()
			if err != nil {
				return err
			}

			manifest, err := snap.Freeze()
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s Froze %d files into %s\n", okStyle.Render(checkMark), len(manifest), snap.ManifestPath())
			return nil
		},
	}
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the workflow files with their frozen state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.integritySnapshot()
			if err != nil {
				return err
			}

			report, err := snap.Check()
			if err != nil {
				return err
			}

			if report.OK() {
				fmt.Fprintf(a.out, "%s Workflow matches its frozen state (%d files)\n", okStyle.Render(checkMark), len(report.Unchanged))
				return nil
			}

			if err := report.Write(a.out); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", failStyle.Render(crossMark), report.Summary())
			return &exitError{code: ExitPrecondition}
		},
	}
}
