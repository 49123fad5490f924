package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/flowseal/pkg/audit"
	"github.com/forest6511/flowseal/pkg/scheduler"
)

func newRunOnceCommand(a *app) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "runonce",
		Short: "Run the workflow once",
		Long: `Check that the workflow is unchanged since it was frozen, then run it once.
The cached credentials of every configured site are passed to the engine as
environment variables and masked in its output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.workflowConfig()
			if err != nil {
				return err
			}
			sched, err := a.scheduler(*flags)
			if err != nil {
				return err
			}
			err = sched.RunOnce(cmd.Context(), a.job(cfg, *flags))
			a.logAudit(audit.OpWorkflowRun, cfg.Target, err)
			return err
		},
	}
	flags.register(cmd)

	return cmd
}

// loopOptions are the loop period flags.
type loopOptions struct {
	loops   int
	days    int
	hours   int
	minutes int
	seconds int
	retry   int
}

// period converts the flags into a scheduler period. All-zero durations
// mean one day.
func (o loopOptions) period() (scheduler.Period, error) {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"days", o.days}, {"hours", o.hours}, {"minutes", o.minutes}, {"seconds", o.seconds}, {"retry", o.retry},
	} {
		if v.value < 0 {
			return scheduler.Period{}, fmt.Errorf("%w: --%s must not be negative", scheduler.ErrInvalidPeriod, v.name)
		}
	}

	every := time.Duration(o.days)*24*time.Hour +
		time.Duration(o.hours)*time.Hour +
		time.Duration(o.minutes)*time.Minute +
		time.Duration(o.seconds)*time.Second
	if every == 0 {
		every = scheduler.DefaultPeriod
	}

	p := scheduler.Period{
		Every:      every,
		MaxLoops:   o.loops,
		RetryDelay: time.Duration(o.retry) * time.Second,
	}
	return p, p.Validate()
}

func newLoopCommand(a *app) *cobra.Command {
	flags := &runFlags{}
	opts := &loopOptions{}

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the workflow periodically",
		Long: `Run the workflow every period, as given by the sum of --days, --hours,
--minutes and --seconds (one day when none is given). A failed run is retried
after --retry seconds until it succeeds. A change to the workflow files while
looping stops the loop.`,
		Example: `  flowseal loop -H 6
  flowseal loop -N 3 -M 30 -r 120`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.period()
			if err != nil {
				return err
			}

			a.source = audit.SourceLoop
			cfg, err := a.workflowConfig()
			if err != nil {
				return err
			}
			sched, err := a.scheduler(*flags)
			if err != nil {
				return err
			}
			stats, err := sched.RunPeriodic(cmd.Context(), a.job(cfg, *flags), p)
			if stats != nil {
				a.logger.Info("loop finished", "iterations", stats.Iterations, "invocations", stats.Invocations, "retries", stats.Retries)
			}
			a.logAudit(audit.OpWorkflowRun, cfg.Target, err)
			return err
		},
	}
	flags.register(cmd)

	cmd.Flags().IntVarP(&opts.loops, "loops", "N", -1, "number of iterations (-1 loops until interrupted)")
	cmd.Flags().IntVarP(&opts.days, "days", "D", 0, "period days")
	cmd.Flags().IntVarP(&opts.hours, "hours", "H", 0, "period hours")
	cmd.Flags().IntVarP(&opts.minutes, "minutes", "M", 0, "period minutes")
	cmd.Flags().IntVarP(&opts.seconds, "seconds", "S", 0, "period seconds")
	cmd.Flags().IntVarP(&opts.retry, "retry", "r", int(scheduler.DefaultRetryDelay/time.Second), "seconds to wait before retrying a failed run")

	return cmd
}

func newCreateEnvsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-envs",
		Short: "Create the workflow's software environments without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.workflowConfig()
			if err != nil {
				return err
			}
			sched, err := a.scheduler(runFlags{noFreeze: true, noCache: true})
			if err != nil {
				return err
			}
			if err := sched.CreateEnvs(cmd.Context(), a.job(cfg, runFlags{noCache: true})); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s Workflow environments are ready\n", okStyle.Render(checkMark))
			return nil
		},
	}
}
