package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/batch"
	"github.com/jbweber/grove/internal/naming"
)

var (
	batchHost        string
	batchForce       bool
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run an operation on every VM matching a glob pattern",
	Long: `Run an operation on every VM whose name matches PATTERN.

PATTERN is a shell glob: '*' matches any run of characters, '?' one character
and '[...]' a character class. Quote it so the shell does not expand it.

Each VM is processed independently; one failure does not stop the others.
The command exits non-zero when any target failed.`,
	Example: `  # Stop every web VM on every host
  grovectl batch stop 'web-*'

  # Start the build VMs on one host, four at a time
  grovectl batch start 'build-?' --host mac-1 --concurrency 4`,
}

var batchListCmd = &cobra.Command{
	Use:   "list PATTERN",
	Short: "List the VMs a pattern selects",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		if err := naming.ValidatePattern(args[0]); err != nil {
			return err
		}
		f, err := a.openFleet()
		if err != nil {
			return err
		}
		sel, err := f.ListVMs(ctx, batchHost, args[0])
		if err != nil {
			return err
		}
		if err := a.print(a.out.FormatVMs(sel.VMs)); err != nil {
			return err
		}
		return reportFailures(a, sel.Failures)
	}),
}

// newBatchVerbCmd builds the subcommand that runs verb on a pattern.
func newBatchVerbCmd(verb v1alpha1.Verb, short string, destructive bool) *cobra.Command {
	return &cobra.Command{
		Use:   string(verb) + " PATTERN",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			pattern := args[0]
			if err := naming.ValidatePattern(pattern); err != nil {
				return err
			}
			f, err := a.openFleet()
			if err != nil {
				return err
			}
			if destructive {
				sel, err := f.ListVMs(ctx, batchHost, pattern)
				if err != nil {
					return err
				}
				if len(sel.VMs) == 0 {
					_, _ = fmt.Fprintln(a.stdout, "No matching VMs")
					return reportFailures(a, sel.Failures)
				}
				if !a.confirm(fmt.Sprintf("%s %d VM(s) matching %q?", verb, len(sel.VMs), pattern)) {
					return errAborted
				}
			}

			results, err := f.Dispatch(ctx, batch.Request{
				Verb:        verb,
				Pattern:     pattern,
				Host:        batchHost,
				Concurrency: batchConcurrency,
				Force:       batchForce,
			})
			if err != nil {
				return err
			}
			if err := a.print(a.out.FormatResults(results)); err != nil {
				return err
			}
			if v1alpha1.AnyFailed(results) {
				return &exitError{code: 1, msg: "one or more targets failed"}
			}
			return nil
		}),
	}
}

func init() {
	batchCmd.PersistentFlags().StringVar(&batchHost, "host", "", "only select VMs on this host")
	batchCmd.PersistentFlags().IntVar(&batchConcurrency, "concurrency", 0, "maximum operations in flight (default from config)")

	stop := newBatchVerbCmd(v1alpha1.VerbStop, "Stop matching VMs", false)
	stop.Flags().BoolVarP(&batchForce, "force", "f", false, "stop immediately, and also send stop to VMs listed as stopped")

	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(newBatchVerbCmd(v1alpha1.VerbStart, "Start matching VMs", false))
	batchCmd.AddCommand(stop)
	batchCmd.AddCommand(newBatchVerbCmd(v1alpha1.VerbStatus, "Show the state of matching VMs", false))
	batchCmd.AddCommand(newBatchVerbCmd(v1alpha1.VerbIP, "Show the addresses of matching VMs", false))
	batchCmd.AddCommand(newBatchVerbCmd(v1alpha1.VerbDelete, "Delete matching VMs", true))
}
