package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/naming"
	"github.com/jbweber/grove/internal/output"
	"github.com/jbweber/grove/internal/vm"
)

var (
	listHost    string
	listPattern string
	createImage string
	createCPU   int
	createMem   int
	createDisk  int
	stopForce   bool
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage individual VMs",
	Long: `Manage individual VMs.

A VM is addressed as HOST/NAME, where HOST is a registered host name.`,
}

var vmListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List VMs on all hosts or one host",
	Args:    cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		f, err := a.openFleet()
		if err != nil {
			return err
		}
		sel, err := f.ListVMs(ctx, listHost, listPattern)
		if err != nil {
			return err
		}
		if err := a.print(a.out.FormatVMs(sel.VMs)); err != nil {
			return err
		}
		return reportFailures(a, sel.Failures)
	}),
}

var vmCreateCmd = &cobra.Command{
	Use:   "create HOST/NAME",
	Short: "Create a VM from an image",
	Example: `  # Create a VM with default sizing
  grovectl vm create mac-1/web --image ghcr.io/cirruslabs/macos-sonoma-base:latest

  # Create a larger VM
  grovectl vm create mac-1/build --image sonoma-base --cpu 8 --memory 16384 --disk 100`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		t, err := naming.ParseTarget(args[0])
		if err != nil {
			return err
		}
		f, err := a.openFleet()
		if err != nil {
			return err
		}
		created, err := f.Create(ctx, t.Host, vm.CreateRequest{
			Name:      t.VM,
			Image:     createImage,
			Resources: vm.Resources{CPU: createCPU, MemoryMB: createMem, DiskGB: createDisk},
		})
		if err != nil {
			return err
		}
		return a.print(a.out.FormatVM(created))
	}),
}

var vmStartCmd = &cobra.Command{
	Use:   "start HOST/NAME",
	Short: "Start a VM",
	Args:  cobra.ExactArgs(1),
	RunE:  run(verbRunner(v1alpha1.VerbStart)),
}

var vmStopCmd = &cobra.Command{
	Use:   "stop HOST/NAME",
	Short: "Stop a VM",
	Args:  cobra.ExactArgs(1),
	RunE:  run(verbRunner(v1alpha1.VerbStop)),
}

var vmStatusCmd = &cobra.Command{
	Use:   "status HOST/NAME",
	Short: "Show a VM's state and address",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		t, err := naming.ParseTarget(args[0])
		if err != nil {
			return err
		}
		f, err := a.openFleet()
		if err != nil {
			return err
		}
		got, err := f.Status(ctx, t.Host, t.VM)
		if err != nil {
			return err
		}
		return a.print(a.out.FormatVM(got))
	}),
}

var vmIPCmd = &cobra.Command{
	Use:   "ip HOST/NAME",
	Short: "Print a running VM's IP address",
	Args:  cobra.ExactArgs(1),
	RunE:  run(verbRunner(v1alpha1.VerbIP)),
}

var vmCloneCmd = &cobra.Command{
	Use:   "clone HOST/SOURCE DEST",
	Short: "Clone a VM on the same host",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		return runVerb(ctx, a, v1alpha1.VerbClone, args[0], vm.Args{Clone: args[1]})
	}),
}

var vmDeleteCmd = &cobra.Command{
	Use:     "delete HOST/NAME",
	Aliases: []string{"rm"},
	Short:   "Delete a VM",
	Args:    cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		if !a.confirm(fmt.Sprintf("Delete VM %s?", args[0])) {
			return errAborted
		}
		return runVerb(ctx, a, v1alpha1.VerbDelete, args[0], vm.Args{})
	}),
}

func verbRunner(verb v1alpha1.Verb) func(context.Context, *app, []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		return runVerb(ctx, a, verb, args[0], vm.Args{Force: stopForce})
	}
}

// runVerb runs one verb on one VM. Results other than failures print as a
// single line; a failure is returned as the command's error.
func runVerb(ctx context.Context, a *app, verb v1alpha1.Verb, target string, args vm.Args) error {
	t, err := naming.ParseTarget(target)
	if err != nil {
		return err
	}
	f, err := a.openFleet()
	if err != nil {
		return err
	}
	res := f.VMOperation(ctx, verb, t.Host, t.VM, args)
	if res.Outcome == v1alpha1.OutcomeFailure {
		return res.Err
	}
	if a.format != output.FormatTable {
		return a.print(a.out.FormatResults([]v1alpha1.OperationResult{res}))
	}
	if res.Outcome == v1alpha1.OutcomeSkipped {
		_, _ = fmt.Fprintf(a.stdout, "%s: skipped (%s)\n", t, res.Message)
		return nil
	}
	_, _ = fmt.Fprintf(a.stdout, "%s: %s\n", t, res.Message)
	return nil
}

// reportFailures prints hosts that could not be listed and turns them into a
// non-zero exit.
func reportFailures(a *app, failures []v1alpha1.OperationResult) error {
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		_, _ = fmt.Fprintf(a.stderr, "could not list %s: %s\n", f.Target, f.Error)
	}
	return &exitError{code: 1, msg: fmt.Sprintf("%d host(s) could not be listed", len(failures))}
}

func init() {
	vmListCmd.Flags().StringVar(&listHost, "host", "", "only list VMs on this host")
	vmListCmd.Flags().StringVar(&listPattern, "pattern", "", "only list VMs whose names match this glob")

	vmCreateCmd.Flags().StringVar(&createImage, "image", "", "source image to clone (required)")
	vmCreateCmd.Flags().IntVar(&createCPU, "cpu", 0, "CPU count (default from config)")
	vmCreateCmd.Flags().IntVar(&createMem, "memory", 0, "memory in MB (default from config)")
	vmCreateCmd.Flags().IntVar(&createDisk, "disk", 0, "disk size in GB (default from config)")
	_ = vmCreateCmd.MarkFlagRequired("image")

	vmStopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "stop immediately without a graceful shutdown")

	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmStopCmd)
	vmCmd.AddCommand(vmStatusCmd)
	vmCmd.AddCommand(vmIPCmd)
	vmCmd.AddCommand(vmCloneCmd)
	vmCmd.AddCommand(vmDeleteCmd)
}
