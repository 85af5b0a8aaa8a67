package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/loader"
	grovessh "github.com/jbweber/grove/internal/ssh"
)

var (
	hostUser string
	hostPort int
	hostKey  string
)

var hostsCmd = &cobra.Command{
	Use:     "hosts",
	Aliases: []string{"host"},
	Short:   "Manage the host registry",
}

var hostsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered hosts",
	Args:    cobra.NoArgs,
	RunE: run(func(_ context.Context, a *app, _ []string) error {
		return a.print(a.out.FormatHosts(a.cfg.Hosts))
	}),
}

var hostsAddCmd = &cobra.Command{
	Use:   "add NAME ADDRESS",
	Short: "Register a host and save the config",
	Example: `  # Register a build machine reached with a dedicated key
  grovectl hosts add mac-builder-1 10.0.0.21 --user admin --key ~/.ssh/grove_ed25519`,
	Args: cobra.ExactArgs(2),
	RunE: run(func(_ context.Context, a *app, args []string) error {
		h := v1alpha1.Host{
			Name:          args[0],
			Address:       args[1],
			Username:      hostUser,
			Port:          hostPort,
			CredentialRef: hostKey,
		}
		if h.CredentialRef != "" {
			if err := grovessh.CheckKeyFile(h.CredentialRef); err != nil {
				return faults.New(faults.ErrInvalidRequest, "add host", err).WithTarget(h.Name, "")
			}
		}
		if err := a.cfg.AddHost(h); err != nil {
			return err
		}
		if err := loader.SaveToFile(a.cfg, a.path); err != nil {
			return err
		}
		a.logger.Info("host added", zap.String("host", h.Name), zap.String("config", a.path))
		_, _ = fmt.Fprintf(a.stdout, "host %s added\n", h.Name)
		return nil
	}),
}

var hostsRemoveCmd = &cobra.Command{
	Use:     "remove NAME",
	Aliases: []string{"rm"},
	Short:   "Unregister a host and save the config",
	Args:    cobra.ExactArgs(1),
	RunE: run(func(_ context.Context, a *app, args []string) error {
		name := args[0]
		if _, ok := a.cfg.Host(name); !ok {
			return faults.Newf(faults.ErrHostNotFound, "remove host", "no host named %q", name)
		}
		if !a.confirm(fmt.Sprintf("Remove host %s?", name)) {
			return errAborted
		}
		if err := a.cfg.RemoveHost(name); err != nil {
			return err
		}
		if err := loader.SaveToFile(a.cfg, a.path); err != nil {
			return err
		}
		a.logger.Info("host removed", zap.String("host", name), zap.String("config", a.path))
		_, _ = fmt.Fprintf(a.stdout, "host %s removed\n", name)
		return nil
	}),
}

var hostsTestCmd = &cobra.Command{
	Use:   "test [NAME...]",
	Short: "Check SSH connectivity to hosts",
	Long: `Opens a new SSH connection to each host and runs a no-op command on it.

With no arguments every registered host is tested. The command exits non-zero
when any host is unreachable.`,
	RunE: run(func(ctx context.Context, a *app, args []string) error {
		f, err := a.openFleet()
		if err != nil {
			return err
		}

		var checks []v1alpha1.HostCheck
		if len(args) == 0 {
			checks = f.TestHosts(ctx)
		} else {
			for _, name := range args {
				check, err := f.TestHost(ctx, name)
				if err != nil {
					return err
				}
				checks = append(checks, check)
			}
		}

		if err := a.print(a.out.FormatHostChecks(checks)); err != nil {
			return err
		}
		for _, c := range checks {
			if !c.Reachable {
				return &exitError{code: 1, msg: "one or more hosts are unreachable"}
			}
		}
		return nil
	}),
}

func init() {
	hostsAddCmd.Flags().StringVarP(&hostUser, "user", "u", "", "SSH username (default: local user)")
	hostsAddCmd.Flags().IntVarP(&hostPort, "port", "p", 0, "SSH port (default: 22)")
	hostsAddCmd.Flags().StringVarP(&hostKey, "key", "i", "", "private key file")

	hostsCmd.AddCommand(hostsListCmd)
	hostsCmd.AddCommand(hostsAddCmd)
	hostsCmd.AddCommand(hostsRemoveCmd)
	hostsCmd.AddCommand(hostsTestCmd)
}
