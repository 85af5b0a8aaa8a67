package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/grove/internal/loader"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		if err := loader.WriteExample(path, initForce); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and environment overrides are
applied, as YAML.`,
	Args: cobra.NoArgs,
	RunE: run(func(_ context.Context, a *app, _ []string) error {
		data, err := yaml.Marshal(a.cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		_, _ = a.stdout.Write(data)
		return nil
	}),
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// configFilePath resolves the config location without reading the file.
func configFilePath() (string, error) {
	env, err := loader.ReadEnv()
	if err != nil {
		return "", err
	}
	return loader.ResolvePath(configPath, env), nil
}

func init() {
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
