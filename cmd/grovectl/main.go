package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/grove/internal/config"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/fleet"
	"github.com/jbweber/grove/internal/loader"
	grovelog "github.com/jbweber/grove/internal/log"
	"github.com/jbweber/grove/internal/metrics"
	"github.com/jbweber/grove/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configPath   string
	outputFormat string
	logLevel     string
	dryRun       bool
	assumeYes    bool
	metricsFile  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var quiet *exitError
		if !errors.As(err, &quiet) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "grovectl",
	Short: "grovectl - manage VMs across a fleet of hosts over SSH",
	Long: `grovectl drives the VM tool on remote hosts over SSH.

It keeps a registry of hosts in ~/.grove/config.yaml, reuses SSH sessions,
retries transient network failures, and runs operations on many VMs at once
by glob pattern.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default $GROVE_CONFIG or "+loader.DefaultPath+")")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml, json")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	flags.BoolVar(&dryRun, "dry-run", false, "print the remote commands of mutating operations instead of running them")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	flags.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError ends the process with code after its output was already
// printed.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return faults.ExitCode(err)
}

// app is the per-invocation state shared by the commands.
type app struct {
	cfg     *config.Config
	path    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	format  output.Format
	out     output.Formatter
	stdout  io.Writer
	stderr  io.Writer
	stdin   io.Reader

	fleet      *fleet.Fleet
	restoreLog func()
}

// newApp loads the configuration and sets up logging and output. The log
// level comes from --log-level, then GROVE_LOG_LEVEL, then the file.
func newApp(cmd *cobra.Command) (*app, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, faults.New(faults.ErrInvalidRequest, "parse flags", err)
	}
	formatter, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat)})
	if err != nil {
		return nil, err
	}

	env, err := loader.ReadEnv()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		env.LogLevel = logLevel
	}
	cfg, path, err := loader.Load(configPath, env)
	if err != nil {
		return nil, err
	}

	logger, restore, err := grovelog.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded config", zap.String("path", path), zap.Int("hosts", len(cfg.Hosts)))

	return &app{
		cfg:        cfg,
		path:       path,
		logger:     logger,
		metrics:    metrics.New(),
		format:     output.Format(outputFormat),
		out:        formatter,
		stdout:     cmd.OutOrStdout(),
		stderr:     cmd.ErrOrStderr(),
		stdin:      cmd.InOrStdin(),
		restoreLog: restore,
	}, nil
}

// openFleet builds the fleet on first use.
func (a *app) openFleet() (*fleet.Fleet, error) {
	if a.fleet != nil {
		return a.fleet, nil
	}
	f, err := fleet.New(a.cfg, fleet.Options{
		Logger:    a.logger,
		Metrics:   a.metrics,
		DryRun:    dryRun,
		DryRunOut: a.stdout,
	})
	if err != nil {
		return nil, err
	}
	a.fleet = f
	return f, nil
}

func (a *app) close() {
	if a.fleet != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Pool.ShutdownGrace+time.Second)
		if err := a.fleet.Close(ctx); err != nil {
			a.logger.Warn("failed to close sessions cleanly", zap.Error(err))
		}
		cancel()
	}
	if metricsFile != "" {
		if err := a.metrics.WriteToTextfile(metricsFile); err != nil {
			a.logger.Warn("failed to write metrics", zap.Error(err))
		}
	}
	a.restoreLog()
}

// print writes formatted output.
func (a *app) print(s string, err error) error {
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(a.stdout, s)
	return nil
}

// confirm asks a yes/no question unless --yes or --dry-run is set.
func (a *app) confirm(prompt string) bool {
	if assumeYes || dryRun {
		return true
	}
	_, _ = fmt.Fprintf(a.stdout, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(a.stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// run wraps a command body with app setup and teardown.
func run(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a, args)
	}
}

var errAborted = &exitError{code: 1, msg: "aborted"}
