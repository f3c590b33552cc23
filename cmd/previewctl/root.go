package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/docspreview/previewctl/internal/config"
	"github.com/docspreview/previewctl/internal/descriptor"
	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/metrics"
	"github.com/docspreview/previewctl/internal/reconcile"
)

// app holds the state shared by every subcommand.
type app struct {
	configPath  string
	logLevel    string
	logJSON     bool
	metricsFile string
	outputFile  string
	contentDir  string

	stdout io.Writer
	stderr io.Writer

	logger   hclog.Logger
	cfg      *config.Config
	runtime  *config.Runtime
	recorder *metrics.Recorder
}

// execute runs the command line args. Metrics are written whatever the
// outcome, so failed and partial runs are recorded too.
func execute(args []string, stdout, stderr io.Writer) error {
	a := &app{stdout: stdout, stderr: stderr}
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if werr := a.writeMetrics(); werr != nil {
		err = errors.Join(err, fmt.Errorf("write metrics: %w", werr))
	}
	return err
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "previewctl",
		Short:         "Manage documentation preview environments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", envOr("PREVIEWCTL_CONFIG", "previewctl.yaml"), "configuration file")
	flags.StringVar(&a.logLevel, "log-level", envOr("PREVIEWCTL_LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&a.logJSON, "log-json", false, "log as JSON")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
	flags.StringVar(&a.outputFile, "output-file", os.Getenv("GITHUB_OUTPUT"), "append environment outputs as key=value lines to this file")

	cmd.AddCommand(
		newOpenCommand(a),
		newUpdateCommand(a),
		newCloseCommand(a),
		newPlanCommand(a),
		newEventCommand(a),
		newPruneCommand(a),
		newStatusCommand(a),
		newListCommand(a),
	)
	return cmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (a *app) setup(ctx context.Context) error {
	level := hclog.LevelFromString(a.logLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}
	a.logger = hclog.New(&hclog.LoggerOptions{
		Name:       "previewctl",
		Level:      level,
		JSONFormat: a.logJSON,
		Output:     a.stderr,
	})

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.recorder = metrics.New()
	rt, err := cfg.Build(ctx, config.BuildOptions{Logger: a.logger, Metrics: a.recorder})
	if err != nil {
		return err
	}
	a.runtime = rt
	return nil
}

func (a *app) writeMetrics() error {
	if a.metricsFile == "" || a.recorder == nil {
		return nil
	}
	return a.recorder.WriteTextfile(a.metricsFile)
}

// environment returns the static configuration with command-line
// overrides applied.
func (a *app) environment() descriptor.StaticConfig {
	env := a.cfg.Environment.Clone()
	if a.contentDir != "" {
		env.ContentDir = a.contentDir
	}
	return env
}

// report prints the outcome of a reconcile and records its outputs. The
// plan is printed even when the reconcile failed part way.
func (a *app) report(res *reconcile.Result) error {
	if res == nil {
		return nil
	}
	fmt.Fprint(a.stdout, reconcile.Format(res.Plan))
	if res.Destroyed {
		fmt.Fprintf(a.stdout, "\n%s destroyed.\n", res.Plan.EnvKey)
		return nil
	}
	if res.Outputs.URL != "" {
		fmt.Fprintf(a.stdout, "\nPreview: %s\n", res.Outputs.URL)
	}
	return a.writeOutputs(res.Outputs)
}

func (a *app) writeOutputs(out reconcile.Outputs) error {
	if a.outputFile == "" {
		return nil
	}
	f, err := os.OpenFile(a.outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	if _, err := out.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	return f.Close()
}

func parseID(arg string) (envid.ID, error) {
	return envid.Parse(arg)
}
