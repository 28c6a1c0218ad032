package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/atlas/internal/engine"
	"github.com/ajitpratap0/atlas/pkg/config"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/observability"
)

var version = "0.1.0"

// cli holds the global flags shared by every command.
type cli struct {
	configPath  string
	sourcesPath string
	logLevel    string
	output      string
	out         io.Writer

	cfg *config.Config
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "atlas",
		Short: "Atlas - data asset discovery and cataloging",
		Long: `Atlas discovers tables, files, buckets and streams across databases,
file systems, cloud storage and SaaS APIs, and keeps a searchable catalog of
them with schema, quality, PII risk and change history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to the engine configuration file (YAML or JSON)")
	flags.StringVar(&c.sourcesPath, "sources", "", "Path to a standalone YAML sources file appended to the configured sources")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flags.StringVarP(&c.output, "output", "o", "text", "Output format (text, json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(c.out, "Atlas v%s\n", version)
				fmt.Fprintf(c.out, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(c.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
		c.connectorsCmd(),
		c.sourcesCmd(),
		c.testCmd(),
		c.scanCmd(),
		c.monitorCmd(),
		c.searchCmd(),
		c.getCmd(),
		c.historyCmd(),
		c.runsCmd(),
		c.statsCmd(),
	)
	return root
}

// withEngine loads the configuration, sets up logging and tracing, and runs
// fn against a freshly opened engine.
func (c *cli) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	if c.output != "text" && c.output != "json" {
		return errors.Newf(errors.ErrorTypeConfig, "unknown output format %q", c.output)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to load configuration")
	}
	if c.sourcesPath != "" {
		extra, err := config.LoadSources(c.sourcesPath)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to load sources file")
		}
		cfg.Sources = append(cfg.Sources, extra...)
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
		}
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := observability.InitTracing(cfg.Tracing, version, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	c.cfg = cfg
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.WithoutCancel(ctx)) }()
	return fn(eng)
}
