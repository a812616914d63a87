package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/matrixctl/internal/config"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "matrixctl.toml"

// cli holds the global flags shared by every subcommand.
type cli struct {
	configPath string
	host       string
	port       int
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	app := &cli{}
	root := &cobra.Command{
		Use:   "matrixctl",
		Short: "Control an ETL Vortex matrix router over its TCP protocol",
		Long: `matrixctl talks to an ETL Vortex matrix router on TCP port 4000.

One-shot commands (info, status, route, ...) open one connection per command.
serve runs the background poller, health check, route journal, and an HTTP API
with a websocket event stream.

Settings come from matrixctl.toml when present, or --config, and the
--host/--port/--timeout flags override the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&app.configPath, "config", "c", "", "config file (default ./matrixctl.toml if present)")
	flags.StringVar(&app.host, "host", "", "router address")
	flags.IntVar(&app.port, "port", 0, "router TCP port (default 4000)")
	flags.DurationVar(&app.timeout, "timeout", 0, "query timeout (default 5s)")

	root.AddCommand(
		newInfoCmd(app),
		newSizeCmd(app),
		newStatusCmd(app),
		newRouteCmd(app),
		newBatchCmd(app),
		newTelemetryCmd(app),
		newChassisCmd(app),
		newRawCmd(app),
		newWatchCmd(app),
		newServeCmd(app),
		newConfigCmd(app),
		newTraceCmd(),
		newRangesCmd(),
	)
	return root
}

// loadConfig resolves the config file and applies flag overrides.
func (a *cli) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Router.Host = a.host
	}
	if flags.Changed("port") {
		cfg.Router.Port = a.port
	}
	if flags.Changed("timeout") {
		cfg.Router.Timeout = a.timeout
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// client builds a protocol client for one-shot commands.
func (a *cli) client(cmd *cobra.Command) (*matrix.Client, config.Config, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	sess := cfg.Session()
	transport, err := session.NewTransport(sess)
	if err != nil {
		return nil, config.Config{}, err
	}
	observability.RegisterMetrics()
	transport.AddObserver(observability.ExchangeMetrics{})
	return matrix.New(transport, sess), cfg, nil
}

// describe turns query errors into the message shown to the operator.
func describe(what string, err error) error {
	switch {
	case errors.Is(err, session.ErrUnreachable):
		return fmt.Errorf("%s: router unreachable: %w", what, err)
	case errors.Is(err, matrix.ErrNoReply):
		return fmt.Errorf("%s: no usable reply from router: %w", what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
