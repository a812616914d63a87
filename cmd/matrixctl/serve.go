package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/matrixctl/internal/controller"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/spf13/cobra"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(app *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, health check, and HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.API.Addr = addr
			}
			c, err := controller.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return c.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides [api] addr)")
	return cmd
}

func newWatchCmd(app *cli) *cobra.Command {
	var (
		interval time.Duration
		kinds    []string
		types    []string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the router and print events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Poller.Enabled = true
			cfg.Journal.Path = ""
			if cmd.Flags().Changed("interval") {
				cfg.Poller.Interval = interval
			}
			if cmd.Flags().Changed("kinds") {
				cfg.Poller.Kinds = nil
				for _, raw := range kinds {
					if strings.TrimSpace(raw) == "" {
						continue
					}
					k, err := events.ParseKind(raw)
					if err != nil {
						return err
					}
					cfg.Poller.Kinds = append(cfg.Poller.Kinds, k)
				}
			}
			filter := make([]events.Type, 0, len(types))
			for _, t := range types {
				filter = append(filter, events.Type(strings.TrimSpace(t)))
			}

			c, err := controller.New(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signalContext(cmd)
			defer stop()
			ch, cancel := c.Bus().Channel(256, filter...)
			defer cancel()
			c.Start(ctx)

			out := cmd.OutOrStdout()
			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case e := <-ch:
					fmt.Fprintln(out, formatEvent(e))
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to poll: status, matrix, chassis")
	cmd.Flags().StringSliceVar(&types, "types", nil, "event types to print (default all)")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events")
	return cmd
}

func formatEvent(e events.Event) string {
	prefix := fmt.Sprintf("%s #%d %-18s", e.Time.Format("15:04:05.000"), e.Seq, e.Type)
	switch d := e.Data.(type) {
	case events.RouteResultData:
		status := "ok"
		if !d.Success {
			status = "failed: " + d.Error
		} else if d.Acknowledged {
			status = "acknowledged"
		}
		return fmt.Sprintf("%s input %d -> output %d %s", prefix, d.Input, d.Output, status)
	case events.RouteBatchData:
		return fmt.Sprintf("%s %d/%d routes", prefix, d.Successes, d.Total)
	case events.RouteCorrectedData:
		return fmt.Sprintf("%s output %d asserted %d, router has %d", prefix, d.Output, d.Asserted, d.Confirmed)
	case events.StatusData:
		return fmt.Sprintf("%s %s %d routes", prefix, d.Origin, len(d.Routes))
	case events.TelemetryData:
		return fmt.Sprintf("%s %s %s", prefix, d.Kind, d.Raw)
	case events.ConnectionData:
		state := "disconnected"
		if d.Connected {
			state = "connected"
		}
		return fmt.Sprintf("%s %s", prefix, state)
	case events.ErrorData:
		return fmt.Sprintf("%s %s: %s", prefix, d.Source, d.Message)
	default:
		return fmt.Sprintf("%s %v", prefix, d)
	}
}
