package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/matrixctl/internal/config"
	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/routing"
	"github.com/spf13/cobra"
)

func newCoordinator(client *matrix.Client, cfg config.Config) *routing.Coordinator {
	return routing.New(client, events.NewBus(), cfg.RoutingConfig())
}

// confirm waits out the confirmation delay, refreshes, and reports the phase
// of each output.
func confirm(ctx context.Context, cmd *cobra.Command, coord *routing.Coordinator, delay time.Duration, outputs []int) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if _, err := coord.Refresh(ctx); err != nil {
		return describe("confirm", err)
	}
	out := cmd.OutOrStdout()
	for _, o := range outputs {
		e, ok := coord.Table().Entry(o)
		if !ok {
			fmt.Fprintf(out, "output %d: not reported by router\n", o)
			continue
		}
		fmt.Fprintf(out, "output %d: %s (input %d)\n", o, e.Phase, e.Input)
	}
	return nil
}

func newRouteCmd(app *cli) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "route <input> <output>",
		Short: "Route one input to one output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("input %q is not a number", args[0])
			}
			output, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("output %q is not a number", args[1])
			}
			client, cfg, err := app.client(cmd)
			if err != nil {
				return err
			}
			coord := newCoordinator(client, cfg)
			defer coord.Close()

			ctx := commandContext(cmd)
			res, err := coord.RouteSync(ctx, input, output)
			if err != nil {
				return describe("route", err)
			}
			state := "sent (no reply)"
			if res.Acknowledged {
				state = "acknowledged"
			} else if res.Reply != "" {
				state = "sent, reply " + res.Reply
			}
			fmt.Fprintf(cmd.OutOrStdout(), "input %d -> output %d: %s\n", input, output, state)
			if verify {
				return confirm(ctx, cmd, coord, cfg.Routing.ConfirmDelay, []int{output})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "confirm", false, "query status afterwards and report whether the route took")
	return cmd
}

func newBatchCmd(app *cli) *cobra.Command {
	var (
		verify  bool
		fanFrom int
		outputs string
	)
	cmd := &cobra.Command{
		Use:   "batch [out:in ...]",
		Short: "Send several routes with spacing between commands",
		Long: `batch sends routes one at a time, output first as on the wire:

  matrixctl batch 1:5 2:5 3:7
  matrixctl batch --input 5 --outputs 1-4,9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var routes []crosspoint.Crosspoint
			for _, raw := range args {
				cp, err := crosspoint.ParsePair(raw)
				if err != nil {
					return err
				}
				routes = append(routes, cp)
			}
			if outputs != "" {
				if fanFrom <= 0 {
					return fmt.Errorf("--outputs needs --input")
				}
				routes = append(routes, crosspoint.Fan(fanFrom, crosspoint.ParseRange(outputs))...)
			}
			if len(routes) == 0 {
				return routing.ErrEmptyBatch
			}

			client, cfg, err := app.client(cmd)
			if err != nil {
				return err
			}
			coord := newCoordinator(client, cfg)
			defer coord.Close()

			ctx := commandContext(cmd)
			res, err := coord.BatchSync(ctx, routes)
			if err != nil {
				return describe("batch", err)
			}
			out := cmd.OutOrStdout()
			touched := make([]int, 0, len(res.Outcomes))
			for _, o := range res.Outcomes {
				status := "ok"
				if !o.Success {
					status = "failed: " + o.Error
				}
				fmt.Fprintf(out, "input %d -> output %d: %s\n", o.Input, o.Output, status)
				touched = append(touched, o.Output)
			}
			fmt.Fprintf(out, "%d/%d routes sent\n", res.Successes, res.Total)
			if verify {
				if err := confirm(ctx, cmd, coord, cfg.Routing.ConfirmDelay, touched); err != nil {
					return err
				}
			}
			if res.Successes < res.Total {
				return fmt.Errorf("batch: %d of %d routes failed", res.Total-res.Successes, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "confirm", false, "query status afterwards and report whether the routes took")
	cmd.Flags().IntVar(&fanFrom, "input", 0, "input to fan out with --outputs")
	cmd.Flags().StringVar(&outputs, "outputs", "", "output range such as 1-4,9")
	return cmd
}
