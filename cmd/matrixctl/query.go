package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/spf13/cobra"
)

func newInfoCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show router model and firmware version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			info, err := client.DeviceInfo(commandContext(cmd))
			if err != nil {
				return describe("device info", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
}

func newSizeCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Show matrix dimensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			size, err := client.MatrixSize(commandContext(cmd))
			if err != nil {
				return describe("matrix size", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d inputs x %d outputs\n", size.Inputs, size.Outputs)
			return nil
		},
	}
}

func newStatusCmd(app *cli) *cobra.Command {
	var asCSV, raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(commandContext(cmd))
			out := cmd.OutOrStdout()
			if raw && st.Raw != "" {
				fmt.Fprintln(out, st.Raw)
			}
			if err != nil {
				return describe("status", err)
			}
			if asCSV {
				return crosspoint.WriteCSV(out, st.Routes)
			}
			printRoutes(cmd, st.Routes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asCSV, "csv", false, "print Output,Input CSV")
	cmd.Flags().BoolVar(&raw, "raw", false, "also print the raw reply")
	return cmd
}

func printRoutes(cmd *cobra.Command, routes crosspoint.Map) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OUTPUT\tINPUT")
	for _, out := range routes.Outputs() {
		fmt.Fprintf(w, "%d\t%d\n", out, routes[out])
	}
	_ = w.Flush()
}

func newTelemetryCmd(app *cli) *cobra.Command {
	var card, slot int
	cmd := &cobra.Command{
		Use:   "telemetry <status|matrix|chassis|output|input>",
		Short: "Print raw telemetry for one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := events.ParseKind(args[0])
			if err != nil {
				return err
			}
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			var text string
			switch kind {
			case events.KindStatus:
				st, qerr := client.Status(ctx)
				text, err = st.Raw, qerr
			case events.KindChassis:
				ch, qerr := client.ChassisTelemetry(ctx)
				text, err = ch.Raw, qerr
			case events.KindMatrix:
				text, err = client.MatrixTelemetry(ctx, card, slot)
			case events.KindOutput:
				text, err = client.OutputTelemetry(ctx, card, slot)
			case events.KindInput:
				text, err = client.InputTelemetry(ctx, card, slot)
			}
			if err != nil {
				return describe(string(kind)+" telemetry", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVar(&card, "card", 0, "card number (0-99)")
	cmd.Flags().IntVar(&slot, "slot", 0, "slot number (0-99)")
	return cmd
}

func newChassisCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chassis",
		Short: "Show chassis temperatures, fans, and door state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			ch, err := client.ChassisTelemetry(commandContext(cmd))
			if err != nil {
				return describe("chassis telemetry", err)
			}
			out := cmd.OutOrStdout()
			if !ch.Parsed {
				fmt.Fprintln(out, ch.Raw)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, row := range ch.Readings.Rows() {
				fmt.Fprintf(w, "%s\t%s\n", row.Label, row.Value)
			}
			return w.Flush()
		},
	}
}

func newRawCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "raw <content>",
		Short: "Send a command body with the generic checksum and print the reply",
		Long: `raw frames content as {content} plus its checksum, for example:

  matrixctl raw ABJ
  matrixctl raw 'ABcO,01,02,01'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := app.client(cmd)
			if err != nil {
				return err
			}
			text, err := client.Raw(commandContext(cmd), args[0])
			if err != nil {
				return describe("raw", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
