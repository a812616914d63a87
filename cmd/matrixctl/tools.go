package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/matrixctl/internal/config"
	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/protocol/trace"
	"github.com/spf13/cobra"
)

func newConfigCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check a matrixctl.toml file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := defaultConfigPath
			if len(args) == 1 {
				target = args[0]
			}
			if err := config.WriteTemplate(target, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", target)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file and report problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = defaultConfigPath
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (router %s)\n", path, cfg.Session().Endpoint.Address())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, validateCmd, showCmd)
	return cmd
}

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect exchange trace files",
	}
	var family string
	dump := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print every exchange recorded in a trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := trace.ReadFile(args[0])
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if family != "" && !strings.EqualFold(e.Family, family) {
					continue
				}
				fmt.Fprintln(out, e.String())
			}
			if err != nil {
				return fmt.Errorf("trace %s: read stopped after %d entries: %w", args[0], len(entries), err)
			}
			return nil
		},
	}
	dump.Flags().StringVar(&family, "family", "", "only show one command family, such as route or query")
	cmd.AddCommand(dump)
	return cmd
}

func newRangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ranges <expr>",
		Short: "Expand a number range such as 1,3,5-10 and print it normalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numbers := crosspoint.ParseRange(args[0])
			if len(numbers) == 0 {
				return fmt.Errorf("ranges: %q contains no numbers", args[0])
			}
			parts := make([]string, len(numbers))
			for i, n := range numbers {
				parts[i] = fmt.Sprint(n)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, strings.Join(parts, " "))
			fmt.Fprintln(out, crosspoint.FormatRange(numbers))
			return nil
		},
	}
}
