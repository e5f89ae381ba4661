package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd represents the base command when called without any subcommands
func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use: "manetsim",
		Short: "manetsim simulates a mobile ad-hoc network running a " +
			"proactive routing protocol.",
		Long: `manetsim replays an ns-2 mobility trace over a wifi ad-hoc ` +
			`network, runs DSDV or OLSR on every node and pings the last ` +
			`node from all the others.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("bad --log-level %q: %w", logLevel, err)
			}
			handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			slog.SetDefault(slog.New(handler))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")

	rootCmd.AddCommand(newDsdvCmd(), newOlsrCmd())
	return rootCmd
}
