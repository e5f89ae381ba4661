package main

import (
	"log/slog"

	"github.com/iti/manet"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

const configFailed = "Configuration failed. Aborted."

// abort and onExit are replaced in tests, where the process must not exit
var (
	abort  = func(msg string) { atexit.Fatal(msg) }
	onExit = func(handler func()) { atexit.Register(handler) }
)

// newScenarioCmd builds the sub-command that runs the scenario with routing protocol 'proto'
func newScenarioCmd(proto, short string) *cobra.Command {
	params := manet.DefaultExpParams()

	cmd := &cobra.Command{
		Use:   proto,
		Short: short,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runScenario(cmd, proto, params)
		},
	}
	manet.BindFlags(cmd.Flags(), &params)

	// cobra rejects a bad flag value before Run, so the abort happens here
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		slog.Default().Error("configuration", "err", err)
		abort(configFailed)
		return err
	})
	return cmd
}

func runScenario(cmd *cobra.Command, proto string, params manet.ExpParams) {
	logger := slog.Default()
	exp, err := manet.NewExperiment(proto, cmd.OutOrStdout(), logger)
	if err != nil {
		logger.Error("scenario", "err", err)
		abort(configFailed)
		return
	}
	exp.Params = params
	if err := exp.ConfigureFlags(cmd.Flags()); err != nil {
		logger.Error("configuration", "err", err)
		abort(configFailed)
		return
	}
	logger.Debug("scenario configured", "proto", proto, "expname", exp.Params.ExpName,
		"size", exp.Params.Size, "time", exp.Params.Time)

	// outputs are closed once, on normal and on fatal exit alike
	onExit(func() {
		if err := exp.Close(); err != nil {
			logger.Error("closing outputs", "err", err)
		}
	})

	if err := exp.Run(); err != nil {
		logger.Error("simulation", "err", err)
		abort("Simulation failed. Aborted.")
		return
	}
	exp.Report(cmd.OutOrStdout())
}
