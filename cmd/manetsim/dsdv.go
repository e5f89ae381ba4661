package main

import "github.com/spf13/cobra"

func newDsdvCmd() *cobra.Command {
	return newScenarioCmd("dsdv", "Run the DSDV mobility scenario.")
}
