package main

import "github.com/spf13/cobra"

func newOlsrCmd() *cobra.Command {
	return newScenarioCmd("olsr", "Run the OLSR mobility scenario.")
}
