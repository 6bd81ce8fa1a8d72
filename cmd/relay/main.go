// Package main is the entry point to the relay event gateway server and CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay is an event gateway that ingests events and delivers them to webhooks, pull consumers and live streams.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serverCmd().RunE(cmd, args)
	},
	// SilenceErrors allows us to explicitly log the error returned from rootCmd below.
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(newCmdSchema())
	rootCmd.AddCommand(newCmdEvents())
	rootCmd.AddCommand(newCmdSubscription())
	rootCmd.AddCommand(newCmdInbox())
	rootCmd.AddCommand(newCmdDLQ())
	rootCmd.AddCommand(newCmdAPIKey())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
