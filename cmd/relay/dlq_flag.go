package main

import (
	"github.com/spf13/cobra"
)

type dlqListFlags struct {
	relayFlags
	tableOptions
	eventType string
	source    string
	limit     int
	offset    int
}

func (flags *dlqListFlags) addFlags(cmd *cobra.Command) {
	flags.tableOptions.addFlags(cmd)
	cmd.Flags().StringVar(&flags.eventType, "event-type", "", "Filter by event type.")
	cmd.Flags().StringVar(&flags.source, "source", "", "Filter by event source.")
	cmd.Flags().IntVar(&flags.limit, "limit", 100, "The maximum number of entries to fetch.")
	cmd.Flags().IntVar(&flags.offset, "offset", 0, "The number of entries to skip.")
}

type dlqEventFlags struct {
	relayFlags
	eventID string
}

func (flags *dlqEventFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.eventID, "event", "", "ID of the dead-lettered event.")
	_ = cmd.MarkFlagRequired("event")
}

type dlqPurgeFlags struct {
	relayFlags
	confirm bool
}

func (flags *dlqPurgeFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flags.confirm, "confirm", false, "Confirm deleting every dead-letter entry.")
}
