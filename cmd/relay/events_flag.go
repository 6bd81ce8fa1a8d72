package main

import (
	"github.com/spf13/cobra"
)

type eventPublishFlags struct {
	relayFlags
	eventType      string
	source         string
	data           string
	metadata       string
	idempotencyKey string
}

func (flags *eventPublishFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.eventType, "type", "", "Type of the event, such as user.created.")
	cmd.Flags().StringVar(&flags.source, "source", "", "Source system of the event.")
	cmd.Flags().StringVar(&flags.data, "data", "{}", "JSON payload of the event.")
	cmd.Flags().StringVar(&flags.metadata, "metadata", "", "Optional JSON metadata of the event.")
	cmd.Flags().StringVar(&flags.idempotencyKey, "idempotency-key", "", "Optional idempotency key deduplicating the publish.")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("source")
}

type eventListFlags struct {
	relayFlags
	tableOptions
	eventType string
	source    string
	status    string
	cursor    string
	limit     int
}

func (flags *eventListFlags) addFlags(cmd *cobra.Command) {
	flags.tableOptions.addFlags(cmd)
	cmd.Flags().StringVar(&flags.eventType, "type", "", "Filter by event type.")
	cmd.Flags().StringVar(&flags.source, "source", "", "Filter by event source.")
	cmd.Flags().StringVar(&flags.status, "status", "", "Filter by event status.")
	cmd.Flags().StringVar(&flags.cursor, "cursor", "", "Resume listing from the given cursor.")
	cmd.Flags().IntVar(&flags.limit, "limit", 100, "The maximum number of events to fetch.")
}

type eventGetFlags struct {
	relayFlags
	eventID string
}

func (flags *eventGetFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.eventID, "event", "", "ID of the event.")
	_ = cmd.MarkFlagRequired("event")
}

type eventStreamFlags struct {
	relayFlags
	eventTypes []string
	sources    []string
}

func (flags *eventStreamFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&flags.eventTypes, "type", nil, "Event type patterns to stream. Accepts multiple values.")
	cmd.Flags().StringSliceVar(&flags.sources, "source", nil, "Event sources to stream. Accepts multiple values.")
}

type eventDeliveriesFlags struct {
	relayFlags
	pagingFlags
	eventID string
}

func (flags *eventDeliveriesFlags) addFlags(cmd *cobra.Command) {
	flags.pagingFlags.addFlags(cmd)
	cmd.Flags().StringVar(&flags.eventID, "event", "", "ID of the event.")
	_ = cmd.MarkFlagRequired("event")
}
