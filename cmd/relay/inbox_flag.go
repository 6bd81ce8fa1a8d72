package main

import (
	"github.com/spf13/cobra"
)

type inboxFetchFlags struct {
	relayFlags
	limit             int
	visibilityTimeout int
	eventTypes        []string
	sources           []string
}

func (flags *inboxFetchFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flags.limit, "limit", 10, "The maximum number of messages to lease.")
	cmd.Flags().IntVar(&flags.visibilityTimeout, "visibility-timeout", 30, "How long in seconds the leased messages stay invisible to other consumers.")
	cmd.Flags().StringSliceVar(&flags.eventTypes, "event-type", nil, "Event type patterns to fetch. Accepts multiple values.")
	cmd.Flags().StringSliceVar(&flags.sources, "event-source", nil, "Event sources to fetch. Accepts multiple values.")
}

type inboxAckFlags struct {
	relayFlags
	receiptHandle string
}

func (flags *inboxAckFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.receiptHandle, "receipt-handle", "", "The receipt handle returned by fetch.")
	_ = cmd.MarkFlagRequired("receipt-handle")
}
