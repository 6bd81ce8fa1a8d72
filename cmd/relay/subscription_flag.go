package main

import (
	"github.com/spf13/cobra"
)

type subscriptionCreateFlags struct {
	relayFlags
	name        string
	description string
	url         string
	eventTypes  []string
	sources     []string
	headers     map[string]string
	maxRetries  int
	timeoutSecs int
}

func (flags *subscriptionCreateFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.name, "name", "", "Name of the subscription.")
	cmd.Flags().StringVar(&flags.description, "description", "", "Description of the subscription.")
	cmd.Flags().StringVar(&flags.url, "url", "", "HTTPS URL the webhooks will be delivered to.")
	cmd.Flags().StringSliceVar(&flags.eventTypes, "event-type", nil, "Event type patterns to subscribe to, such as user.* or order.paid. Accepts multiple values.")
	cmd.Flags().StringSliceVar(&flags.sources, "event-source", nil, "Event sources to subscribe to. Accepts multiple values.")
	cmd.Flags().StringToStringVar(&flags.headers, "header", nil, "Custom headers to send with every delivery. Accepts format: HEADER_KEY=HEADER_VALUE.")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "Maximum delivery retries before dead-lettering. Zero uses the server default.")
	cmd.Flags().IntVar(&flags.timeoutSecs, "timeout", 0, "Per-request delivery timeout in seconds. Zero uses the server default.")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
}

type subscriptionListFlags struct {
	relayFlags
	pagingFlags
	tableOptions
	eventType string
	status    string
}

func (flags *subscriptionListFlags) addFlags(cmd *cobra.Command) {
	flags.pagingFlags.addFlags(cmd)
	flags.tableOptions.addFlags(cmd)
	cmd.Flags().StringVar(&flags.eventType, "event-type", "", "Filter to subscriptions matching the given event type.")
	cmd.Flags().StringVar(&flags.status, "status", "", "Filter by subscription status.")
}

type subscriptionGetFlags struct {
	relayFlags
	subscriptionID string
}

func (flags *subscriptionGetFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.subscriptionID, "subscription", "", "ID of the subscription.")
	_ = cmd.MarkFlagRequired("subscription")
}

type subscriptionDeliveriesFlags struct {
	relayFlags
	pagingFlags
	subscriptionID string
}

func (flags *subscriptionDeliveriesFlags) addFlags(cmd *cobra.Command) {
	flags.pagingFlags.addFlags(cmd)
	cmd.Flags().StringVar(&flags.subscriptionID, "subscription", "", "ID of the subscription.")
	_ = cmd.MarkFlagRequired("subscription")
}
