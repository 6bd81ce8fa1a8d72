package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCmdInbox() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Pull events from the relay server with SQS-style leases.",
	}

	setRelayFlags(cmd)

	cmd.AddCommand(newCmdInboxFetch())
	cmd.AddCommand(newCmdInboxAck())
	cmd.AddCommand(newCmdInboxStats())

	return cmd
}

func newCmdInboxFetch() *cobra.Command {
	var flags inboxFetchFlags

	cmd := &cobra.Command{
		Use:     "fetch",
		Aliases: []string{"list", "poll"},
		Short:   "Lease pending events, oldest first.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			response, err := client.FetchInbox(flags.limit, flags.visibilityTimeout, flags.eventTypes, flags.sources)
			if err != nil {
				return errors.Wrap(err, "failed to fetch inbox")
			}

			return printJSON(response)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdInboxAck() *cobra.Command {
	var flags inboxAckFlags

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a leased event, completing its delivery.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			if err := client.AckInbox(flags.receiptHandle); err != nil {
				return errors.Wrap(err, "failed to ack receipt handle")
			}

			return nil
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdInboxStats() *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pull-queue statistics.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags)

			stats, err := client.GetInboxStats()
			if err != nil {
				return errors.Wrap(err, "failed to get inbox stats")
			}

			return printJSON(stats)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.addFlags(cmd)
		},
	}

	return cmd
}
