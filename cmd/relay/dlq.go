package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/relaycore/relay/model"
)

func newCmdDLQ() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue of the relay server.",
	}

	setRelayFlags(cmd)

	cmd.AddCommand(newCmdDLQList())
	cmd.AddCommand(newCmdDLQStats())
	cmd.AddCommand(newCmdDLQRetry())
	cmd.AddCommand(newCmdDLQDismiss())
	cmd.AddCommand(newCmdDLQPurge())

	return cmd
}

func newCmdDLQList() *cobra.Command {
	var flags dlqListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			page, err := client.ListDLQ(flags.limit, flags.offset, flags.eventType, flags.source)
			if err != nil {
				return errors.Wrap(err, "failed to list dead-letter entries")
			}

			if flags.outputToTable {
				keys, vals := defaultDLQTableData(page.Entries)
				printTable(keys, vals)
				return nil
			}

			return printJSON(page)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func defaultDLQTableData(entries []*model.DLQEntry) ([]string, [][]string) {
	keys := []string{"EVENT", "TYPE", "SOURCE", "ENTERED", "REASON", "RETRIES"}
	vals := make([][]string, 0, len(entries))

	for _, entry := range entries {
		vals = append(vals, []string{
			entry.EventID,
			entry.EventType,
			entry.Source,
			model.TimeFromMillis(entry.DLQEnteredAt).Format("2006-01-02 15:04:05 -0700 MST"),
			entry.FailureReason,
			strconv.Itoa(entry.RetryCount),
		})
	}

	return keys, vals
}

func newCmdDLQStats() *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter queue statistics.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags)

			stats, err := client.GetDLQStats()
			if err != nil {
				return errors.Wrap(err, "failed to get dead-letter stats")
			}

			return printJSON(stats)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.addFlags(cmd)
		},
	}

	return cmd
}

func newCmdDLQRetry() *cobra.Command {
	var flags dlqEventFlags

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue a dead-lettered event for another delivery pass.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			if err := client.RetryDLQ(flags.eventID); err != nil {
				return errors.Wrap(err, "failed to retry dead-letter entry")
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

func newCmdDLQDismiss() *cobra.Command {
	var flags dlqEventFlags

	cmd := &cobra.Command{
		Use:   "dismiss",
		Short: "Drop a dead-letter entry, leaving the event failed.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			if err := client.DismissDLQ(flags.eventID); err != nil {
				return errors.Wrap(err, "failed to dismiss dead-letter entry")
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

func newCmdDLQPurge() *cobra.Command {
	var flags dlqPurgeFlags

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-letter entry.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true

			if !flags.confirm {
				return errors.New("pass --confirm to purge the dead-letter queue")
			}

			client := createClient(flags.relayFlags)
			if err := client.PurgeDLQ(); err != nil {
				return errors.Wrap(err, "failed to purge dead-letter queue")
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
