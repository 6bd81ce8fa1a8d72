package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/relaycore/relay/model"
)

func newCmdEvents() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Publish and inspect events managed by the relay server.",
	}

	setRelayFlags(cmd)

	cmd.AddCommand(newCmdEventPublish())
	cmd.AddCommand(newCmdEventGet())
	cmd.AddCommand(newCmdEventList())
	cmd.AddCommand(newCmdEventReplay())
	cmd.AddCommand(newCmdEventDeliveries())
	cmd.AddCommand(newCmdEventStream())

	return cmd
}

func newCmdEventPublish() *cobra.Command {
	var flags eventPublishFlags

	cmd := &cobra.Command{
		Use:     "publish",
		Aliases: []string{"send"},
		Short:   "Publish an event.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			request := &model.PublishEventRequest{
				EventType:      flags.eventType,
				Source:         flags.source,
				Data:           json.RawMessage(flags.data),
				IdempotencyKey: flags.idempotencyKey,
			}
			if flags.metadata != "" {
				request.Metadata = json.RawMessage(flags.metadata)
			}

			if flags.dryRun {
				return runDryRun(request)
			}

			event, err := client.PublishEvent(request)
			if err != nil {
				return errors.Wrap(err, "failed to publish event")
			}

			return printJSON(event)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdEventGet() *cobra.Command {
	var flags eventGetFlags

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get an event.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			event, err := client.GetEvent(flags.eventID)
			if err != nil {
				return errors.Wrap(err, "failed to get event")
			}

			return printJSON(event)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdEventList() *cobra.Command {
	var flags eventListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			page, err := client.ListEvents(&model.EventFilter{
				EventType: flags.eventType,
				Source:    flags.source,
				Status:    model.EventStatus(flags.status),
				Cursor:    flags.cursor,
				Limit:     flags.limit,
			})
			if err != nil {
				return errors.Wrap(err, "failed to list events")
			}

			if flags.outputToTable {
				keys, vals := defaultEventsTableData(page.Events)
				printTable(keys, vals)
				if page.NextCursor != "" {
					logger.WithField("cursor", page.NextCursor).Info("more events available")
				}
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

func defaultEventsTableData(events []*model.Event) ([]string, [][]string) {
	keys := []string{"ID", "TYPE", "SOURCE", "STATUS", "CREATED", "ATTEMPTS"}
	vals := make([][]string, 0, len(events))

	for _, event := range events {
		vals = append(vals, []string{
			event.ID,
			event.EventType,
			event.Source,
			string(event.Status),
			model.TimeFromMillis(event.CreateAt).Format("2006-01-02 15:04:05 -0700 MST"),
			strconv.Itoa(event.DeliveryAttempts),
		})
	}

	return keys, vals
}

func newCmdEventReplay() *cobra.Command {
	var flags eventGetFlags

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a terminal event through the pipeline.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			event, err := client.ReplayEvent(flags.eventID)
			if err != nil {
				return errors.Wrap(err, "failed to replay event")
			}

			return printJSON(event)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdEventStream() *cobra.Command {
	var flags eventStreamFlags

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream live events to stdout until interrupted.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := client.StreamEvents(ctx, flags.eventTypes, flags.sources, func(envelope *model.EventEnvelope) error {
				return printJSON(envelope)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrap(err, "failed to stream events")
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

func newCmdEventDeliveries() *cobra.Command {
	var flags eventDeliveriesFlags

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List the delivery records of an event.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			deliveries, err := client.GetEventDeliveries(flags.eventID, getPaging(flags.pagingFlags))
			if err != nil {
				return errors.Wrap(err, "failed to get event deliveries")
			}

			return printJSON(deliveries)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}
