package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/relaycore/relay/model"
)

func newCmdSubscription() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manipulate webhook subscriptions managed by the relay server.",
	}

	setRelayFlags(cmd)

	cmd.AddCommand(newCmdSubscriptionCreate())
	cmd.AddCommand(newCmdSubscriptionList())
	cmd.AddCommand(newCmdSubscriptionGet())
	cmd.AddCommand(newCmdSubscriptionDelete())
	cmd.AddCommand(newCmdSubscriptionPause())
	cmd.AddCommand(newCmdSubscriptionResume())
	cmd.AddCommand(newCmdSubscriptionRotateSecret())
	cmd.AddCommand(newCmdSubscriptionDeliveries())

	return cmd
}

func newCmdSubscriptionCreate() *cobra.Command {
	var flags subscriptionCreateFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription. The signing secret is printed once.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			request := &model.CreateSubscriptionRequest{
				Name:         flags.name,
				Description:  flags.description,
				URL:          flags.url,
				EventTypes:   flags.eventTypes,
				EventSources: flags.sources,
				Headers:      flags.headers,
			}
			if command.Flags().Changed("max-retries") {
				request.MaxRetries = &flags.maxRetries
			}
			if command.Flags().Changed("timeout") {
				request.TimeoutSeconds = &flags.timeoutSecs
			}

			if flags.dryRun {
				return runDryRun(request)
			}

			subscription, err := client.CreateSubscription(request)
			if err != nil {
				return errors.Wrap(err, "failed to create subscription")
			}

			return printJSON(subscription)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdSubscriptionList() *cobra.Command {
	var flags subscriptionListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			subscriptions, err := client.ListSubscriptions(&model.SubscriptionsFilter{
				Paging:    getPaging(flags.pagingFlags),
				EventType: flags.eventType,
				Status:    model.SubscriptionStatus(flags.status),
			})
			if err != nil {
				return errors.Wrap(err, "failed to list subscriptions")
			}

			if flags.outputToTable {
				keys, vals := defaultSubscriptionsTableData(subscriptions)
				printTable(keys, vals)
				return nil
			}

			return printJSON(subscriptions)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func defaultSubscriptionsTableData(subscriptions []*model.Subscription) ([]string, [][]string) {
	keys := []string{"ID", "NAME", "TARGET", "STATUS", "HEALTHY", "FAILURES"}
	vals := make([][]string, 0, len(subscriptions))

	for _, subscription := range subscriptions {
		vals = append(vals, []string{
			subscription.ID,
			subscription.Name,
			subscription.URL,
			string(subscription.Status),
			strconv.FormatBool(subscription.IsHealthy),
			strconv.Itoa(subscription.ConsecutiveFailures),
		})
	}

	return keys, vals
}

func newCmdSubscriptionGet() *cobra.Command {
	var flags subscriptionGetFlags

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a subscription.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			subscription, err := client.GetSubscription(flags.subscriptionID)
			if err != nil {
				return errors.Wrap(err, "failed to get subscription")
			}

			return printJSON(subscription)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdSubscriptionDelete() *cobra.Command {
	var flags subscriptionGetFlags

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a subscription and cancel its pending deliveries.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			if err := client.DeleteSubscription(flags.subscriptionID); err != nil {
				return errors.Wrap(err, "failed to delete subscription")
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

func newCmdSubscriptionPause() *cobra.Command {
	var flags subscriptionGetFlags

	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause deliveries for a subscription.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			subscription, err := client.PauseSubscription(flags.subscriptionID)
			if err != nil {
				return errors.Wrap(err, "failed to pause subscription")
			}

			return printJSON(subscription)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdSubscriptionResume() *cobra.Command {
	var flags subscriptionGetFlags

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume deliveries for a paused or disabled subscription.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			subscription, err := client.ResumeSubscription(flags.subscriptionID)
			if err != nil {
				return errors.Wrap(err, "failed to resume subscription")
			}

			return printJSON(subscription)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdSubscriptionRotateSecret() *cobra.Command {
	var flags subscriptionGetFlags

	cmd := &cobra.Command{
		Use:   "rotate-secret",
		Short: "Rotate the signing secret of a subscription. The new secret is printed once.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			subscription, err := client.RotateSubscriptionSecret(flags.subscriptionID)
			if err != nil {
				return errors.Wrap(err, "failed to rotate subscription secret")
			}

			return printJSON(subscription)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func newCmdSubscriptionDeliveries() *cobra.Command {
	var flags subscriptionDeliveriesFlags

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List the delivery records of a subscription.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			deliveries, err := client.GetSubscriptionDeliveries(flags.subscriptionID, getPaging(flags.pagingFlags))
			if err != nil {
				return errors.Wrap(err, "failed to get subscription deliveries")
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
