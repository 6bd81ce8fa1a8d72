package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/model"
)

func newCmdAPIKey() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manipulate the API keys accepted by the relay server.",
	}

	setRelayFlags(cmd)

	cmd.AddCommand(newCmdAPIKeyCreate())
	cmd.AddCommand(newCmdAPIKeyList())
	cmd.AddCommand(newCmdAPIKeyRevoke())
	cmd.AddCommand(newCmdAPIKeyBootstrap())

	return cmd
}

func newCmdAPIKeyCreate() *cobra.Command {
	var flags apiKeyCreateFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key. The raw key is printed once.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			scopes := make([]model.Scope, 0, len(flags.scopes))
			for _, scope := range flags.scopes {
				scopes = append(scopes, model.Scope(scope))
			}

			request := &model.CreateAPIKeyRequest{
				Name:      flags.name,
				Scopes:    scopes,
				ExpiresAt: flags.expiresAt,
				RateLimit: flags.rateLimit,
			}

			if flags.dryRun {
				return runDryRun(request)
			}

			response, err := client.CreateAPIKey(request)
			if err != nil {
				return errors.Wrap(err, "failed to create api key")
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

func newCmdAPIKeyList() *cobra.Command {
	var flags apiKeyListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			keys, err := client.ListAPIKeys()
			if err != nil {
				return errors.Wrap(err, "failed to list api keys")
			}

			if flags.outputToTable {
				columns, vals := defaultAPIKeysTableData(keys)
				printTable(columns, vals)
				return nil
			}

			return printJSON(keys)
		},
		PreRun: func(cmd *cobra.Command, args []string) {
			flags.relayFlags.addFlags(cmd)
		},
	}

	flags.addFlags(cmd)

	return cmd
}

func defaultAPIKeysTableData(keys []*model.APIKey) ([]string, [][]string) {
	columns := []string{"ID", "NAME", "SCOPES", "ACTIVE", "RATE LIMIT"}
	vals := make([][]string, 0, len(keys))

	for _, key := range keys {
		scopes := make([]string, 0, len(key.Scopes))
		for _, scope := range key.Scopes {
			scopes = append(scopes, string(scope))
		}
		vals = append(vals, []string{
			key.ID,
			key.Name,
			strings.Join(scopes, ","),
			strconv.FormatBool(key.IsActive),
			strconv.Itoa(key.RateLimit),
		})
	}

	return columns, vals
}

func newCmdAPIKeyRevoke() *cobra.Command {
	var flags apiKeyRevokeFlags

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			client := createClient(flags.relayFlags)

			if err := client.RevokeAPIKey(flags.keyID); err != nil {
				return errors.Wrap(err, "failed to revoke api key")
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

// newCmdAPIKeyBootstrap provisions the first admin key directly against the
// database, sidestepping the chicken-and-egg of an API that requires a key.
func newCmdAPIKeyBootstrap() *cobra.Command {
	var flags apiKeyBootstrapFlags

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create an admin API key directly in the database.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true
			_ = viper.BindPFlags(command.Flags())

			serverSecret := viper.GetString("server-secret")
			if serverSecret == "" {
				return errors.New("a server secret is required; set --server-secret or RELAY_SERVER_SECRET")
			}

			sqlStore, err := sqlStore(command)
			if err != nil {
				return err
			}

			rawKey, err := auth.GenerateAPIKey(true)
			if err != nil {
				return errors.Wrap(err, "failed to generate api key")
			}

			key := &model.APIKey{
				Name:     flags.name,
				KeyHash:  auth.HashKey(rawKey, serverSecret),
				Scopes:   []model.Scope{model.ScopeAdmin},
				IsActive: true,
			}
			if err = sqlStore.CreateAPIKey(key); err != nil {
				return errors.Wrap(err, "failed to store api key")
			}

			return printJSON(&model.CreateAPIKeyResponse{
				Key:    key,
				RawKey: rawKey,
			})
		},
	}

	cmd.Flags().String("database", "sqlite://relay.db", "The database backing the relay server.")
	cmd.Flags().String("server-secret", "", "The secret used to hash API keys. Defaults to the RELAY_SERVER_SECRET environment variable.")
	flags.addFlags(cmd)

	return cmd
}
