package main

import (
	"github.com/spf13/cobra"
)

type apiKeyCreateFlags struct {
	relayFlags
	name      string
	scopes    []string
	expiresAt int64
	rateLimit int
}

func (flags *apiKeyCreateFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.name, "name", "", "Name of the API key.")
	cmd.Flags().StringSliceVar(&flags.scopes, "scope", []string{"read"}, "Scopes of the API key: admin, read, write, inbox or stream. Accepts multiple values.")
	cmd.Flags().Int64Var(&flags.expiresAt, "expires-at", 0, "Expiry as milliseconds since epoch. Zero means no expiry.")
	cmd.Flags().IntVar(&flags.rateLimit, "rate-limit", 0, "Requests per minute allowed for this key. Zero uses the server default.")
	_ = cmd.MarkFlagRequired("name")
}

type apiKeyListFlags struct {
	relayFlags
	tableOptions
}

func (flags *apiKeyListFlags) addFlags(cmd *cobra.Command) {
	flags.tableOptions.addFlags(cmd)
}

type apiKeyRevokeFlags struct {
	relayFlags
	keyID string
}

func (flags *apiKeyRevokeFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.keyID, "key", "", "ID of the API key to revoke.")
	_ = cmd.MarkFlagRequired("key")
}

type apiKeyBootstrapFlags struct {
	name string
}

func (flags *apiKeyBootstrapFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.name, "name", "bootstrap", "Name of the bootstrap API key.")
}
