package main

import (
	"github.com/spf13/cobra"

	"github.com/relaycore/relay/internal/store"
)

func newCmdSchema() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manipulate the schema used by the relay server.",
	}

	cmd.PersistentFlags().String("database", "sqlite://relay.db", "The database backing the relay server.")

	cmd.AddCommand(newCmdSchemaMigrate())

	return cmd
}

func sqlStore(command *cobra.Command) (*store.SQLStore, error) {
	database, _ := command.Flags().GetString("database")
	sqlStore, err := store.New(database, logger)
	if err != nil {
		return nil, err
	}

	return sqlStore, nil
}

func newCmdSchemaMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the schema to the latest supported version.",
		RunE: func(command *cobra.Command, args []string) error {
			command.SilenceUsage = true

			sqlStore, err := sqlStore(command)
			if err != nil {
				return err
			}

			return sqlStore.Migrate()
		},
	}
}
