package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaycore/relay/model"
)

const defaultLocalServerAPI = "http://localhost:8085"

func init() {
	// Any flag can also be supplied as a RELAY_* environment variable, such
	// as RELAY_API_KEY or RELAY_SERVER_SECRET.
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setRelayFlags(command *cobra.Command) {
	command.PersistentFlags().String("server", defaultLocalServerAPI, "The relay server whose API will be queried.")
	command.PersistentFlags().String("api-key", "", "The API key used to authenticate against the relay server. Defaults to the RELAY_API_KEY environment variable.")
	command.PersistentFlags().Bool("dry-run", false, "When set to true, only print the API request without sending it.")
}

type relayFlags struct {
	serverAddress string
	apiKey        string
	dryRun        bool
}

func (flags *relayFlags) addFlags(command *cobra.Command) {
	flags.serverAddress, _ = command.Flags().GetString("server")
	flags.apiKey, _ = command.Flags().GetString("api-key")
	flags.dryRun, _ = command.Flags().GetBool("dry-run")

	if flags.apiKey == "" {
		flags.apiKey = viper.GetString("api-key")
	}
}

func createClient(flags relayFlags) *model.Client {
	return model.NewClient(flags.serverAddress, flags.apiKey)
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "    ")
	return encoder.Encode(data)
}

func runDryRun(request interface{}) error {
	return printJSON(request)
}

type pagingFlags struct {
	page           int
	perPage        int
	includeDeleted bool
}

func (flags *pagingFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flags.page, "page", 0, "The page to fetch, starting at 0.")
	cmd.Flags().IntVar(&flags.perPage, "per-page", 100, "The number of objects to fetch per page.")
	cmd.Flags().BoolVar(&flags.includeDeleted, "include-deleted", false, "Whether to include deleted objects.")
}

func getPaging(flags pagingFlags) model.Paging {
	return model.Paging{
		Page:           flags.page,
		PerPage:        flags.perPage,
		IncludeDeleted: flags.includeDeleted,
	}
}

type tableOptions struct {
	outputToTable bool
}

func (flags *tableOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flags.outputToTable, "table", false, "Whether to display the returned output list as a table or not.")
}

func printTable(columnNames []string, values [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(columnNames)

	for _, v := range values {
		table.Append(v)
	}
	table.Render()
}
