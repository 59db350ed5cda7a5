package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/absmach/flock/clients"
)

var clientsCmd = []cobra.Command{
	{
		Use:   "register <JSON_client>",
		Short: "Register a training client",
		Long: `Register a training client from a JSON definition, for example:
{"client_type":"edge-gateway","capabilities":{"compute_tier":"medium","memory_mb":2048,"encrypted_comms":true},"data":{"num_samples":5000,"num_features":32,"quality":0.9}}`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			var c clients.Client
			if err := json.Unmarshal([]byte(args[0]), &c); err != nil {
				logErrorCmd(*cmd, fmt.Errorf("invalid client definition: %w", err))
				return
			}

			data, err := request(http.MethodPost, "/clients", c)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			var registered clients.Client
			if err := unmarshalEntity(data, &registered); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logCreatedCmd(*cmd, registered.ID)
			logJSONCmd(*cmd, registered)
		},
	},
	{
		Use:   "get <client_id>",
		Short: "Get a training client",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			var c clients.Client
			if err := getEntity("/clients/"+args[0], &c); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, c)
		},
	},
	{
		Use:   "list",
		Short: "List training clients",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetUint64("offset")
			limit, _ := cmd.Flags().GetUint64("limit")

			var page clients.ClientPage
			if err := getEntity(fmt.Sprintf("/clients?offset=%d&limit=%d", offset, limit), &page); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, page)
		},
	},
	{
		Use:   "unregister <client_id>",
		Short: "Unregister a training client",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)
				return
			}

			if _, err := request(http.MethodDelete, "/clients/"+args[0], nil); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logOKCmd(*cmd, "client unregistered")
		},
	},
}

func NewClientsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "clients",
		Short: "Federated training clients",
		Long:  ``,
	}

	for i := range clientsCmd {
		cmd.AddCommand(&clientsCmd[i])
	}

	listCmd := &clientsCmd[2]
	listCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	listCmd.Flags().Uint64P("limit", "L", 100, "List limit")

	return &cmd
}
