package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/absmach/flock/cli"
)

func main() {
	var coordinatorURL string

	rootCmd := &cobra.Command{
		Use:   "flock-cli",
		Short: "Federated learning coordination CLI",
		Long:  `flock-cli manages training jobs, clients and security records on a flock coordinator.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cli.SetCoordinatorURL(coordinatorURL)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&coordinatorURL, "coordinator-url", "u", "http://localhost:8080", "Coordinator HTTP API address")

	rootCmd.AddCommand(cli.NewJobsCmd())
	rootCmd.AddCommand(cli.NewClientsCmd())
	rootCmd.AddCommand(cli.NewSecurityCmd())
	rootCmd.AddCommand(cli.NewProvisionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
