package cli

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	flock "github.com/absmach/flock"
	"github.com/absmach/flock/security"
)

func NewProvisionCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "provision",
		Short: "Generate a flock TOML configuration",
		Long: `Interactively collect messaging identities for the coordinator, proxy and a
training client, generate a shared model encryption key and write config.toml.`,
		Run: func(cmd *cobra.Command, args []string) {
			output, _ := cmd.Flags().GetString("output")

			var (
				domainID   string
				channelID  string
				coordID    string
				coordKey   string
				clientID   string
				clientKey  string
				proxyID    string
				proxyKey   string
				genModelKey = true
				modelKey    string
			)

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Messaging domain ID").
						Value(&domainID).
						Validate(required("domain ID")),
					huh.NewInput().
						Title("Messaging channel ID").
						Value(&channelID).
						Validate(required("channel ID")),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Coordinator client ID").
						Value(&coordID).
						Validate(required("coordinator client ID")),
					huh.NewInput().
						Title("Coordinator client key").
						EchoMode(huh.EchoModePassword).
						Value(&coordKey),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Training client ID").
						Value(&clientID),
					huh.NewInput().
						Title("Training client key").
						EchoMode(huh.EchoModePassword).
						Value(&clientKey),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Proxy client ID").
						Value(&proxyID),
					huh.NewInput().
						Title("Proxy client key").
						EchoMode(huh.EchoModePassword).
						Value(&proxyKey),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Generate a fresh AES-256 model key?").
						Value(&genModelKey),
				),
			)

			if err := form.Run(); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			if genModelKey {
				key := make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					logErrorCmd(*cmd, fmt.Errorf("failed to generate model key: %w", err))
					return
				}
				modelKey = hex.EncodeToString(key)
			}

			cfg := flock.Config{
				Coordinator: flock.CoordinatorConfig{
					DomainID:  domainID,
					ClientID:  coordID,
					ClientKey: coordKey,
					ChannelID: channelID,
					ModelKey:  modelKey,
				},
				Client: flock.ClientConfig{
					DomainID:  domainID,
					ClientID:  clientID,
					ClientKey: clientKey,
					ChannelID: channelID,
					ModelKey:  modelKey,
				},
				Proxy: flock.ProxyConfig{
					DomainID:  domainID,
					ClientID:  proxyID,
					ClientKey: proxyKey,
					ChannelID: channelID,
					ModelKey:  modelKey,
				},
				// The full section is written out so operators edit thresholds
				// in place instead of guessing field names.
				Security: security.DefaultConfig(),
			}

			if err := flock.SaveConfig(output, &cfg); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logOKCmd(*cmd, fmt.Sprintf("configuration written to %s", output))
		},
	}

	cmd.Flags().StringP("output", "f", "config.toml", "Path of the generated configuration file")

	return &cmd
}

func required(field string) func(string) error {
	return func(s string) error {
		if s == "" {
			return errors.New(field + " is required")
		}

		return nil
	}
}
