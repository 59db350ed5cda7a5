package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/absmach/flock/security"
)

var securityCmd = []cobra.Command{
	{
		Use:   "events",
		Short: "List security events",
		Long:  `List recorded screening rejections, validation failures and byzantine detections.`,
		Run: func(cmd *cobra.Command, args []string) {
			offset, _ := cmd.Flags().GetUint64("offset")
			limit, _ := cmd.Flags().GetUint64("limit")

			var page security.EventPage
			if err := getEntity(fmt.Sprintf("/security/events?offset=%d&limit=%d", offset, limit), &page); err != nil {
				logErrorCmd(*cmd, err)
				return
			}

			logJSONCmd(*cmd, page)
		},
	},
}

func NewSecurityCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "security",
		Short: "Security screening and threat records",
		Long:  ``,
	}

	for i := range securityCmd {
		cmd.AddCommand(&securityCmd[i])
	}

	eventsCmd := &securityCmd[0]
	eventsCmd.Flags().Uint64P("offset", "o", 0, "List offset")
	eventsCmd.Flags().Uint64P("limit", "L", 100, "List limit")

	return &cmd
}
