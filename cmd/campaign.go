package cmd

import (
	"fmt"
	"strconv"

	"github.com/jmehdipour/campaign-mailer/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign operations",
}

var sendCredential string

var campaignSendCmd = &cobra.Command{
	Use:   "send <id>",
	Short: "Dispatch a draft campaign onto the delivery queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid campaign id %q", args[0])
		}

		a, err := loadApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Service.DispatchCampaign(cmd.Context(), id, sendCredential)
		if err != nil {
			return err
		}
		a.Log.Info("campaign dispatched", zap.Int64("campaign_id", id), zap.Int("queued", res.Queued))
		return nil
	},
}

var campaignStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Move a sending campaign back to draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid campaign id %q", args[0])
		}

		a, err := loadApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Service.StopCampaign(cmd.Context(), id)
	},
}

func init() {
	campaignSendCmd.Flags().StringVar(&sendCredential, "credential", "", "bearer credential forwarded to http providers")
	campaignCmd.AddCommand(campaignSendCmd)
	campaignCmd.AddCommand(campaignStopCmd)
}
