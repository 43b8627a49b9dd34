package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jmehdipour/campaign-mailer/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear the delivery queue",
}

var (
	clearCompensate bool
	clearCampaignID int64
)

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending work item (optionally marking their delivery logs failed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		n, err := a.Service.ClearQueue(ctx)
		if err != nil {
			return err
		}
		a.Log.Info("queue cleared", zap.Int64("items", n))

		if !clearCompensate {
			a.Log.Warn("delivery logs of dropped items stay queued; rerun with --compensate to fail them")
			return nil
		}

		failed, err := a.Service.CompensateQueued(ctx, clearCampaignID, "abandoned: queue cleared by operator")
		if err != nil {
			return err
		}
		a.Log.Info("queued delivery logs failed", zap.Int64("rows", failed), zap.Int64("campaign_id", clearCampaignID))
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Queue.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	queueClearCmd.Flags().BoolVar(&clearCompensate, "compensate", false, "mark delivery logs left queued as failed")
	queueClearCmd.Flags().Int64Var(&clearCampaignID, "campaign", 0, "limit compensation to one campaign (0 = all)")
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
