package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/kafka"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Pipeline event stream",
}

var (
	tailCampaignID int64
	tailFromStart  bool
	tailGroup      string
)

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print pipeline events from the Kafka events topic as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.EventsTopic == "" {
			return fmt.Errorf("kafka.brokers and kafka.events_topic are required")
		}

		start := kafka.LastOffset
		if tailFromStart {
			start = kafka.FirstOffset
		}
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.EventsTopic,
			GroupID:        tailGroup,
			StartOffset:    start,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := json.NewEncoder(os.Stdout)
		return consumer.Consume(ctx, func(m kafka.Message) error {
			var e model.DeliveryEvent
			if err := json.Unmarshal(m.Value, &e); err != nil {
				fmt.Fprintf(os.Stderr, "skip undecodable event at offset %d: %v\n", m.Offset, err)
				return nil
			}
			if tailCampaignID > 0 && e.CampaignID != tailCampaignID {
				return nil
			}
			return out.Encode(e)
		})
	},
}

func init() {
	eventsTailCmd.Flags().Int64Var(&tailCampaignID, "campaign", 0, "only print events of this campaign")
	eventsTailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "read the topic from the first offset")
	eventsTailCmd.Flags().StringVar(&tailGroup, "group", "", "consumer group (empty = no offsets committed)")
	eventsCmd.AddCommand(eventsTailCmd)
}
