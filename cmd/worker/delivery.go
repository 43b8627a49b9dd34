package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/campaign-mailer/internal/app"
	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/logger"
	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Run the delivery worker: lease work items, send, record outcomes",
	RunE:  runDelivery,
}

func runDelivery(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) connections, queue, repositories, sinks
	a, err := app.New(cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	// 3) providers -> mailer -> worker
	w, err := a.NewDelivery()
	if err != nil {
		return err
	}

	// 4) graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Initialize(ctx); err != nil {
		return err
	}

	log.Info("delivery worker starting",
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("queue", cfg.Queue.Name),
	)
	return w.Run(ctx)
}
