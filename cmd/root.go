package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/campaign-mailer/cmd/worker"
	"github.com/jmehdipour/campaign-mailer/internal/app"
	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:          "campaign-mailer",
		Short:        "Email campaign send pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real environment variables win
			_ = godotenv.Load()
			return nil
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// loadApp reads config, initialises the logger and builds the object graph.
func loadApp(opts app.Options) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level)

	a, err := app.New(cfg, log, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}
