package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/app"
	httpSrv "github.com/jmehdipour/campaign-mailer/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (and the delivery worker when worker.embedded is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(app.Options{Redis: true})
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.Log

		server := httpSrv.NewServer(a.Cfg, httpSrv.Deps{
			Campaigns: a.Service,
			Logs:      a.Logs,
			Queue:     a.Queue,
			Events:    a.CHEvents,
			Redis:     a.Redis,
			Sink:      a.Sink,
			Log:       log,
		})

		if a.Cfg.Worker.Embedded {
			w, err := a.NewDelivery()
			if err != nil {
				return err
			}
			if err := w.Initialize(cmd.Context()); err != nil {
				return err
			}
			w.Start()
			defer w.Stop()
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(a.Cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
