package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/http/middleware"
	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"github.com/jmehdipour/campaign-mailer/internal/service/campaign"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CampaignService is what the admin routes drive.
type CampaignService interface {
	DispatchCampaign(ctx context.Context, campaignID int64, credential string) (campaign.DispatchResult, error)
	StopCampaign(ctx context.Context, campaignID int64) error
	Progress(ctx context.Context, campaignID int64) (campaign.Progress, error)
	ClearQueue(ctx context.Context) (int64, error)
	CompensateQueued(ctx context.Context, campaignID int64, reason string) (int64, error)
}

// Deps are the collaborators wired by the serve command.
type Deps struct {
	Campaigns CampaignService
	Logs      repository.DeliveryLogsRepository
	Queue     queue.Queue
	// Events is nil when the ClickHouse archive is disabled.
	Events repository.CHEventsRepository
	Redis  *redis.Client
	Sink   events.Sink
	Log    *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Sink == nil {
		d.Sink = events.Nop()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	log := d.Log.Named("http")

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), requestLogger(log))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", healthHandler(d.Queue))

	// middlewares
	authMW := middleware.AdminKeyMiddleware(cfg.Admin.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:admin:",
		KeyFunc:        middleware.AdminKeyFromCtx,
		Window:         time.Second,
		RetryAfterHint: true,
	})
	trackRL := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:      d.Redis,
		DefaultRPS: cfg.RateLimit.TrackingRPS,
		KeyPrefix:  "rl:track:",
		KeyFunc:    func(c echo.Context) string { return c.RealIP() },
		Window:     time.Second,
	})

	// admin routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/campaigns/:id/send", sendCampaignHandler(d.Campaigns, log))
	v1.POST("/campaigns/:id/stop", stopCampaignHandler(d.Campaigns, log))
	v1.GET("/campaigns/:id/progress", progressHandler(d.Campaigns, log))
	v1.GET("/campaigns/:id/events", listEventsHandler(d.Events, log))
	v1.DELETE("/queue", clearQueueHandler(d.Campaigns, log))
	v1.GET("/queue/stats", queueStatsHandler(d.Queue, log))

	// tracking routes, hit by mail clients
	t := e.Group("/t", trackRL)
	t.GET("/open/:trackingId", openPixelHandler(d.Logs, d.Sink, log))
	t.POST("/click", clickHandler(d.Logs, d.Sink, log))

	return &Server{e: e, log: log}
}

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}

func healthHandler(q queue.Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := q.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "queue": err.Error()})
			}
		}
		return c.String(http.StatusOK, "ok")
	}
}
