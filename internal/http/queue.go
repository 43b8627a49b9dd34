package http

import (
	"net/http"
	"strconv"

	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// clearQueueHandler drops every pending item. With compensate=true the delivery log rows
// left queued are marked failed so their campaigns can complete.
func clearQueueHandler(svc CampaignService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		compensate, _ := strconv.ParseBool(c.QueryParam("compensate"))
		var campaignID int64
		if v := c.QueryParam("campaign_id"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign_id"})
			}
			campaignID = n
		}

		cleared, err := svc.ClearQueue(ctx)
		if err != nil {
			return writeServiceError(c, log, "clear queue", err)
		}

		resp := map[string]any{"cleared": cleared}
		if compensate {
			failed, err := svc.CompensateQueued(ctx, campaignID, "abandoned: queue cleared by operator")
			if err != nil {
				return writeServiceError(c, log, "compensate", err)
			}
			resp["compensated"] = failed
		}

		return c.JSON(http.StatusOK, resp)
	}
}

func queueStatsHandler(q queue.Queue, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := q.Stats(c.Request().Context())
		if err != nil {
			log.Error("queue stats failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		}
		return c.JSON(http.StatusOK, st)
	}
}
