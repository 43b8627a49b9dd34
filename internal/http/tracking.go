package http

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/render"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// 1x1 transparent PNG
var pixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

// openPixelHandler records an open and always answers with the pixel, so a mail client
// never shows a broken image.
func openPixelHandler(logs repository.DeliveryLogsRepository, sink events.Sink, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		trackingID := c.Param("trackingId")
		campaignID, contactID, ok := render.ParseTrackingID(trackingID)

		if ok {
			ctx := c.Request().Context()
			now := time.Now()
			first, err := logs.MarkOpened(ctx, trackingID, now)
			switch {
			case err != nil:
				log.Warn("mark opened", zap.String("tracking_id", trackingID), zap.Error(err))
			case first:
				sink.Emit(ctx, model.DeliveryEvent{
					Type:       model.EventItemOpened,
					CampaignID: campaignID,
					ContactID:  contactID,
					TrackingID: trackingID,
					At:         now,
				})
			}
		}

		c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		return c.Blob(http.StatusOK, "image/png", pixelPNG)
	}
}

type clickReq struct {
	CampaignID int64 `json:"campaign_id"`
	ContactID  int64 `json:"contact_id"`
}

func clickHandler(logs repository.DeliveryLogsRepository, sink events.Sink, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req clickReq
		if err := c.Bind(&req); err != nil || req.CampaignID <= 0 || req.ContactID <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "campaign_id and contact_id are required"})
		}

		ctx := c.Request().Context()
		now := time.Now()
		n, err := logs.MarkClicked(ctx, req.CampaignID, req.ContactID, now)
		if err != nil {
			log.Error("mark clicked", zap.Int64("campaign_id", req.CampaignID), zap.Int64("contact_id", req.ContactID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if n > 0 {
			sink.Emit(ctx, model.DeliveryEvent{
				Type:       model.EventItemClicked,
				CampaignID: req.CampaignID,
				ContactID:  req.ContactID,
				Count:      n,
				At:         now,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{"tracked": n > 0})
	}
}
