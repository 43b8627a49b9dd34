package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/campaign-mailer/internal/service/campaign"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type sendReq struct {
	// Credential is forwarded to providers that send on the operator's behalf.
	Credential string `json:"credential"`
}

func campaignIDParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// writeServiceError maps campaign service errors onto HTTP statuses.
func writeServiceError(c echo.Context, log *zap.Logger, op string, err error) error {
	var de *campaign.DispatchError
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
	case errors.Is(err, campaign.ErrEmptyRecipientSet):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "campaign has no recipients"})
	case errors.Is(err, campaign.ErrCampaignNotDraft):
		return c.JSON(http.StatusConflict, map[string]string{"error": "campaign is not a draft"})
	case errors.Is(err, campaign.ErrCampaignNotSending):
		return c.JSON(http.StatusConflict, map[string]string{"error": "campaign is not sending"})
	case errors.As(err, &de):
		log.Error(op+" failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error":  "dispatch incomplete",
			"queued": de.Queued,
		})
	}

	log.Error(op+" failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func sendCampaignHandler(svc CampaignService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		var req sendReq
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}
		}

		res, err := svc.DispatchCampaign(c.Request().Context(), id, strings.TrimSpace(req.Credential))
		if err != nil {
			return writeServiceError(c, log, "dispatch", err)
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"campaign_id": id,
			"queued":      res.Queued,
		})
	}
}

func stopCampaignHandler(svc CampaignService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		if err := svc.StopCampaign(c.Request().Context(), id); err != nil {
			return writeServiceError(c, log, "stop", err)
		}
		return c.JSON(http.StatusOK, map[string]any{"campaign_id": id, "status": "draft"})
	}
}

func progressHandler(svc CampaignService, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		p, err := svc.Progress(c.Request().Context(), id)
		if err != nil {
			return writeServiceError(c, log, "progress", err)
		}
		return c.JSON(http.StatusOK, p)
	}
}
