package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listEventsHandler(chRepo repository.CHEventsRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event archive disabled"})
		}

		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad campaign id"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		typ := model.EventType(strings.TrimSpace(c.QueryParam("type")))

		evs, err := chRepo.ListByCampaign(c.Request().Context(), id, typ, limit, offset)
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(evs),
			"items":  evs,
		})
	}
}
