package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
)

func listOutcomesHandler(chRepo repository.CHOutcomesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusNotImplemented, map[string]string{"error": "outcome history is not configured"})
		}

		f := repository.OutcomeFilter{
			Collection: strings.TrimSpace(c.QueryParam("collection")),
			DocumentID: strings.TrimSpace(c.QueryParam("documentId")),
			Limit:      50,
		}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}
		switch o := model.Outcome(strings.TrimSpace(c.QueryParam("outcome"))); o {
		case model.OutcomeSynced, model.OutcomeRetry, model.OutcomeFailed:
			f.Outcome = o
		}

		outcomes, err := chRepo.ListOutcomes(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(outcomes),
			"results": outcomes,
		})
	}
}
