package http

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/treesync/internal/connectivity"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/service/queue"
)

type statusResponse struct {
	connectivity.Status
	ByStatus map[model.Status]int `json:"byStatus"`
}

func queueStatusHandler(svc *queue.Service, mon *connectivity.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := mon.Refresh(ctx); err != nil {
			return writeError(c, err)
		}
		stats, err := svc.Stats(ctx)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, statusResponse{Status: mon.Status(), ByStatus: stats})
	}
}

func listEntriesHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var st model.Status
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st = model.Status(strings.ToLower(raw))
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
		}
		entries, err := svc.List(c.Request().Context(), st)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(entries),
			"results": entries,
		})
	}
}

func enqueueHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var m model.Mutation
		if err := c.Bind(&m); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid json"})
		}
		if a, ok := model.ParseAction(string(m.Action)); ok {
			m.Action = a
		}
		entry, err := svc.Enqueue(c.Request().Context(), m)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, entry)
	}
}

func retryEntryHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.Retry(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func discardEntryHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.Discard(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func flushHandler(engine Flusher) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine.Flush(c.Request().Context()))
	}
}

func connectivityHandler(mon *connectivity.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Online *bool `json:"online"`
		}
		if err := c.Bind(&req); err != nil || req.Online == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be {\"online\": bool}"})
		}
		mon.Set(*req.Online)
		return c.JSON(http.StatusOK, mon.Status())
	}
}
