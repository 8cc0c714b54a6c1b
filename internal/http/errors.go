package http

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/treesync/internal/codec"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidMutation), errors.Is(err, codec.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicateID),
		errors.Is(err, codec.ErrVersionMismatch),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, queue.ErrEntryInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with {"error": ...}; internal errors are logged, not echoed.
func writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(status, map[string]string{"error": "internal error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
