package http

import (
	"fmt"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/treesync/internal/codec"
)

func exportHandler(cd *codec.Codec) echo.HandlerFunc {
	return func(c echo.Context) error {
		a, err := cd.Export(c.Request().Context(), c.QueryParam("description"))
		if err != nil {
			return writeError(c, err)
		}
		if c.QueryParam("download") != "" {
			name := fmt.Sprintf("treesync-queue-%s.json", a.Timestamp.Format("20060102T150405Z"))
			c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
		}
		return c.JSON(http.StatusOK, a)
	}
}

func importHandler(cd *codec.Codec) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "read body failed"})
		}
		n, err := cd.Import(c.Request().Context(), raw)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]int{"imported": n})
	}
}
