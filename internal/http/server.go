package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/codec"
	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/connectivity"
	"github.com/jmehdipour/treesync/internal/http/middleware"
	"github.com/jmehdipour/treesync/internal/logger"
	"github.com/jmehdipour/treesync/internal/metrics"
	"github.com/jmehdipour/treesync/internal/model"
	"github.com/jmehdipour/treesync/internal/repository"
	"github.com/jmehdipour/treesync/internal/service/queue"
)

// Flusher runs a manual drain cycle.
type Flusher interface {
	Flush(ctx context.Context) model.CycleResult
}

// Deps are the components the API exposes. Outcomes and Redis may be nil.
type Deps struct {
	Queue    *queue.Service
	Engine   Flusher
	Monitor  *connectivity.Monitor
	Codec    *codec.Codec
	Outcomes repository.CHOutcomesRepository
	Redis    *redis.Client
	Log      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.RequestID())

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "treesync:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.GET("/queue/status", queueStatusHandler(d.Queue, d.Monitor))
	v1.GET("/queue/entries", listEntriesHandler(d.Queue))
	v1.POST("/queue/entries", enqueueHandler(d.Queue))
	v1.POST("/queue/entries/:id/retry", retryEntryHandler(d.Queue))
	v1.DELETE("/queue/entries/:id", discardEntryHandler(d.Queue))
	v1.POST("/queue/flush", flushHandler(d.Engine))
	v1.GET("/queue/export", exportHandler(d.Codec))
	v1.POST("/queue/import", importHandler(d.Codec), echoMid.BodyLimit("32M"))
	v1.POST("/connectivity", connectivityHandler(d.Monitor))
	v1.GET("/reports/outcomes", listOutcomesHandler(d.Outcomes))

	return &Server{e: e, log: logger.OrNop(d.Log)}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
