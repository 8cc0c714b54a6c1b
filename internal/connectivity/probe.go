package connectivity

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/treesync/internal/logger"
)

// HTTPProbe polls a URL at a fixed interval. The remote is online when the
// request completes with a status below 500.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Log      *zap.Logger
}

func NewHTTPProbe(url string, interval, timeout time.Duration, log *zap.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProbe{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: timeout},
		Log:      logger.OrNop(log),
	}
}

// Check performs a single probe.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	res, err := p.Client.Do(req)
	if err != nil {
		p.Log.Debug("probe failed", zap.String("url", p.URL), zap.Error(err))
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode < http.StatusInternalServerError
}

func (p *HTTPProbe) Run(ctx context.Context, report func(online bool)) error {
	report(p.Check(ctx))

	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			report(p.Check(ctx))
		}
	}
}
