package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/treesync/internal/config"
	"github.com/jmehdipour/treesync/internal/model"
)

// Remote delivers one queued mutation to the remote service.
// Errors are *SyncError (or wrap one) so callers can Classify them.
type Remote interface {
	Apply(ctx context.Context, entry model.QueueEntry) error
}

// Dispatcher round-robins entries across healthy providers.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

var _ Remote = (*Dispatcher)(nil)

func NewDispatcher(provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}
}

// FromConfig builds HTTP providers for every enabled entry of cfg.
func FromConfig(cfg config.RemoteConfig) (*Dispatcher, error) {
	var provs []Provider
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("remote provider %q: base_url is required", pc.Name)
		}
		provs = append(provs, NewHTTPProvider(pc.Name, pc.BaseURL, pc.TimeoutMs, pc.Breaker.FailThreshold, pc.Breaker.OpenForMs))
	}
	if len(provs) == 0 {
		return nil, errors.New("no enabled remote providers")
	}
	return NewDispatcher(provs, cfg.MaxAttempts), nil
}

func (d *Dispatcher) Providers() []Provider { return d.providers }

// selectProvider round-robins over ready providers not yet tried for this call.
func (d *Dispatcher) selectProvider(tried map[string]bool) (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() && !tried[p.Name()] {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

// Apply tries up to maxAttempts distinct providers, each at most once, so one
// call never hits the same endpoint twice. Permanent rejections are not retried.
func (d *Dispatcher) Apply(ctx context.Context, entry model.QueueEntry) error {
	tried := make(map[string]bool, d.maxAttempts)
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		p, err := d.selectProvider(tried)
		if err != nil {
			if last == nil {
				last = Transient(err)
			}
			break
		}
		tried[p.Name()] = true
		if !p.Acquire() {
			last = Transient(ErrNoAcquire)
			continue
		}

		err = p.Apply(ctx, entry)
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
	}
	return last
}
