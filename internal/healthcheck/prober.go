// Package healthcheck mirrors provider quarantine state into metrics. The
// blacklist lives in Redis and changes as the router records failures;
// the prober samples it on an interval so dashboards and alerts see the
// current state without a request in flight.
package healthcheck

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/state"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// Config controls the probe loop.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// Timeout bounds the store reads of one sweep.
	Timeout time.Duration
}

// Prober periodically reads each registered provider's blacklist state
// and publishes it as the providers_blacklisted gauge.
type Prober struct {
	cfg      Config
	registry *provider.Registry
	store    *state.Store
	logger   *slog.Logger
	started  atomic.Bool
}

// NewProber creates a prober over the shared registry and store.
func NewProber(cfg Config, registry *provider.Registry, store *state.Store, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Start begins the probe loop until the context is canceled. Repeated
// calls are no-ops.
func (p *Prober) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// runOnce samples every registered provider. A store failure leaves the
// gauge at its last value rather than guessing.
func (p *Prober) runOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	for _, prov := range p.registry.List() {
		if sweepCtx.Err() != nil {
			return
		}
		name := prov.Name()
		blacklisted, err := p.store.IsBlacklisted(sweepCtx, name)
		if err != nil {
			p.logger.Warn("healthcheck blacklist read failed",
				"provider", name,
				"error", err,
			)
			continue
		}
		if blacklisted {
			metrics.ProvidersBlacklisted.WithLabelValues(name).Set(1)
		} else {
			metrics.ProvidersBlacklisted.WithLabelValues(name).Set(0)
		}
	}
}
