package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/platform/marketdata"
)

// QuoteFetcher is the request/response data source.
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, symbols []string) (marketdata.QuoteBatch, error)
}

// PollerConfig tunes the fallback poller.
type PollerConfig struct {
	Interval time.Duration
	// RateLimit and RateWindow cap fetches across all instances sharing the
	// limiter. Zero disables the check.
	RateLimit  int
	RateWindow time.Duration
	DedupTTL   time.Duration
}

// Poller periodically fetches quotes for every registered symbol and
// dispatches them as one batch. Active decides whether a pass runs; in
// streaming mode it is "not connected".
type Poller struct {
	fetcher    QuoteFetcher
	registry   *Registry
	dispatcher *Dispatcher
	limiter    domain.RateLimiter
	dedup      *Dedup
	active     func() bool
	cfg        PollerConfig
	logger     *slog.Logger
}

const pollRateKey = "quotes"

// NewPoller creates a Poller. limiter and active may be nil; a nil active
// polls on every tick.
func NewPoller(fetcher QuoteFetcher, registry *Registry, dispatcher *Dispatcher, limiter domain.RateLimiter, active func() bool, clock Clock, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if active == nil {
		active = func() bool { return true }
	}
	return &Poller{
		fetcher:    fetcher,
		registry:   registry,
		dispatcher: dispatcher,
		limiter:    limiter,
		dedup:      NewDedup(cfg.DedupTTL, clock),
		active:     active,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "feed_poller")),
	}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", slog.Duration("interval", p.cfg.Interval))
	defer p.logger.Info("poller stopped")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(p.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			p.dedup.Cleanup()
		case <-ticker.C:
			if !p.active() {
				continue
			}
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.Warn("poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce runs a single fetch-and-dispatch pass and returns the number of
// ticks delivered. Quotes unchanged since an earlier poll are not delivered
// again but are still evaluated.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	symbols := p.registry.Symbols()
	if len(symbols) == 0 {
		return 0, nil
	}

	if p.limiter != nil && p.cfg.RateLimit > 0 {
		ok, err := p.limiter.Allow(ctx, pollRateKey, p.cfg.RateLimit, p.cfg.RateWindow)
		if err != nil {
			return 0, fmt.Errorf("feed: poll: rate limiter: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("feed: poll: %w", domain.ErrRateLimited)
		}
	}

	batch, err := p.fetcher.FetchQuotes(ctx, symbols)
	if err != nil {
		return 0, fmt.Errorf("feed: poll: %w", err)
	}
	for _, rerr := range batch.Rejected {
		p.dispatcher.Reject(rerr)
	}

	if len(batch.Ticks) == 0 {
		return 0, nil
	}
	return p.dispatcher.DispatchPolled(ctx, batch.Ticks, p.dedup.IsDuplicate), nil
}
