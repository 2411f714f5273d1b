package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/alert"
	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

// PriceService keeps the latest tick for watched symbols. Ticks land in an
// in-process map synchronously; the shared cache and tick channels are
// written by Run so a slow Redis never stalls dispatch.
type PriceService struct {
	cache  domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger

	consumer *feed.Consumer
	pending  chan domain.Tick

	mu      sync.RWMutex
	latest  map[string]domain.Tick
	handles map[string]func()
}

// NewPriceService creates a PriceService. cache and bus may be nil.
func NewPriceService(cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceService {
	s := &PriceService{
		cache:   cache,
		bus:     bus,
		logger:  logger.With(slog.String("component", "price_service")),
		pending: make(chan domain.Tick, 1024),
		latest:  make(map[string]domain.Tick),
		handles: make(map[string]func()),
	}
	s.consumer = feed.NewConsumer("price_service", s.record)
	return s
}

// Watch subscribes to symbols not already watched.
func (s *PriceService) Watch(sub alert.Subscriber, symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, ok := s.handles[sym]; ok {
			continue
		}
		s.handles[sym] = sub.Subscribe(sym, s.consumer)
	}
}

// Unwatch releases every watchlist subscription.
func (s *PriceService) Unwatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, unsub := range s.handles {
		unsub()
		delete(s.handles, sym)
	}
}

// Watched returns the sorted watchlist.
func (s *PriceService) Watched() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handles))
	for sym := range s.handles {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *PriceService) record(t domain.Tick) {
	t.Symbol = domain.NormalizeSymbol(t.Symbol)
	s.mu.Lock()
	if prev, ok := s.latest[t.Symbol]; ok && t.Timestamp.Before(prev.Timestamp) {
		s.mu.Unlock()
		return
	}
	s.latest[t.Symbol] = t
	s.mu.Unlock()

	if s.cache == nil && s.bus == nil {
		return
	}
	select {
	case s.pending <- t:
	default:
		s.logger.Warn("write-through queue full, dropping tick", slog.String("symbol", t.Symbol))
	}
}

// Run writes recorded ticks to the cache and bus until ctx is cancelled.
func (s *PriceService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.pending:
			s.writeThrough(ctx, t)
		}
	}
}

func (s *PriceService) writeThrough(ctx context.Context, t domain.Tick) {
	if s.cache != nil {
		if err := s.cache.SetTick(ctx, t); err != nil {
			s.logger.WarnContext(ctx, "cache tick failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"type": "tick", "payload": t})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelTickPrefix+t.Symbol, payload); err != nil {
		s.logger.WarnContext(ctx, "publish tick failed",
			slog.String("symbol", t.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// Latest returns the in-process tick for symbol.
func (s *PriceService) Latest(symbol string) (domain.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.latest[domain.NormalizeSymbol(symbol)]
	return t, ok
}

// Quotes returns the latest known tick for each symbol. In-process values
// win; symbols this instance has not seen are looked up in the shared
// cache. Unknown symbols are omitted.
func (s *PriceService) Quotes(ctx context.Context, symbols []string) (map[string]domain.Tick, error) {
	out := make(map[string]domain.Tick, len(symbols))
	var missing []string
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if t, ok := s.Latest(sym); ok {
			out[sym] = t
			continue
		}
		missing = append(missing, sym)
	}
	if len(missing) == 0 || s.cache == nil {
		return out, nil
	}

	cached, err := s.cache.GetTicks(ctx, missing)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return out, fmt.Errorf("price_service: get cached ticks: %w", err)
	}
	for sym, t := range cached {
		out[sym] = t
	}
	return out, nil
}
