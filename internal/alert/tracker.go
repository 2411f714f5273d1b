package alert

import (
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Tracker maintains a sliding window of recent observations per symbol for
// condition predicates.
type Tracker struct {
	history   map[string][]domain.PricePoint
	latest    map[string]domain.Tick
	window    time.Duration
	maxPoints int
	mu        sync.RWMutex
}

// NewTracker creates a Tracker. Points older than window (relative to the
// newest tick) are discarded, and at most maxPoints are kept per symbol.
func NewTracker(window time.Duration, maxPoints int) *Tracker {
	if window <= 0 {
		window = time.Hour
	}
	if maxPoints <= 0 {
		maxPoints = 500
	}
	return &Tracker{
		history:   make(map[string][]domain.PricePoint),
		latest:    make(map[string]domain.Tick),
		window:    window,
		maxPoints: maxPoints,
	}
}

// Track records a tick and trims the symbol's history. A tick identical to
// the newest point only refreshes the latest quote.
func (t *Tracker) Track(tick domain.Tick) {
	sym := domain.NormalizeSymbol(tick.Symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest[sym] = tick
	hist := t.history[sym]
	if n := len(hist); n > 0 && samePoint(hist[n-1], tick) {
		// A re-polled quote adds no new observation.
		return
	}
	t.history[sym] = append(hist, domain.PricePoint{
		Price:     tick.LastPrice,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	})
	t.trim(sym, tick.Timestamp)
}

func samePoint(p domain.PricePoint, tick domain.Tick) bool {
	if !p.Timestamp.Equal(tick.Timestamp) || p.Price != tick.LastPrice {
		return false
	}
	if p.Volume == nil || tick.Volume == nil {
		return p.Volume == tick.Volume
	}
	return *p.Volume == *tick.Volume
}

// History returns a copy of the symbol's window, oldest first.
func (t *Tracker) History(symbol string) []domain.PricePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src := t.history[domain.NormalizeSymbol(symbol)]
	if len(src) == 0 {
		return nil
	}
	out := make([]domain.PricePoint, len(src))
	copy(out, src)
	return out
}

// Context builds the MarketContext for symbol. ok is false when no tick has
// been seen for it.
func (t *Tracker) Context(symbol string) (mc domain.MarketContext, ok bool) {
	sym := domain.NormalizeSymbol(symbol)

	t.mu.RLock()
	defer t.mu.RUnlock()

	latest, ok := t.latest[sym]
	if !ok {
		return domain.MarketContext{}, false
	}
	hist := make([]domain.PricePoint, len(t.history[sym]))
	copy(hist, t.history[sym])
	return domain.MarketContext{Symbol: sym, Latest: latest, History: hist}, true
}

// trim removes points older than the window and beyond maxPoints.
// The caller must hold t.mu.
func (t *Tracker) trim(symbol string, now time.Time) {
	cutoff := now.Add(-t.window)
	pts := t.history[symbol]

	i := 0
	for i < len(pts) && pts[i].Timestamp.Before(cutoff) {
		i++
	}
	if over := len(pts) - i - t.maxPoints; over > 0 {
		i += over
	}
	if i > 0 {
		t.history[symbol] = append([]domain.PricePoint(nil), pts[i:]...)
	}
}
