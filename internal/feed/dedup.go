package feed

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Dedup suppresses ticks already seen within a TTL window. The poller uses
// it so re-fetching an unchanged quote does not deliver it twice. It is
// safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // tick key -> last seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a tick as a duplicate if the same
// key was seen within ttl.
func NewDedup(ttl time.Duration, clock Clock) *Dedup {
	if clock == nil {
		clock = SystemClock()
	}
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  clock.Now,
	}
}

// TickKey identifies a quote by symbol, source timestamp and price.
func TickKey(t domain.Tick) string {
	return fmt.Sprintf("%s|%d|%g", t.Symbol, t.Timestamp.UnixNano(), t.LastPrice)
}

// IsDuplicate returns true if t has been seen within the TTL window. If not
// (or if it expired), it is recorded and false is returned.
func (d *Dedup) IsDuplicate(t domain.Tick) bool {
	key := TickKey(t)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
