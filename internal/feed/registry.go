package feed

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/platform/marketdata"
)

// Consumer is a registration handle. Identity is the pointer: registering
// the same *Consumer twice for a symbol counts once.
type Consumer struct {
	name string
	fn   func(domain.Tick)
}

// NewConsumer wraps fn in a handle. name only appears in logs.
func NewConsumer(name string, fn func(domain.Tick)) *Consumer {
	return &Consumer{name: name, fn: fn}
}

// Name returns the consumer's log name.
func (c *Consumer) Name() string { return c.name }

// ControlSender delivers subscribe/unsubscribe messages to the server.
type ControlSender interface {
	Send(msg any) error
	Connected() bool
}

// Registry maps symbols to consumer sets and keeps the server-side
// subscription in step: the first consumer for a symbol subscribes, the
// last one leaving unsubscribes.
type Registry struct {
	sender ControlSender
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Consumer]struct{}
	// sent holds symbols subscribed on the current connection.
	sent map[string]bool
}

// NewRegistry creates an empty registry. sender may be nil when there is
// no streaming connection (polling only).
func NewRegistry(sender ControlSender, logger *slog.Logger) *Registry {
	return &Registry{
		sender: sender,
		logger: logger.With(slog.String("component", "feed_registry")),
		subs:   make(map[string]map[*Consumer]struct{}),
		sent:   make(map[string]bool),
	}
}

// Subscribe adds c to symbol's consumer set and returns a disposer that
// removes it. The disposer is safe to call more than once.
func (r *Registry) Subscribe(symbol string, c *Consumer) (unsubscribe func()) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" || c == nil {
		r.logger.Warn("ignoring subscription without symbol or consumer")
		return func() {}
	}

	r.mu.Lock()
	set, ok := r.subs[symbol]
	if !ok {
		set = make(map[*Consumer]struct{})
		r.subs[symbol] = set
	}
	set[c] = struct{}{}
	if !ok {
		r.sendLocked(marketdata.TypeSubscribe, symbol)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(symbol, c) })
	}
}

func (r *Registry) remove(symbol string, c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[symbol]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) > 0 {
		return
	}

	delete(r.subs, symbol)
	if r.sent[symbol] {
		delete(r.sent, symbol)
		if r.sender != nil && r.sender.Connected() {
			if err := r.sender.Send(marketdata.ControlMessage{Type: marketdata.TypeUnsubscribe, Symbol: symbol}); err != nil {
				r.logger.Warn("unsubscribe failed",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sendLocked sends a subscribe for symbol when connected. A symbol that
// could not be sent stays pending until Resubscribe. Caller must hold r.mu.
func (r *Registry) sendLocked(msgType, symbol string) {
	if r.sender == nil || !r.sender.Connected() {
		return
	}
	if err := r.sender.Send(marketdata.ControlMessage{Type: msgType, Symbol: symbol}); err != nil {
		r.logger.Warn("subscribe failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	r.sent[symbol] = true
}

// Resubscribe sends a subscribe for every symbol not yet subscribed on the
// current connection. It is hooked to ConnManager.OnConnected.
func (r *Registry) Resubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, symbol := range r.symbolsLocked() {
		if r.sent[symbol] {
			continue
		}
		r.sendLocked(marketdata.TypeSubscribe, symbol)
		if r.sent[symbol] {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("resubscribed symbols", slog.Int("count", n))
	}
}

// Reset forgets which symbols were subscribed on the connection. It is
// hooked to ConnManager.OnDisconnected.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sent)
}

// Consumers returns a snapshot of symbol's consumers.
func (r *Registry) Consumers(symbol string) []*Consumer {
	symbol = domain.NormalizeSymbol(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subs[symbol]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Consumer, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Symbols returns every symbol with at least one consumer, sorted.
func (r *Registry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbolsLocked()
}

func (r *Registry) symbolsLocked() []string {
	out := make([]string, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
