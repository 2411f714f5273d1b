package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

// Notifier receives the triggers produced by one evaluation pass.
type Notifier interface {
	Notify(ctx context.Context, events []domain.TriggerEvent) error
}

// ConditionEvaluator decides whether a condition rule holds.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, rule domain.ConditionRule, mc domain.MarketContext) (bool, error)
}

// Subscriber is the part of the feed registry the engine needs.
type Subscriber interface {
	Subscribe(symbol string, c *feed.Consumer) (unsubscribe func())
}

// Engine advances rules from pending to triggered as ticks arrive. It holds
// a registry subscription for every symbol with an active pending rule so
// those symbols keep flowing.
type Engine struct {
	store      *Store
	conditions ConditionEvaluator
	notifier   Notifier
	tracker    *Tracker
	now        func() time.Time
	logger     *slog.Logger

	consumer *feed.Consumer

	subMu      sync.Mutex
	subscriber Subscriber
	handles    map[string]func()

	recentMu    sync.Mutex
	recent      []domain.TriggerEvent
	recentLimit int
}

// NewEngine creates an Engine. conditions and notifier may be nil; without
// conditions every condition rule stays pending.
func NewEngine(store *Store, conditions ConditionEvaluator, notifier Notifier, tracker *Tracker, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if tracker == nil {
		tracker = NewTracker(time.Hour, 500)
	}
	return &Engine{
		store:      store,
		conditions: conditions,
		notifier:   notifier,
		tracker:    tracker,
		now:        now,
		logger:     logger.With(slog.String("component", "alert_engine")),
		// Delivery only keeps the symbol subscribed; the batch is evaluated
		// once in EvaluateBatch.
		consumer:    feed.NewConsumer("alert_engine", func(domain.Tick) {}),
		handles:     make(map[string]func()),
		recentLimit: 500,
	}
}

// Attach binds the engine to a registry and subscribes to every symbol
// that currently has an active pending rule.
func (e *Engine) Attach(sub Subscriber) {
	e.subMu.Lock()
	e.subscriber = sub
	e.subMu.Unlock()
	e.Sync()
}

// Detach releases all registry subscriptions.
func (e *Engine) Detach() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for sym, unsub := range e.handles {
		unsub()
		delete(e.handles, sym)
	}
	e.subscriber = nil
}

// Sync reconciles registry subscriptions with the store. Call it after any
// rule mutation.
func (e *Engine) Sync() {
	want := e.store.ActiveSymbols()

	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subscriber == nil {
		return
	}

	keep := make(map[string]struct{}, len(want))
	for _, sym := range want {
		keep[sym] = struct{}{}
		if _, ok := e.handles[sym]; !ok {
			e.handles[sym] = e.subscriber.Subscribe(sym, e.consumer)
		}
	}
	for sym, unsub := range e.handles {
		if _, ok := keep[sym]; !ok {
			unsub()
			delete(e.handles, sym)
		}
	}
}

// Symbols returns the symbols the engine is subscribed to.
func (e *Engine) Symbols() []string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	out := make([]string, 0, len(e.handles))
	for sym := range e.handles {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// EvaluateBatch runs one pass over ticks. Only rules whose symbol appears
// in the batch are considered; price rules see every tick in order and
// condition rules are checked once per symbol against its latest context.
func (e *Engine) EvaluateBatch(ctx context.Context, ticks []domain.Tick) {
	if len(ticks) == 0 {
		return
	}

	var symbols []string
	seen := make(map[string]struct{})
	var events []domain.TriggerEvent

	for _, t := range ticks {
		t.Symbol = domain.NormalizeSymbol(t.Symbol)
		e.tracker.Track(t)
		if _, ok := seen[t.Symbol]; !ok {
			seen[t.Symbol] = struct{}{}
			symbols = append(symbols, t.Symbol)
		}
		for _, id := range e.store.eligiblePriceIDs(t.Symbol) {
			if ev, ok := e.evaluatePrice(id, t); ok {
				events = append(events, ev)
			}
		}
	}

	if e.conditions != nil {
		for _, sym := range symbols {
			mc, ok := e.tracker.Context(sym)
			if !ok {
				continue
			}
			for _, rule := range e.store.eligibleConditions(sym) {
				if ev, ok := e.evaluateCondition(ctx, rule, mc); ok {
					events = append(events, ev)
				}
			}
		}
	}

	if len(events) == 0 {
		return
	}

	e.remember(events)
	for _, ev := range events {
		e.logger.Info("rule triggered",
			slog.String("rule_id", ev.RuleID),
			slog.String("kind", string(ev.Kind)),
			slog.String("symbol", ev.Symbol),
			slog.Float64("price", ev.Price),
		)
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, events); err != nil {
			e.logger.Error("notify triggers", slog.String("error", err.Error()))
		}
	}
	e.Sync()
}

// evaluatePrice isolates one price rule evaluation.
func (e *Engine) evaluatePrice(id string, t domain.Tick) (ev domain.TriggerEvent, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("price rule evaluation panicked",
				slog.String("rule_id", id),
				slog.String("panic", fmt.Sprint(r)),
			)
			fired = false
		}
	}()

	rule, fired := e.store.observePrice(id, t.LastPrice, e.now())
	if !fired {
		return domain.TriggerEvent{}, false
	}
	return domain.TriggerEvent{
		RuleID:      rule.ID,
		Kind:        domain.RuleKindPrice,
		Symbol:      rule.Symbol,
		Price:       t.LastPrice,
		TriggeredAt: *rule.TriggeredAt,
		PriceRule:   &rule,
	}, true
}

// evaluateCondition isolates one predicate call; errors and panics leave the
// rule pending.
func (e *Engine) evaluateCondition(ctx context.Context, rule domain.ConditionRule, mc domain.MarketContext) (ev domain.TriggerEvent, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("condition evaluation panicked",
				slog.String("rule_id", rule.ID),
				slog.String("condition", string(rule.Kind)),
				slog.String("panic", fmt.Sprint(r)),
			)
			fired = false
		}
	}()

	ok, err := e.conditions.Evaluate(ctx, rule, mc)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			slog.String("rule_id", rule.ID),
			slog.String("condition", string(rule.Kind)),
			slog.String("error", err.Error()),
		)
		return domain.TriggerEvent{}, false
	}
	if !ok {
		return domain.TriggerEvent{}, false
	}

	triggered, fired := e.store.triggerCondition(rule.ID, e.now())
	if !fired {
		return domain.TriggerEvent{}, false
	}
	return domain.TriggerEvent{
		RuleID:        triggered.ID,
		Kind:          domain.RuleKindCondition,
		Symbol:        triggered.Symbol,
		Price:         mc.Latest.LastPrice,
		TriggeredAt:   *triggered.TriggeredAt,
		ConditionRule: &triggered,
	}, true
}

func (e *Engine) remember(events []domain.TriggerEvent) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent = append(e.recent, events...)
	if over := len(e.recent) - e.recentLimit; over > 0 {
		e.recent = append([]domain.TriggerEvent(nil), e.recent[over:]...)
	}
}

// RecentTriggers returns up to limit most recent triggers, newest first.
func (e *Engine) RecentTriggers(limit int) []domain.TriggerEvent {
	if limit <= 0 {
		limit = 20
	}
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.TriggerEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}
