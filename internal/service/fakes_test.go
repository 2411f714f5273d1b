package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	return time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
}

type memRepo struct {
	mu      sync.Mutex
	prices  map[string]domain.PriceRule
	conds   map[string]domain.ConditionRule
	saveErr error
	onSave  func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		prices: make(map[string]domain.PriceRule),
		conds:  make(map[string]domain.ConditionRule),
	}
}

func (r *memRepo) ListPriceRules(context.Context) ([]domain.PriceRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PriceRule
	for _, p := range r.prices {
		out = append(out, p)
	}
	return out, nil
}

func (r *memRepo) ListConditionRules(context.Context) ([]domain.ConditionRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConditionRule
	for _, c := range r.conds {
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) SavePriceRule(_ context.Context, rule domain.PriceRule) error {
	if r.onSave != nil {
		r.onSave()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.prices[rule.ID] = rule
	return nil
}

func (r *memRepo) SaveConditionRule(_ context.Context, rule domain.ConditionRule) error {
	if r.onSave != nil {
		r.onSave()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.conds[rule.ID] = rule
	return nil
}

func (r *memRepo) MarkTriggered(_ context.Context, kind domain.RuleKind, id string, at time.Time, price float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := at
	switch kind {
	case domain.RuleKindPrice:
		p, ok := r.prices[id]
		if !ok {
			return domain.ErrNotFound
		}
		p.State, p.TriggeredAt, p.LastObservedPrice = domain.RuleStateTriggered, &ts, price
		r.prices[id] = p
	case domain.RuleKindCondition:
		c, ok := r.conds[id]
		if !ok {
			return domain.ErrNotFound
		}
		c.State, c.TriggeredAt = domain.RuleStateTriggered, &ts
		r.conds[id] = c
	}
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prices) + len(r.conds)
}

func (r *memRepo) DeleteRule(_ context.Context, kind domain.RuleKind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case domain.RuleKindPrice:
		if _, ok := r.prices[id]; !ok {
			return domain.ErrNotFound
		}
		delete(r.prices, id)
	case domain.RuleKindCondition:
		if _, ok := r.conds[id]; !ok {
			return domain.ErrNotFound
		}
		delete(r.conds, id)
	}
	return nil
}

func (r *memRepo) price(id string) (domain.PriceRule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prices[id]
	return p, ok
}

type memAudit struct {
	mu     sync.Mutex
	events []string
	detail []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) ListEventBefore(context.Context, string, time.Time, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) DeleteEventBefore(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func (a *memAudit) logged() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type published struct {
	channel string
	payload []byte
}

type recordingBus struct {
	mu      sync.Mutex
	pubs    []published
	streams []published
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, published{channel, payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, published{stream, payload})
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.pubs...)
}

type recordingTriggerNotifier struct {
	mu     sync.Mutex
	events []domain.TriggerEvent
}

func (n *recordingTriggerNotifier) NotifyTriggers(_ context.Context, events []domain.TriggerEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

type recordingEventNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingEventNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingEventNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// fakeSubscriber records subscriptions like the feed registry does.
type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string]*feed.Consumer
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string]*feed.Consumer)}
}

func (f *fakeSubscriber) Subscribe(symbol string, c *feed.Consumer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[symbol] = c
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, symbol)
	}
}

func (f *fakeSubscriber) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.subs {
		out = append(out, s)
	}
	return out
}
