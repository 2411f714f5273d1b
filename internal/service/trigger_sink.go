package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/tickwatch/internal/alert"
	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// ErrQueueFull is returned by TriggerSink.Notify when the queue is saturated.
var ErrQueueFull = errors.New("trigger queue full")

// TriggerNotifier delivers triggers to operators.
type TriggerNotifier interface {
	NotifyTriggers(ctx context.Context, events []domain.TriggerEvent) error
}

// TriggerSink takes triggers off the evaluation path. The engine calls
// Notify from the dispatch goroutine; Run does the slow work of persisting,
// publishing and notifying.
type TriggerSink struct {
	queue    chan []domain.TriggerEvent
	repo     domain.RuleRepository
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier TriggerNotifier
	logger   *slog.Logger

	dropped atomic.Int64
}

var _ alert.Notifier = (*TriggerSink)(nil)

// NewTriggerSink creates a sink with a queue of size batches. Any of repo,
// audit, bus and notifier may be nil.
func NewTriggerSink(
	size int,
	repo domain.RuleRepository,
	audit domain.AuditStore,
	bus domain.SignalBus,
	notifier TriggerNotifier,
	logger *slog.Logger,
) *TriggerSink {
	if size <= 0 {
		size = 256
	}
	return &TriggerSink{
		queue:    make(chan []domain.TriggerEvent, size),
		repo:     repo,
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "trigger_sink")),
	}
}

// Notify enqueues events without blocking.
func (s *TriggerSink) Notify(_ context.Context, events []domain.TriggerEvent) error {
	if len(events) == 0 {
		return nil
	}
	select {
	case s.queue <- events:
		return nil
	default:
		s.dropped.Add(int64(len(events)))
		return fmt.Errorf("trigger_sink: %w: dropped %d trigger(s)", ErrQueueFull, len(events))
	}
}

// Dropped returns how many triggers were discarded because the queue was full.
func (s *TriggerSink) Dropped() int64 { return s.dropped.Load() }

// Run drains the queue until ctx is cancelled. Batches still queued at
// cancellation are handled with a detached context before returning.
func (s *TriggerSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case events := <-s.queue:
			s.Handle(ctx, events)
		}
	}
}

func (s *TriggerSink) drain(ctx context.Context) {
	for {
		select {
		case events := <-s.queue:
			s.Handle(ctx, events)
		default:
			return
		}
	}
}

// Handle persists, publishes and notifies one batch of triggers. Failures
// are logged; they never stop the remaining steps.
func (s *TriggerSink) Handle(ctx context.Context, events []domain.TriggerEvent) {
	for _, ev := range events {
		s.persist(ctx, ev)
		s.record(ctx, ev)
		s.publish(ctx, ev)
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTriggers(ctx, events); err != nil {
		s.logger.ErrorContext(ctx, "notify triggers failed", slog.String("error", err.Error()))
	}
}

func (s *TriggerSink) persist(ctx context.Context, ev domain.TriggerEvent) {
	if s.repo == nil {
		return
	}
	var observed float64
	if ev.PriceRule != nil {
		observed = ev.PriceRule.LastObservedPrice
	}
	err := s.repo.MarkTriggered(ctx, ev.Kind, ev.RuleID, ev.TriggeredAt, observed)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.InfoContext(ctx, "triggered rule was removed before it was persisted",
			slog.String("rule_id", ev.RuleID),
		)
	case err != nil:
		s.logger.ErrorContext(ctx, "persist triggered rule failed",
			slog.String("rule_id", ev.RuleID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TriggerSink) record(ctx context.Context, ev domain.TriggerEvent) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"rule_id":      ev.RuleID,
		"kind":         string(ev.Kind),
		"symbol":       ev.Symbol,
		"price":        ev.Price,
		"triggered_at": ev.TriggeredAt,
	}
	if ev.PriceRule != nil {
		detail["direction"] = string(ev.PriceRule.Direction)
		detail["target_price"] = ev.PriceRule.TargetPrice
	}
	if ev.ConditionRule != nil {
		detail["name"] = ev.ConditionRule.Name
		detail["condition"] = string(ev.ConditionRule.Kind)
	}
	if err := s.audit.Log(ctx, domain.AuditRuleTriggered, detail); err != nil {
		s.logger.WarnContext(ctx, "audit trigger failed",
			slog.String("rule_id", ev.RuleID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TriggerSink) publish(ctx context.Context, ev domain.TriggerEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "alert",
		"payload": ev,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "encode trigger failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelAlerts, payload); err != nil {
		s.logger.WarnContext(ctx, "publish trigger failed",
			slog.String("rule_id", ev.RuleID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamAlerts, payload); err != nil {
		s.logger.WarnContext(ctx, "append trigger stream failed",
			slog.String("rule_id", ev.RuleID),
			slog.String("error", err.Error()),
		)
	}
}
