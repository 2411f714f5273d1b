// Package notify fans alert trigger notifications out to operator channels
// (Telegram, Discord, the process log). Delivery can be limited to a set of
// event types.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Event types accepted by Notify.
const (
	EventTriggered = "alert.triggered"
	EventFeedDown  = "feed.down"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every configured Sender. Only events in the allowed
// set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and allowed events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends title and message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyTriggers formats one message per trigger and sends each of them.
// Every trigger is attempted even when an earlier one fails.
func (n *Notifier) NotifyTriggers(ctx context.Context, events []domain.TriggerEvent) error {
	var errs []string
	for _, ev := range events {
		title, msg := FormatTrigger(ev)
		if err := n.Notify(ctx, EventTriggered, title, msg); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d trigger(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatTrigger renders a trigger as a notification title and body.
func FormatTrigger(ev domain.TriggerEvent) (title, message string) {
	ts := ev.TriggeredAt.UTC().Format(time.RFC3339)
	switch {
	case ev.PriceRule != nil:
		r := ev.PriceRule
		title = fmt.Sprintf("%s %s %s", r.Symbol, r.Direction, formatPrice(r.TargetPrice))
		message = fmt.Sprintf("%s traded at %s (target %s %s) at %s",
			r.Symbol, formatPrice(ev.Price), r.Direction, formatPrice(r.TargetPrice), ts)
		if r.Message != "" {
			message += "\n" + r.Message
		}
	case ev.ConditionRule != nil:
		r := ev.ConditionRule
		title = fmt.Sprintf("%s: %s", r.Symbol, r.Name)
		message = fmt.Sprintf("%s condition met on %s at %s (last %s)",
			r.Kind, r.Symbol, ts, formatPrice(ev.Price))
		if r.Description != "" {
			message += "\n" + r.Description
		}
	default:
		title = fmt.Sprintf("%s alert", ev.Symbol)
		message = fmt.Sprintf("rule %s triggered at %s (last %s)", ev.RuleID, ts, formatPrice(ev.Price))
	}
	return title, message
}

func formatPrice(p float64) string {
	return fmt.Sprintf("%.2f", p)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
