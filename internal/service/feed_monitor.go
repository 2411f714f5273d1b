package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/notify"
)

// EventNotifier sends a single operator notification.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// FeedMonitor turns connection manager callbacks into bus status messages
// and operator alerts. Its hooks run on the connection manager's goroutines
// and never block on I/O.
type FeedMonitor struct {
	bus      domain.SignalBus
	notifier EventNotifier
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last domain.ConnStatus
}

// NewFeedMonitor creates a FeedMonitor. bus and notifier may be nil.
func NewFeedMonitor(bus domain.SignalBus, notifier EventNotifier, logger *slog.Logger) *FeedMonitor {
	return &FeedMonitor{
		bus:      bus,
		notifier: notifier,
		timeout:  5 * time.Second,
		logger:   logger.With(slog.String("component", "feed_monitor")),
		last:     domain.ConnStatus{StateName: domain.ConnDisconnected.String()},
	}
}

// OnStatus records s and publishes it on the status channel.
func (m *FeedMonitor) OnStatus(s domain.ConnStatus) {
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"type": "feed_status", "payload": s})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.bus.Publish(ctx, domain.ChannelStatus, payload); err != nil {
			m.logger.Warn("publish status failed", slog.String("error", err.Error()))
		}
	}()
}

// OnError alerts operators when the feed gives up reconnecting.
func (m *FeedMonitor) OnError(err error) {
	m.logger.Error("feed error", slog.String("error", err.Error()))
	if m.notifier == nil || !errors.Is(err, domain.ErrRetriesExhausted) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if nerr := m.notifier.Notify(ctx, notify.EventFeedDown, "Market feed down", err.Error()); nerr != nil {
			m.logger.Warn("feed down notification failed", slog.String("error", nerr.Error()))
		}
	}()
}

// Status returns the most recent status seen.
func (m *FeedMonitor) Status() domain.ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
