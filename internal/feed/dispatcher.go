package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/platform/marketdata"
)

// Evaluator runs one evaluation pass over the ticks of a batch.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, ticks []domain.Tick)
}

// DispatchStats counts dispatcher activity since start.
type DispatchStats struct {
	Received     int64 `json:"received"`
	Delivered    int64 `json:"delivered"`
	Dropped      int64 `json:"dropped"`
	DecodeErrors int64 `json:"decode_errors"`
}

// Dispatcher decodes inbound messages and delivers ticks to the registry's
// consumers, then hands the delivered batch to the evaluator.
type Dispatcher struct {
	registry  *Registry
	evaluator Evaluator
	clock     Clock
	logger    *slog.Logger

	received     atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
}

// NewDispatcher creates a Dispatcher. evaluator may be nil.
func NewDispatcher(registry *Registry, evaluator Evaluator, clock Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		registry:  registry,
		evaluator: evaluator,
		clock:     clock,
		logger:    logger.With(slog.String("component", "feed_dispatcher")),
	}
}

// HandleMessage is the ConnManager message handler for the stream.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) {
	tick, ok, err := marketdata.DecodeStream(raw, d.clock.Now())
	if err != nil {
		d.decodeErrors.Add(1)
		d.logger.Warn("dropping stream message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(raw)),
		)
		return
	}
	if !ok {
		return
	}
	d.DispatchBatch(ctx, []domain.Tick{tick})
}

// DispatchBatch delivers each tick to its symbol's consumers and then runs
// one evaluation pass over the ticks that had consumers. It returns how
// many ticks were delivered.
func (d *Dispatcher) DispatchBatch(ctx context.Context, ticks []domain.Tick) int {
	return d.dispatch(ctx, ticks, nil)
}

// DispatchPolled is DispatchBatch for a polled snapshot. Ticks for which
// seen reports true are not delivered again, but they still take part in
// the evaluation pass, so every poll evaluates the full snapshot.
func (d *Dispatcher) DispatchPolled(ctx context.Context, ticks []domain.Tick, seen func(domain.Tick) bool) int {
	return d.dispatch(ctx, ticks, seen)
}

func (d *Dispatcher) dispatch(ctx context.Context, ticks []domain.Tick, seen func(domain.Tick) bool) int {
	evaluate := make([]domain.Tick, 0, len(ticks))
	var delivered int
	for _, t := range ticks {
		repeat := seen != nil && seen(t)
		if !repeat {
			d.received.Add(1)
		}
		consumers := d.registry.Consumers(t.Symbol)
		if len(consumers) == 0 {
			if !repeat {
				d.dropped.Add(1)
				d.logger.Debug("no consumers for symbol", slog.String("symbol", t.Symbol))
			}
			continue
		}
		evaluate = append(evaluate, t)
		if repeat {
			continue
		}
		for _, c := range consumers {
			d.deliver(c, t)
		}
		d.delivered.Add(1)
		delivered++
	}

	if len(evaluate) > 0 && d.evaluator != nil {
		d.evaluator.EvaluateBatch(ctx, evaluate)
	}
	return delivered
}

// Reject counts and logs a polled quote entry that failed validation. The
// rest of its batch is dispatched as usual.
func (d *Dispatcher) Reject(err error) {
	d.decodeErrors.Add(1)
	d.logger.Warn("dropping invalid quote", slog.String("error", err.Error()))
}

// deliver isolates a consumer so one failure cannot stop the others.
func (d *Dispatcher) deliver(c *Consumer, t domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("consumer panicked",
				slog.String("consumer", c.name),
				slog.String("symbol", t.Symbol),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	c.fn(t)
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Received:     d.received.Load(),
		Delivered:    d.delivered.Load(),
		Dropped:      d.dropped.Load(),
		DecodeErrors: d.decodeErrors.Load(),
	}
}
