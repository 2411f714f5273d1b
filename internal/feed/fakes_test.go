package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/platform/marketdata"
)

// fakeClock records AfterFunc calls; tests fire them explicitly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fireNext runs the oldest pending timer on the calling goroutine and
// returns its delay.
func (c *fakeClock) fireNext() (time.Duration, bool) {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return 0, false
	}
	next.fired = true
	c.now = c.now.Add(next.d)
	c.mu.Unlock()

	next.fn()
	return next.d, true
}

var errLost = errors.New("connection reset by peer")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once

	mu     sync.Mutex
	writes []marketdata.ControlMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, errLost
		}
		return b, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg, ok := v.(marketdata.ControlMessage); ok {
		c.writes = append(c.writes, msg)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() { c.dropOnce.Do(func() { close(c.in) }) }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []marketdata.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]marketdata.ControlMessage(nil), c.writes...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext int
	dials    int
	conns    []*fakeConn
	hang     bool // block until the dial context ends
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.hang {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial tcp: connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeSender is a ControlSender that records messages.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	err       error
	msgs      []marketdata.ControlMessage
}

func (s *fakeSender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg.(marketdata.ControlMessage))
	return nil
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *fakeSender) sent() []marketdata.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]marketdata.ControlMessage(nil), s.msgs...)
}

// recordingEvaluator captures evaluation passes.
type recordingEvaluator struct {
	mu      sync.Mutex
	batches [][]domain.Tick
}

func (e *recordingEvaluator) EvaluateBatch(_ context.Context, ticks []domain.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, append([]domain.Tick(nil), ticks...))
}

func (e *recordingEvaluator) passes() [][]domain.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}
