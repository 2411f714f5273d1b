package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Conn is one established streaming connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// MessageHandler receives every raw inbound message. ctx is cancelled when
// the connection that produced the message goes away.
type MessageHandler func(ctx context.Context, raw []byte)

// ConnManager owns a single streaming connection. It reconnects after loss
// with exponential backoff until the retry limit, and stops for good on
// Disconnect.
//
// Every Connect and Disconnect starts a new generation; timers, dials and
// read loops belonging to an older generation are ignored when they fire,
// so a Disconnect always wins over a pending reconnect.
type ConnManager struct {
	dialer      Dialer
	clock       Clock
	backoff     Backoff
	dialTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	state       domain.ConnState
	attempts    int
	gen         uint64
	conn        Conn
	connCancel  context.CancelFunc
	dialCancel  context.CancelFunc
	timer       Timer
	lastErr     error
	terminalErr error

	hookMu         sync.RWMutex
	onMessage      []MessageHandler
	onConnected    []func()
	onDisconnected []func()
	onError        []func(error)
	onStatus       []func(domain.ConnStatus)
}

// NewConnManager creates a manager in the disconnected state.
func NewConnManager(dialer Dialer, clock Clock, backoff Backoff, dialTimeout time.Duration, logger *slog.Logger) *ConnManager {
	if clock == nil {
		clock = SystemClock()
	}
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &ConnManager{
		dialer:      dialer,
		clock:       clock,
		backoff:     backoff,
		dialTimeout: dialTimeout,
		logger:      logger.With(slog.String("component", "feed_conn")),
	}
}

// OnMessage registers a handler for inbound messages. Handlers run on the
// read loop goroutine, one message at a time.
func (m *ConnManager) OnMessage(h MessageHandler) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnConnected registers a hook run each time a connection is established,
// before the first message is read.
func (m *ConnManager) OnConnected(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected registers a hook run each time an established connection
// is lost or closed.
func (m *ConnManager) OnDisconnected(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// OnError registers a hook for terminal errors (retries exhausted).
func (m *ConnManager) OnError(fn func(error)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onError = append(m.onError, fn)
}

// OnStatus registers a hook run after every state transition.
func (m *ConnManager) OnStatus(fn func(domain.ConnStatus)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onStatus = append(m.onStatus, fn)
}

// Connect dials once, bounded by the dial timeout. A failed dial is returned
// as is and nothing is retried; once connected, later losses are handled by
// reconnecting.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.ConnConnected {
		m.mu.Unlock()
		return nil
	}
	gen := m.nextGenLocked()
	m.terminalErr = nil
	m.state = domain.ConnConnecting
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()
	defer cancel()
	m.emitStatus()

	conn, err := m.dialer.Dial(dialCtx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.lastErr = err
			m.state = domain.ConnDisconnected
			m.dialCancel = nil
		}
		m.mu.Unlock()
		m.emitStatus()
		return fmt.Errorf("feed: connect: %w", err)
	}

	if !m.established(gen, conn) {
		_ = conn.Close()
		return fmt.Errorf("feed: connect: disconnected while dialing: %w", domain.ErrNotConnected)
	}
	return nil
}

// Start is Connect for long-running use: a failed initial dial enters the
// reconnect schedule instead of being returned.
func (m *ConnManager) Start(ctx context.Context) {
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("initial connect failed, retrying with backoff", slog.String("error", err.Error()))
		m.mu.Lock()
		gen := m.gen
		m.mu.Unlock()
		m.scheduleReconnect(gen)
	}
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent and leaves the manager disconnected.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.nextGenLocked()
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	changed := m.state != domain.ConnDisconnected
	m.state = domain.ConnDisconnected
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", slog.String("error", err.Error()))
		}
		m.runHooks(m.disconnectedHooks())
	}
	if changed {
		m.logger.Info("stream disconnected")
		m.emitStatus()
	}
}

// Send writes a control message on the current connection.
func (m *ConnManager) Send(msg any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == domain.ConnConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return fmt.Errorf("feed: send: %w", domain.ErrNotConnected)
	}
	return conn.WriteJSON(msg)
}

// Connected reports whether the manager currently has a live connection.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.ConnConnected
}

// Status returns the current state and attempt counter.
func (m *ConnManager) Status() domain.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Err returns the terminal error once retries are exhausted, nil otherwise.
func (m *ConnManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// nextGenLocked invalidates timers, dials and read loops of the current
// generation. Caller must hold m.mu.
func (m *ConnManager) nextGenLocked() uint64 {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	return m.gen
}

func (m *ConnManager) statusLocked() domain.ConnStatus {
	st := domain.ConnStatus{
		State:             m.state,
		StateName:         m.state.String(),
		ReconnectAttempts: m.attempts,
	}
	if m.terminalErr != nil {
		st.LastError = m.terminalErr.Error()
	} else if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// established installs conn as the live connection if gen is still
// current. It reports false when the caller should discard conn.
func (m *ConnManager) established(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.connCancel = cancel
	m.dialCancel = nil
	m.state = domain.ConnConnected
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("stream connected")
	m.emitStatus()
	m.runHooks(m.connectedHooks())

	go m.readLoop(ctx, gen, conn)
	return true
}

// readLoop delivers messages until the connection fails.
func (m *ConnManager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(gen, err)
			return
		}

		m.hookMu.RLock()
		handlers := m.onMessage
		m.hookMu.RUnlock()

		for _, h := range handlers {
			h(ctx, data)
		}
	}
}

// handleLoss tears down a lost connection and schedules a reconnect.
func (m *ConnManager) handleLoss(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.lastErr = cause
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn("stream lost", slog.String("error", cause.Error()))
	m.runHooks(m.disconnectedHooks())
	m.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer, or gives up when the retry
// limit has been reached.
func (m *ConnManager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	if m.backoff.Exhausted(m.attempts) {
		err := fmt.Errorf("feed: %w after %d attempts", domain.ErrRetriesExhausted, m.attempts)
		if m.lastErr != nil {
			err = fmt.Errorf("%w: %w", err, m.lastErr)
		}
		m.terminalErr = err
		m.state = domain.ConnDisconnected
		m.mu.Unlock()

		m.logger.Error("giving up on stream", slog.String("error", err.Error()))
		m.emitStatus()
		m.hookMu.RLock()
		hooks := m.onError
		m.hookMu.RUnlock()
		for _, fn := range hooks {
			fn(err)
		}
		return
	}

	delay := m.backoff.Delay(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.state = domain.ConnConnecting
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	m.emitStatus()
}

// reconnect is the timer callback for one reconnect attempt.
func (m *ConnManager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()
	defer cancel()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		stale := gen != m.gen
		if !stale {
			m.lastErr = err
			m.dialCancel = nil
		}
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		m.scheduleReconnect(gen)
		return
	}

	if !m.established(gen, conn) {
		_ = conn.Close()
	}
}

func (m *ConnManager) connectedHooks() []func() {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onConnected
}

func (m *ConnManager) disconnectedHooks() []func() {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return m.onDisconnected
}

func (m *ConnManager) runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

func (m *ConnManager) emitStatus() {
	m.hookMu.RLock()
	hooks := m.onStatus
	m.hookMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	st := m.Status()
	for _, fn := range hooks {
		fn(st)
	}
}
