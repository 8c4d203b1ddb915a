// Package connection owns the websocket connection to the live feed.
//
// The manager reconnects on its own after any transport failure. Every
// connection attempt gets a new session id; events of an outdated session
// (a late read error, a dial finishing after a forced reconnect) are ignored.
package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/livetiming-go/log"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Sink receives the inbound frames. Submit must not block for long.
type Sink interface {
	Submit(data []byte, receivedAt time.Time)
}

type SinkFunc func(data []byte, receivedAt time.Time)

func (f SinkFunc) Submit(data []byte, receivedAt time.Time) { f(data, receivedAt) }

type Manager struct {
	l          *log.Logger
	url        string
	sink       Sink
	dialer     *websocket.Dialer
	clock      clockwork.Clock
	retryDelay time.Duration
	graceDelay time.Duration
	onReset    func()

	mu         sync.Mutex
	state      State
	session    uuid.UUID
	conn       *websocket.Conn
	dialCancel context.CancelFunc
	readerDone chan struct{}
	retry      clockwork.Timer
	reopen     clockwork.Timer
	attempt    int // consecutive reconnect attempts
	closed     bool
	states     chan State

	ctx    context.Context
	cancel context.CancelFunc

	connects    metric.Int64Counter
	disconnects metric.Int64Counter
	retries     metric.Int64Counter
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.l = l
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithRetryDelay sets the fixed delay between a connection loss and the next attempt
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// WithGraceDelay sets the pause between closing and reopening in ForceReconnect
func WithGraceDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.graceDelay = d
	}
}

// WithResetHook registers a func called by ForceReconnect after the old
// connection is fully shut down and before the new one is opened.
func WithResetHook(f func()) Option {
	return func(m *Manager) {
		m.onReset = f
	}
}

func NewManager(url string, sink Sink, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	ret := &Manager{
		l:          log.Default().Named("livetiming.connection"),
		url:        url,
		sink:       sink,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		clock:      clockwork.NewRealClock(),
		retryDelay: time.Second,
		graceDelay: 100 * time.Millisecond,
		state:      Disconnected,
		states:     make(chan State, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.setupMetrics()
	return ret
}

func (m *Manager) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("ltm.connection")
	var err error
	if m.connects, err = meter.Int64Counter("ltm.connection.connects",
		metric.WithDescription("Number of established connections")); err != nil {
		m.l.Error("failed to register metric", log.ErrorField(err))
	}
	if m.disconnects, err = meter.Int64Counter("ltm.connection.disconnects",
		metric.WithDescription("Number of lost connections")); err != nil {
		m.l.Error("failed to register metric", log.ErrorField(err))
	}
	if m.retries, err = meter.Int64Counter("ltm.connection.retries",
		metric.WithDescription("Number of scheduled reconnects")); err != nil {
		m.l.Error("failed to register metric", log.ErrorField(err))
	}
}

func (m *Manager) count(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// Open starts connecting. It is a no-op unless the manager is disconnected.
func (m *Manager) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLocked()
}

func (m *Manager) openLocked() {
	if m.closed || m.state != Disconnected {
		return
	}
	m.session = uuid.New()
	m.setStateLocked(Connecting)
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	done := make(chan struct{})
	m.readerDone = done
	go m.run(ctx, m.session, done)
}

func (m *Manager) run(ctx context.Context, session uuid.UUID, done chan struct{}) {
	defer close(done)
	l := m.l.With(log.String("session", session.String()))
	l.Debug("connecting", log.String("url", m.url))

	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		l.Warn("could not connect", log.String("url", m.url), log.ErrorField(err))
		m.handleClose(session)
		return
	}

	m.mu.Lock()
	if m.closed || session != m.session {
		m.mu.Unlock()
		l.Debug("discarding connection of outdated session")
		conn.Close()
		return
	}
	m.conn = conn
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.attempt = 0
	m.setStateLocked(Connected)
	m.mu.Unlock()

	m.count(m.connects)
	l.Info("connected", log.String("url", m.url))
	m.read(l, session, conn)
}

func (m *Manager) read(l *log.Logger, session uuid.UUID, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.Info("connection closed", log.ErrorField(err))
			m.handleClose(session)
			return
		}
		if !m.isCurrent(session) {
			return
		}
		m.sink.Submit(data, m.clock.Now())
	}
}

func (m *Manager) isCurrent(session uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && session == m.session
}

// handleClose processes a transport failure of the given session
func (m *Manager) handleClose(session uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || session != m.session {
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
		m.count(m.disconnects)
	}
	m.setStateLocked(Disconnected)
	m.scheduleRetryLocked()
}

// scheduleRetryLocked starts the reconnect timer unless one is already pending
func (m *Manager) scheduleRetryLocked() {
	if m.retry != nil {
		m.l.Debug("reconnect already scheduled")
		return
	}
	m.attempt++
	m.count(m.retries)
	m.l.Debug("scheduling reconnect",
		log.Duration("delay", m.retryDelay),
		log.Int("attempt", m.attempt))
	var t clockwork.Timer
	t = m.clock.AfterFunc(m.retryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.retry != t {
			return
		}
		m.retry = nil
		m.openLocked()
	})
	m.retry = t
}

// ForceReconnect drops the current connection and opens a new one after the
// grace delay. The reset hook runs in between, when no frame of the old
// connection can be delivered anymore.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.l.Info("forcing reconnect")
	m.session = uuid.Nil
	m.stopTimersLocked()
	conn, dialCancel, done := m.conn, m.dialCancel, m.readerDone
	m.conn, m.dialCancel, m.readerDone = nil, nil, nil
	m.attempt = 0
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.shutdown(conn, dialCancel, done)
	if m.onReset != nil {
		m.onReset()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t clockwork.Timer
	t = m.clock.AfterFunc(m.graceDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.reopen != t {
			return
		}
		m.reopen = nil
		m.openLocked()
	})
	m.reopen = t
}

// Close tears down the connection and cancels all pending timers.
// The manager cannot be reopened.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.session = uuid.Nil
	m.stopTimersLocked()
	conn, dialCancel, done := m.conn, m.dialCancel, m.readerDone
	m.conn, m.dialCancel, m.readerDone = nil, nil, nil
	m.setStateLocked(Disconnected)
	m.closed = true
	close(m.states)
	m.mu.Unlock()

	m.cancel()
	m.shutdown(conn, dialCancel, done)
	m.l.Debug("connection manager closed")
}

func (m *Manager) stopTimersLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.reopen != nil {
		m.reopen.Stop()
		m.reopen = nil
	}
}

func (m *Manager) shutdown(conn *websocket.Conn, dialCancel context.CancelFunc, done chan struct{}) {
	if dialCancel != nil {
		dialCancel()
	}
	if conn != nil {
		//nolint:errcheck // best effort, the connection is dropped anyway
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		m.count(m.disconnects)
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.l.Debug("state change", log.String("from", m.state.String()), log.String("to", s.String()))
	m.state = s
	if m.closed {
		return
	}
	select {
	case m.states <- s:
	default:
		m.l.Warn("state channel full, dropping state change", log.String("state", s.String()))
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// States delivers state changes. The channel is closed by Close.
// Changes are dropped if the consumer falls behind, State is always current.
func (m *Manager) States() <-chan State {
	return m.states
}

func (m *Manager) URL() string {
	return m.url
}
