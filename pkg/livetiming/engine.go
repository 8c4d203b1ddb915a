// Package livetiming wires the live feed pipeline:
// connection -> delay buffer -> state store -> derived signals.
package livetiming

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/model"
	"github.com/mpapenbr/livetiming-go/pkg/processing/countdown"
	"github.com/mpapenbr/livetiming-go/pkg/processing/highlight"
	"github.com/mpapenbr/livetiming-go/pkg/processing/timeline"
	"github.com/mpapenbr/livetiming-go/pkg/state"
	"github.com/mpapenbr/livetiming-go/pkg/transport/connection"
	"github.com/mpapenbr/livetiming-go/pkg/transport/delay"
)

// Notifier is informed when new race control messages arrive.
// Calls are made in their own goroutine and must not block the caller for long.
type Notifier interface {
	NewRaceControlMessages(total int)
}

type NotifierFunc func(total int)

func (f NotifierFunc) NewRaceControlMessages(total int) { f(total) }

// Status summarizes the engine state for consumers
type Status struct {
	Connected     bool
	Syncing       bool
	SyncRemaining time.Duration
	Delay         time.Duration
	UpdatedAt     time.Time
	Feeds         []string
}

type Engine struct {
	l      *log.Logger
	clock  clockwork.Clock
	cfg    engineConfig
	conn   *connection.Manager
	buffer *delay.Buffer
	store  *state.Store
	hl     *highlight.Tracker

	mu       sync.Mutex
	rcCount  int
	rcKnown  bool // false until the first snapshot of a session was checked
	delay    time.Duration
	started  bool
	closed   bool
	loopDone chan struct{}
}

type engineConfig struct {
	delay           time.Duration
	retryDelay      time.Duration
	graceDelay      time.Duration
	highlightWindow time.Duration
	eventFilter     timeline.Filter
	notifyFilter    timeline.Filter
	notifier        Notifier
	dialer          *websocket.Dialer
	onHighlight     func(id string, s highlight.State)
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.l = l
	}
}

// WithDelay sets the initial playback delay
func WithDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.delay = d
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.retryDelay = d
	}
}

func WithGraceDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.graceDelay = d
	}
}

func WithHighlightWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.highlightWindow = d
	}
}

// WithEventFilter sets the filter applied by Timeline. Default keeps all events.
func WithEventFilter(f timeline.Filter) Option {
	return func(e *Engine) {
		e.cfg.eventFilter = f
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.cfg.notifier = n
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(e *Engine) {
		e.cfg.dialer = d
	}
}

// WithHighlightListener registers a callback for highlight transitions
func WithHighlightListener(f func(id string, s highlight.State)) Option {
	return func(e *Engine) {
		e.cfg.onHighlight = f
	}
}

// NewEngine creates the pipeline for the feed at url (a ws or wss url).
func NewEngine(url string, opts ...Option) *Engine {
	e := &Engine{
		l:     log.Default().Named("livetiming"),
		clock: clockwork.NewRealClock(),
		cfg: engineConfig{
			retryDelay:      time.Second,
			graceDelay:      100 * time.Millisecond,
			highlightWindow: 5 * time.Second,
			notifyFilter:    timeline.ExcludeFlags("BLUE"),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.notifier == nil {
		e.cfg.notifier = logNotifier{l: e.l.Named("notify")}
	}
	e.delay = max(0, e.cfg.delay)

	hlOpts := []highlight.Option{
		highlight.WithClock(e.clock),
		highlight.WithWindow(e.cfg.highlightWindow),
		highlight.WithLogger(e.l.Named("highlight")),
	}
	if e.cfg.onHighlight != nil {
		hlOpts = append(hlOpts, highlight.WithOnChange(e.cfg.onHighlight))
	}
	e.hl = highlight.NewTracker(hlOpts...)

	e.store = state.NewStore(
		state.WithClock(e.clock),
		state.WithLogger(e.l.Named("state")),
		state.WithObserver(e.hl),
		state.WithObserver(state.ObserverFunc(e.checkRaceControl)),
	)
	e.buffer = delay.NewBuffer(e.release,
		delay.WithClock(e.clock),
		delay.WithDelay(e.delay),
		delay.WithLogger(e.l.Named("delay")),
	)
	connOpts := []connection.Option{
		connection.WithClock(e.clock),
		connection.WithLogger(e.l.Named("connection")),
		connection.WithRetryDelay(e.cfg.retryDelay),
		connection.WithGraceDelay(e.cfg.graceDelay),
		connection.WithResetHook(e.resetSession),
	}
	if e.cfg.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(e.cfg.dialer))
	}
	e.conn = connection.NewManager(url, e.buffer, connOpts...)
	return e
}

// Start opens the connection. The engine is closed when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	e.l.Info("starting live timing engine",
		log.String("url", e.conn.URL()),
		log.Duration("delay", e.Delay()))
	e.conn.Open()
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	states := e.conn.States()
	for {
		select {
		case <-ctx.Done():
			e.l.Debug("context done, closing engine")
			go e.Close()
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			e.l.Info("connection state", log.String("state", s.String()))
		}
	}
}

func (e *Engine) release(env delay.Envelope) {
	//nolint:errcheck // logged by the store, the message is dropped
	e.store.Apply(env.Data)
}

// resetSession runs between the old and the new connection of a forced reconnect
func (e *Engine) resetSession() {
	e.mu.Lock()
	d := e.delay
	e.rcCount = 0
	e.rcKnown = false
	e.mu.Unlock()

	e.buffer.Reset(d)
	e.store.Reset()
	e.hl.Reset()
	e.l.Debug("session reset", log.Duration("delay", d))
}

func (e *Engine) checkRaceControl(snap model.Snapshot) {
	events := model.RaceControlEvents(snap)
	total := 0
	for _, ev := range events {
		if e.cfg.notifyFilter(ev) {
			total++
		}
	}
	e.mu.Lock()
	prev, known := e.rcCount, e.rcKnown
	e.rcCount, e.rcKnown = total, true
	e.mu.Unlock()
	if known && total > prev {
		go e.cfg.notifier.NewRaceControlMessages(total)
	}
}

// SetDelay changes the playback delay. The feed is reconnected so that the
// buffer starts with the new delay.
func (e *Engine) SetDelay(d time.Duration) {
	d = max(0, d)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	old := e.delay
	e.delay = d
	started := e.started
	e.mu.Unlock()

	e.l.Info("delay changed", log.Duration("from", old), log.Duration("to", d))
	if !started {
		e.buffer.Reset(d)
		return
	}
	e.conn.ForceReconnect()
}

func (e *Engine) Delay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay
}

func (e *Engine) Snapshot() model.Snapshot {
	return e.store.Snapshot()
}

func (e *Engine) Status() Status {
	snap := e.store.Snapshot()
	remaining := e.buffer.SyncRemaining()
	return Status{
		Connected:     e.conn.Connected(),
		Syncing:       remaining > 0,
		SyncRemaining: remaining,
		Delay:         e.buffer.Delay(),
		UpdatedAt:     snap.UpdatedAt,
		Feeds:         snap.Keys(),
	}
}

// Timeline returns the merged events of the current snapshot using the
// configured filter
func (e *Engine) Timeline() []model.TimedEvent {
	return e.TimelineWith(e.cfg.eventFilter)
}

func (e *Engine) TimelineWith(keep timeline.Filter) []model.TimedEvent {
	return timeline.FromSnapshot(e.store.Snapshot(), keep)
}

func (e *Engine) Highlights() map[string]highlight.State {
	return e.hl.States()
}

// Cars returns the per car view of the current snapshot, ordered by position
func (e *Engine) Cars() []CarState {
	return CarsFrom(e.store.Snapshot(), e.hl.States())
}

func (e *Engine) Highlight(id string) highlight.State {
	return e.hl.State(id)
}

// Remaining returns the countdown text. It reports false if no clock anchor is available.
func (e *Engine) Remaining() (string, bool) {
	anchor, ok := model.ClockAnchorFrom(e.store.Snapshot())
	if !ok {
		return "", false
	}
	return countdown.Display(anchor, e.clock.Now(), e.Delay()), true
}

// Subscribe returns a channel receiving applied snapshots
func (e *Engine) Subscribe() <-chan model.Snapshot {
	return e.store.Broadcast().Subscribe()
}

func (e *Engine) CancelSubscription(ch <-chan model.Snapshot) {
	e.store.Broadcast().CancelSubscription(ch)
}

func (e *Engine) Clock() clockwork.Clock {
	return e.clock
}

// Close cancels all timers and stops the pipeline
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	done := e.loopDone
	e.mu.Unlock()

	e.conn.Close()
	e.buffer.Close()
	e.hl.Close()
	e.store.Close()
	if done != nil {
		<-done
	}
	e.l.Info("live timing engine closed")
}

type logNotifier struct {
	l *log.Logger
}

func (n logNotifier) NewRaceControlMessages(total int) {
	n.l.Info("new race control message", log.Int("total", total))
}
