// Package highlight tracks short lived change signals of ordinal values,
// e.g. a driver gaining or losing a position.
package highlight

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/model"
)

type Direction int

const (
	None Direction = iota
	Improved
	Worsened
)

func (d Direction) String() string {
	switch d {
	case Improved:
		return "improved"
	case Worsened:
		return "worsened"
	default:
		return "none"
	}
}

// State is the highlight state of an entity. The zero value is Stable.
type State struct {
	Changed   bool
	Direction Direction
	ExpiresAt time.Time
}

func (s State) Stable() bool {
	return !s.Changed
}

type entry struct {
	value int
	state State
	timer clockwork.Timer
	gen   int
}

type Tracker struct {
	l        *log.Logger
	clock    clockwork.Clock
	window   time.Duration
	onChange func(id string, s State)

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithWindow sets how long a change stays highlighted
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		t.window = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.l = l
	}
}

// WithOnChange registers a callback for every state transition including expiry.
// It is called without holding internal locks.
func WithOnChange(f func(id string, s State)) Option {
	return func(t *Tracker) {
		t.onChange = f
	}
}

func NewTracker(opts ...Option) *Tracker {
	ret := &Tracker{
		l:       log.Default().Named("livetiming.highlight"),
		clock:   clockwork.NewRealClock(),
		window:  5 * time.Second,
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

type change struct {
	id    string
	state State
}

// Observe compares the values with the previously observed ones.
// A lower value marks the entity as improved, a higher one as worsened.
// Unchanged values keep the current state. Entities not contained in values
// are no longer tracked.
func (t *Tracker) Observe(values map[string]int) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var changes []change
	for id, e := range t.entries {
		if _, ok := values[id]; !ok {
			t.stopLocked(e)
			delete(t.entries, id)
		}
	}
	for id, v := range values {
		e, ok := t.entries[id]
		if !ok {
			t.entries[id] = &entry{value: v}
			continue
		}
		if v == e.value {
			continue
		}
		dir := Improved
		if v > e.value {
			dir = Worsened
		}
		t.l.Debug("value changed",
			log.String("id", id), log.Int("from", e.value), log.Int("to", v),
			log.String("direction", dir.String()))
		e.value = v
		t.markLocked(id, e, dir)
		changes = append(changes, change{id, e.state})
	}
	t.mu.Unlock()
	t.notify(changes...)
}

// OnSnapshot observes the positions of the timing lines
func (t *Tracker) OnSnapshot(snap model.Snapshot) {
	t.Observe(model.Positions(snap))
}

func (t *Tracker) markLocked(id string, e *entry, dir Direction) {
	t.stopLocked(e)
	e.gen++
	gen := e.gen
	e.state = State{Changed: true, Direction: dir, ExpiresAt: t.clock.Now().Add(t.window)}
	e.timer = t.clock.AfterFunc(t.window, func() { t.expire(id, gen) })
}

func (t *Tracker) stopLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (t *Tracker) expire(id string, gen int) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	e.state = State{}
	t.mu.Unlock()
	t.notify(change{id: id})
}

func (t *Tracker) notify(changes ...change) {
	if t.onChange == nil {
		return
	}
	for _, c := range changes {
		t.onChange(c.id, c.state)
	}
}

// State returns the current state of the entity. A change is reported as
// Stable once its window has passed, even if the expiry has not run yet.
func (t *Tracker) State(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return State{}
	}
	return t.effective(e.state)
}

// States returns the entities currently highlighted
func (t *Tracker) States() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := map[string]State{}
	for id, e := range t.entries {
		if s := t.effective(e.state); s.Changed {
			ret[id] = s
		}
	}
	return ret
}

func (t *Tracker) effective(s State) State {
	if s.Changed && !t.clock.Now().Before(s.ExpiresAt) {
		return State{}
	}
	return s
}

// Values returns the last observed values
func (t *Tracker) Values() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make(map[string]int, len(t.entries))
	for id, e := range t.entries {
		ret[id] = e.value
	}
	return ret
}

// Reset forgets all entities and stops their timers
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		t.stopLocked(e)
	}
	t.entries = map[string]*entry{}
}

func (t *Tracker) Close() {
	t.Reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
