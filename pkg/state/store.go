package state

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/flate"
	"github.com/ohler55/ojg/oj"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/model"
	"github.com/mpapenbr/livetiming-go/pkg/state/merge"
	"github.com/mpapenbr/livetiming-go/pkg/utils/broadcast"
)

var ErrMalformedMessage = errors.New("malformed message")

// Observer is called synchronously for every applied message, in apply order.
type Observer interface {
	OnSnapshot(snap model.Snapshot)
}

type ObserverFunc func(snap model.Snapshot)

func (f ObserverFunc) OnSnapshot(snap model.Snapshot) { f(snap) }

// Store owns the live snapshot. It is the only component writing it.
type Store struct {
	l         *log.Logger
	clock     clockwork.Clock
	rules     merge.Rules
	mu        sync.RWMutex
	current   model.Snapshot
	observers []Observer
	source    chan model.Snapshot
	bcst      broadcast.BroadcastServer[model.Snapshot]
	applied   metric.Int64Counter
	malformed metric.Int64Counter
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.l = l
	}
}

func WithRules(rules merge.Rules) Option {
	return func(s *Store) {
		s.rules = rules
	}
}

func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

func NewStore(opts ...Option) *Store {
	ret := &Store{
		l:       log.Default().Named("livetiming.state"),
		clock:   clockwork.NewRealClock(),
		rules:   merge.DefaultRules(),
		current: model.EmptySnapshot(),
		source:  make(chan model.Snapshot, 64),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.bcst = broadcast.NewBroadcastServer("snapshot", ret.source,
		broadcast.WithLogger[model.Snapshot](ret.l.Named("broadcast")))
	ret.setupMetrics()
	return ret
}

func (s *Store) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("ltm.state")
	var err error
	if s.applied, err = meter.Int64Counter("ltm.state.applied",
		metric.WithDescription("Number of applied messages"),
		metric.WithUnit("{count}")); err != nil {
		s.l.Error("failed to register metric", log.ErrorField(err))
	}
	if s.malformed, err = meter.Int64Counter("ltm.state.malformed",
		metric.WithDescription("Number of discarded malformed messages"),
		metric.WithUnit("{count}")); err != nil {
		s.l.Error("failed to register metric", log.ErrorField(err))
	}
}

// Apply merges the message into the snapshot. On error the snapshot is left unchanged.
func (s *Store) Apply(raw []byte) error {
	updates, err := parseMessage(raw)
	if err != nil {
		s.l.Warn("could not process message",
			log.ErrorField(err), log.Int("size", len(raw)))
		if s.malformed != nil {
			s.malformed.Add(context.Background(), 1)
		}
		return err
	}

	s.mu.Lock()
	feeds := make(map[string]any, len(s.current.Feeds)+len(updates))
	for k, v := range s.current.Feeds {
		feeds[k] = v
	}
	for k, v := range updates {
		feeds[k] = s.rules.Feed(k, feeds[k], v)
	}
	snap := model.Snapshot{Feeds: feeds, UpdatedAt: s.clock.Now()}
	s.current = snap
	observers := s.observers
	s.mu.Unlock()

	if s.applied != nil {
		s.applied.Add(context.Background(), 1)
	}
	for _, o := range observers {
		o.OnSnapshot(snap)
	}
	s.publish(snap)
	return nil
}

func (s *Store) publish(snap model.Snapshot) {
	select {
	case s.source <- snap:
	default:
		s.l.Warn("snapshot channel full, subscribers miss an update")
	}
}

// Snapshot returns the current snapshot. The returned value must not be modified.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reset discards the snapshot and publishes the empty one, so subscribers
// see the new session right away. Used when a new session starts.
func (s *Store) Reset() {
	s.mu.Lock()
	snap := model.EmptySnapshot()
	s.current = snap
	s.mu.Unlock()
	s.l.Debug("snapshot reset")
	s.publish(snap)
}

// AddObserver registers an observer for subsequent applies
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Broadcast provides subscriptions to published snapshots for consumers that
// may miss intermediate updates.
func (s *Store) Broadcast() broadcast.BroadcastServer[model.Snapshot] {
	return s.bcst
}

func (s *Store) Close() {
	s.bcst.Close()
}

// parseMessage returns the feed updates of a message. Compressed feeds are
// inflated and returned under their plain name.
func parseMessage(raw []byte) (map[string]any, error) {
	v, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, not an object", ErrMalformedMessage, v)
	}
	ret := make(map[string]any, len(m))
	for k, v := range m {
		if name, found := strings.CutSuffix(k, model.CompressedSuffix); found {
			inflated, err := inflate(v)
			if err != nil {
				return nil, fmt.Errorf("%w: feed %s: %w", ErrMalformedMessage, k, err)
			}
			ret[name] = inflated
			continue
		}
		ret[k] = v
	}
	return ret, nil
}

func inflate(v any) (any, error) {
	encoded, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("compressed value is %T, not a string", v)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return oj.Parse(plain)
}
