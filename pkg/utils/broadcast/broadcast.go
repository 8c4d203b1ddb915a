package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/livetiming-go/log"
)

//nolint:lll // by design
// see https://betterprogramming.pub/how-to-broadcast-messages-in-go-using-channels-b68f42bdf32e

// BroadcastServer distributes each value received from the source to all
// current subscribers. Slow subscribers miss values instead of blocking the others.
type BroadcastServer[T any] interface {
	Subscribe() <-chan T
	CancelSubscription(<-chan T)
	Close()
}

type broadcastServer[T any] struct {
	name           string
	source         <-chan T
	listeners      []chan T
	addListener    chan chan T
	removeListener chan (<-chan T)
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	skipTimeout    time.Duration
	l              *log.Logger
	numRcv         atomic.Int64
	numSnd         atomic.Int64
	numSkip        atomic.Int64
	numListener    atomic.Int64
	registration   metric.Registration
}

type Option[T any] func(*broadcastServer[T])

// WithSkipTimeout sets how long a value is offered to a single subscriber
// before it is skipped for that subscriber.
func WithSkipTimeout[T any](d time.Duration) Option[T] {
	return func(b *broadcastServer[T]) {
		b.skipTimeout = d
	}
}

func WithLogger[T any](l *log.Logger) Option[T] {
	return func(b *broadcastServer[T]) {
		b.l = l
	}
}

// Subscribe returns a channel receiving the values published after this call.
// The channel is closed when the subscription is cancelled or the server is closed.
func (b *broadcastServer[T]) Subscribe() <-chan T {
	ch := make(chan T, 1)
	select {
	case b.addListener <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

func (b *broadcastServer[T]) CancelSubscription(ch <-chan T) {
	select {
	case b.removeListener <- ch:
	case <-b.done:
	}
}

func (b *broadcastServer[T]) Close() {
	b.l.Debug("Closing broadcast server",
		log.Int64("rcv", b.numRcv.Load()),
		log.Int64("snd", b.numSnd.Load()),
		log.Int64("skip", b.numSkip.Load()))
	b.cancel()
	<-b.done
	if b.registration != nil {
		//nolint:errcheck // by design
		b.registration.Unregister()
	}
}

//nolint:whitespace // false positive
func NewBroadcastServer[T any](
	name string,
	source <-chan T,
	opts ...Option[T],
) BroadcastServer[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &broadcastServer[T]{
		name:           name,
		source:         source,
		addListener:    make(chan chan T),
		removeListener: make(chan (<-chan T)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		skipTimeout:    50 * time.Millisecond,
		l:              log.Default().Named("broadcast").Named(name),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.setupMetrics()
	go b.serve()
	return b
}

func (b *broadcastServer[T]) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("ltm.broadcast")
	attrs := metric.WithAttributes(attribute.String("name", b.name))

	rcv, err1 := meter.Int64ObservableGauge("ltm.broadcast.rcv",
		metric.WithDescription("Number of received messages"),
		metric.WithUnit("{count}"))
	snd, err2 := meter.Int64ObservableGauge("ltm.broadcast.snd",
		metric.WithDescription("Number of sent messages"),
		metric.WithUnit("{count}"))
	skip, err3 := meter.Int64ObservableGauge("ltm.broadcast.skip",
		metric.WithDescription("Number of skipped messages"),
		metric.WithUnit("{count}"))
	listener, err4 := meter.Int64ObservableGauge("ltm.broadcast.listener",
		metric.WithDescription("Number of listeners"),
		metric.WithUnit("{count}"))
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			b.l.Error("failed to register metric", log.ErrorField(err))
			return
		}
	}
	reg, err := meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(rcv, b.numRcv.Load(), attrs)
			o.ObserveInt64(snd, b.numSnd.Load(), attrs)
			o.ObserveInt64(skip, b.numSkip.Load(), attrs)
			o.ObserveInt64(listener, b.numListener.Load(), attrs)
			return nil
		}, rcv, snd, skip, listener)
	if err != nil {
		b.l.Error("failed to register metric callback", log.ErrorField(err))
		return
	}
	b.registration = reg
}

//nolint:funlen,cyclop // by design
func (b *broadcastServer[T]) serve() {
	defer func() {
		b.l.Debug("Closing listeners", log.Int("len", len(b.listeners)))
		for _, listener := range b.listeners {
			close(listener)
		}
		b.listeners = nil
		close(b.done)
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ch := <-b.addListener:
			b.listeners = append(b.listeners, ch)
			b.numListener.Store(int64(len(b.listeners)))
		case ch := <-b.removeListener:
			for i, listener := range b.listeners {
				if listener == ch {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					close(listener)
					break
				}
			}
			b.numListener.Store(int64(len(b.listeners)))
			b.l.Debug("removed listener", log.Int("len", len(b.listeners)))
		case msg, ok := <-b.source:
			if !ok {
				b.l.Debug("source closed")
				return
			}
			b.numRcv.Add(1)
			for _, listener := range b.listeners {
				select {
				case listener <- msg:
					b.numSnd.Add(1)
				case <-time.After(b.skipTimeout):
					b.numSkip.Add(1)
				}
			}
		}
	}
}

func (b *broadcastServer[T]) String() string {
	return fmt.Sprintf("broadcast[%s] listeners=%d", b.name, b.numListener.Load())
}
