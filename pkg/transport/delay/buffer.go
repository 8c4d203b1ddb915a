// Package delay holds inbound messages for a configurable time before they
// are released to the consumer.
//
// The delay is uniform for the whole buffer, so releasing in submission order
// is the same as releasing in due order. A single timer armed for the head of
// the queue is sufficient.
package delay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/livetiming-go/log"
)

// Envelope is a raw message together with its arrival time
type Envelope struct {
	Data       []byte
	ReceivedAt time.Time
}

type Buffer struct {
	l       *log.Logger
	clock   clockwork.Clock
	release func(Envelope)

	mu     sync.Mutex
	delay  time.Duration
	queue  []Envelope
	timer  clockwork.Timer
	gen    int       // invalidates timers of previous sessions
	first  time.Time // first submission since the last reset
	synced bool
	closed bool

	// serializes calls of release, guarantees FIFO across submit and timer goroutines
	releaseMu sync.Mutex
}

type Option func(*Buffer)

func WithClock(clock clockwork.Clock) Option {
	return func(b *Buffer) {
		b.clock = clock
	}
}

func WithDelay(d time.Duration) Option {
	return func(b *Buffer) {
		b.delay = max(0, d)
	}
}

func WithLogger(l *log.Logger) Option {
	return func(b *Buffer) {
		b.l = l
	}
}

// NewBuffer creates a buffer which calls release for every submitted message
// once its delay elapsed.
func NewBuffer(release func(Envelope), opts ...Option) *Buffer {
	ret := &Buffer{
		l:       log.Default().Named("livetiming.delay"),
		clock:   clockwork.NewRealClock(),
		release: release,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Submit enqueues the message. It does not block on the consumer except when the
// delay is zero, in which case the message is released by the calling goroutine.
func (b *Buffer) Submit(data []byte, receivedAt time.Time) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.first.IsZero() {
		b.first = receivedAt
	}
	b.queue = append(b.queue, Envelope{Data: data, ReceivedAt: receivedAt})
	b.mu.Unlock()
	b.drain()
}

// drain releases all due envelopes and arms the timer for the next one.
func (b *Buffer) drain() {
	b.releaseMu.Lock()
	defer b.releaseMu.Unlock()
	for {
		b.mu.Lock()
		if b.closed || len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		head := b.queue[0]
		due := head.ReceivedAt.Add(b.delay)
		now := b.clock.Now()
		if now.Before(due) {
			if b.timer == nil {
				gen := b.gen
				b.timer = b.clock.AfterFunc(due.Sub(now), func() { b.fire(gen) })
			}
			b.mu.Unlock()
			return
		}
		b.queue[0] = Envelope{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.release(head)
	}
}

func (b *Buffer) fire(gen int) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()
	b.drain()
}

// Syncing reports if the buffer has not yet collected a full delay window of
// history since the first submission. Once false it stays false until Reset.
func (b *Buffer) Syncing() bool {
	return b.SyncRemaining() > 0
}

// SyncRemaining returns the time left until the sync horizon is reached.
// Before the first submission this is the full delay.
func (b *Buffer) SyncRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.synced || b.delay == 0 {
		return 0
	}
	if b.first.IsZero() {
		return b.delay
	}
	remaining := b.first.Add(b.delay).Sub(b.clock.Now())
	if remaining <= 0 {
		b.synced = true
		return 0
	}
	return remaining
}

// Reset drops all pending messages and starts over with the given delay.
// A release in progress is completed before Reset returns.
func (b *Buffer) Reset(delay time.Duration) {
	b.releaseMu.Lock()
	defer b.releaseMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) > 0 {
		b.l.Debug("dropping pending messages", log.Int("pending", len(b.queue)))
	}
	b.queue = nil
	b.gen++
	b.delay = max(0, delay)
	b.first = time.Time{}
	b.synced = false
}

func (b *Buffer) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Pending returns the number of messages waiting for release
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the timer and drops pending messages. Later submits are ignored.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	b.gen++
	b.closed = true
}
