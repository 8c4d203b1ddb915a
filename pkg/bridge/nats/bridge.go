// Package nats mirrors the live state to a NATS server and accepts
// delay changes from there.
package nats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ohler55/ojg/oj"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/endpoints/public"
	"github.com/mpapenbr/livetiming-go/pkg/endpoints/utils"
	"github.com/mpapenbr/livetiming-go/pkg/livetiming"
	"github.com/mpapenbr/livetiming-go/pkg/model"
)

const DefaultSubject = "livetiming"

type (
	// Engine is the part of the live timing engine used by the bridge
	Engine interface {
		Status() livetiming.Status
		SetDelay(d time.Duration)
		Subscribe() <-chan model.Snapshot
		CancelSubscription(ch <-chan model.Snapshot)
	}

	// Publisher is satisfied by *nats.Conn
	Publisher interface {
		Publish(subj string, data []byte) error
	}

	Bridge struct {
		conn     *nats.Conn
		pub      Publisher
		engine   Engine
		subject  string
		l        *log.Logger
		mutex    sync.Mutex
		sub      *nats.Subscription
		snapshot <-chan model.Snapshot
		done     chan struct{}
	}
	Option func(*Bridge)
)

func WithSubject(subject string) Option {
	return func(b *Bridge) {
		b.subject = subject
	}
}

func WithLogger(l *log.Logger) Option {
	return func(b *Bridge) {
		b.l = l
	}
}

// WithPublisher replaces the connection used for publishing
func WithPublisher(p Publisher) Option {
	return func(b *Bridge) {
		b.pub = p
	}
}

func NewBridge(conn *nats.Conn, engine Engine, opts ...Option) *Bridge {
	ret := &Bridge{
		conn:    conn,
		engine:  engine,
		subject: DefaultSubject,
		l:       log.Default().Named("nats"),
	}
	if conn != nil {
		ret.pub = conn
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (b *Bridge) SnapshotSubject() string {
	return b.subject + ".snapshot"
}

func (b *Bridge) StatusSubject() string {
	return b.subject + ".status"
}

func (b *Bridge) ControlSubject() string {
	return b.subject + ".control.delay"
}

// Start subscribes to the control subject (if a connection is present) and
// begins publishing every applied snapshot.
func (b *Bridge) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.done != nil {
		return nil
	}
	if b.conn != nil {
		sub, err := b.conn.Subscribe(b.ControlSubject(), b.onControl)
		if err != nil {
			return err
		}
		b.sub = sub
	}
	b.snapshot = b.engine.Subscribe()
	b.done = make(chan struct{})
	go b.publishLoop(b.snapshot, b.done)
	b.l.Info("bridge started", log.String("subject", b.subject))
	return nil
}

func (b *Bridge) publishLoop(ch <-chan model.Snapshot, done chan struct{}) {
	defer close(done)
	for snap := range ch {
		b.publish(snap)
	}
	b.l.Debug("snapshot channel closed")
}

func (b *Bridge) publish(snap model.Snapshot) {
	if b.pub == nil {
		return
	}
	updatedAt := ""
	if !snap.UpdatedAt.IsZero() {
		updatedAt = snap.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	data := oj.JSON(map[string]any{"updatedAt": updatedAt, "feeds": snap.Feeds})
	if err := b.pub.Publish(b.SnapshotSubject(), []byte(data)); err != nil {
		b.l.Warn("could not publish snapshot", log.ErrorField(err))
	}
	status, err := json.Marshal(public.ToStatusResponse(b.engine.Status()))
	if err != nil {
		b.l.Error("could not marshal status", log.ErrorField(err))
		return
	}
	if err := b.pub.Publish(b.StatusSubject(), status); err != nil {
		b.l.Warn("could not publish status", log.ErrorField(err))
	}
}

func (b *Bridge) onControl(msg *nats.Msg) {
	reply := b.handleControl(msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		b.l.Warn("could not respond to control message", log.ErrorField(err))
	}
}

// handleControl applies a delay request and returns the reply payload
func (b *Bridge) handleControl(data []byte) []byte {
	d, err := utils.ParseDelay(data)
	if err != nil {
		b.l.Warn("invalid delay request", log.ErrorField(err))
		//nolint:errchkjson // plain struct
		ret, _ := json.Marshal(utils.ErrorResponse{Error: err.Error()})
		return ret
	}
	b.l.Info("delay change requested", log.Duration("delay", d))
	b.engine.SetDelay(d)
	return []byte(fmt.Sprintf(`{"delayMs":%d}`, d.Milliseconds()))
}

func (b *Bridge) Close() {
	b.mutex.Lock()
	if b.done == nil {
		b.mutex.Unlock()
		return
	}
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.l.Debug("unsubscribe failed", log.ErrorField(err))
		}
		b.sub = nil
	}
	done := b.done
	b.engine.CancelSubscription(b.snapshot)
	b.done = nil
	b.mutex.Unlock()
	<-done
	b.l.Info("bridge closed")
}
