package nats

import (
	"sync"
	"testing"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/livetiming"
	"github.com/mpapenbr/livetiming-go/pkg/model"
)

var t0 = time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu    sync.Mutex
	delay time.Duration
	subs  chan model.Snapshot
	once  sync.Once
}

func (f *fakeEngine) Status() livetiming.Status {
	return livetiming.Status{Connected: true, Delay: f.getDelay(), UpdatedAt: t0, Feeds: []string{"LapCount"}}
}

func (f *fakeEngine) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeEngine) getDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay
}

func (f *fakeEngine) Subscribe() <-chan model.Snapshot {
	return f.subs
}

func (f *fakeEngine) CancelSubscription(ch <-chan model.Snapshot) {
	f.once.Do(func() { close(f.subs) })
}

type message struct {
	subject string
	data    string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{subject: subj, data: string(data)})
	return nil
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message{}, p.msgs...)
}

func TestPublishSnapshot(t *testing.T) {
	engine := &fakeEngine{subs: make(chan model.Snapshot, 1)}
	pub := &fakePublisher{}
	b := NewBridge(nil, engine,
		WithPublisher(pub),
		WithSubject("f1"),
		WithLogger(log.NewNop()))
	require.NoError(t, b.Start())

	engine.subs <- model.Snapshot{
		Feeds:     map[string]any{"LapCount": map[string]any{"CurrentLap": int64(3)}},
		UpdatedAt: t0,
	}
	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, time.Second, 5*time.Millisecond)
	b.Close()

	msgs := pub.messages()
	assert.Equal(t, "f1.snapshot", msgs[0].subject)
	v, err := oj.ParseString(msgs[0].data)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "2024-05-26T13:00:00Z", m["updatedAt"])
	assert.Equal(t, map[string]any{"LapCount": map[string]any{"CurrentLap": int64(3)}}, m["feeds"])

	assert.Equal(t, "f1.status", msgs[1].subject)
	assert.JSONEq(t, `{
		"connected":true,"syncing":false,"syncRemainingMs":0,"delayMs":0,
		"updatedAt":"2024-05-26T13:00:00Z","feeds":["LapCount"]
	}`, msgs[1].data)
}

func TestHandleControl(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		want      string
		wantDelay time.Duration
	}{
		{"object", `{"delayMs":1500}`, `{"delayMs":1500}`, 1500 * time.Millisecond},
		{"plain", `2000`, `{"delayMs":2000}`, 2 * time.Second},
		{"negative", `-1`, `{"error":"invalid delay: must not be negative"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{subs: make(chan model.Snapshot)}
			b := NewBridge(nil, engine, WithLogger(log.NewNop()))
			assert.JSONEq(t, tt.want, string(b.handleControl([]byte(tt.data))))
			assert.Equal(t, tt.wantDelay, engine.getDelay())
		})
	}
}

func TestSubjects(t *testing.T) {
	b := NewBridge(nil, &fakeEngine{subs: make(chan model.Snapshot)})
	assert.Equal(t, "livetiming.snapshot", b.SnapshotSubject())
	assert.Equal(t, "livetiming.status", b.StatusSubject())
	assert.Equal(t, "livetiming.control.delay", b.ControlSubject())
}

func TestCloseWithoutStart(t *testing.T) {
	b := NewBridge(nil, &fakeEngine{subs: make(chan model.Snapshot)}, WithLogger(log.NewNop()))
	b.Close()
	b.Close()
}
