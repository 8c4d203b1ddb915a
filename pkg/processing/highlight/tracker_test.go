//nolint:funlen // ok for tests
package highlight

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/model"
)

var t0 = time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)

func newTestTracker(opts ...Option) (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(t0)
	opts = append([]Option{WithClock(clock), WithLogger(log.NewNop())}, opts...)
	return NewTracker(opts...), clock
}

func TestFirstSightingIsStable(t *testing.T) {
	tr, _ := newTestTracker()
	defer tr.Close()
	tr.Observe(map[string]int{"1": 1, "44": 2})
	assert.True(t, tr.State("1").Stable())
	assert.True(t, tr.State("44").Stable())
	assert.Empty(t, tr.States())
	assert.Equal(t, map[string]int{"1": 1, "44": 2}, tr.Values())
}

func TestUnchangedNeverChanges(t *testing.T) {
	tr, clock := newTestTracker()
	defer tr.Close()
	for range 10 {
		tr.Observe(map[string]int{"1": 3})
		clock.Advance(time.Second)
		assert.True(t, tr.State("1").Stable())
	}
}

func TestDirections(t *testing.T) {
	tests := []struct {
		name string
		from int
		to   int
		want Direction
	}{
		{"improved", 5, 3, Improved},
		{"worsened", 3, 5, Worsened},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, clock := newTestTracker()
			defer tr.Close()
			tr.Observe(map[string]int{"1": tt.from})
			tr.Observe(map[string]int{"1": tt.to})
			assert.Equal(t, State{Changed: true, Direction: tt.want, ExpiresAt: clock.Now().Add(5 * time.Second)}, tr.State("1"))
		})
	}
}

func TestUnchangedKeepsHighlight(t *testing.T) {
	tr, clock := newTestTracker()
	defer tr.Close()
	tr.Observe(map[string]int{"1": 2})
	tr.Observe(map[string]int{"1": 1})
	clock.Advance(3 * time.Second)
	tr.Observe(map[string]int{"1": 1})
	s := tr.State("1")
	assert.Equal(t, Improved, s.Direction)
	assert.Equal(t, t0.Add(5*time.Second), s.ExpiresAt, "unchanged value must not restart the window")

	clock.Advance(2 * time.Second)
	assert.True(t, tr.State("1").Stable())
}

func TestImproveThenWorsenRestartsWindow(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	tr, clock := newTestTracker(WithOnChange(func(id string, s State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	}))
	defer tr.Close()

	tr.Observe(map[string]int{"1": 3})
	tr.Observe(map[string]int{"1": 2})
	clock.Advance(2 * time.Second)
	tr.Observe(map[string]int{"1": 4})

	s := tr.State("1")
	assert.Equal(t, Worsened, s.Direction)
	assert.Equal(t, t0.Add(7*time.Second), s.ExpiresAt)

	// the first window has passed but the second change is still active
	clock.Advance(4 * time.Second)
	assert.Equal(t, Worsened, tr.State("1").Direction)

	clock.Advance(time.Second)
	assert.True(t, tr.State("1").Stable())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Improved, transitions[0].Direction)
	assert.Equal(t, Worsened, transitions[1].Direction)
	assert.True(t, transitions[2].Stable(), "only the latest timer expires")
}

func TestSingleTimerPerEntity(t *testing.T) {
	tr, clock := newTestTracker()
	defer tr.Close()
	tr.Observe(map[string]int{"1": 1})
	for i := 2; i < 6; i++ {
		tr.Observe(map[string]int{"1": i})
		clock.Advance(time.Second)
	}
	tr.mu.Lock()
	e := tr.entries["1"]
	require.NotNil(t, e.timer)
	assert.Equal(t, 4, e.gen)
	assert.Equal(t, t0.Add(8*time.Second), e.state.ExpiresAt)
	tr.mu.Unlock()
}

func TestRemovedEntities(t *testing.T) {
	tr, _ := newTestTracker()
	defer tr.Close()
	tr.Observe(map[string]int{"1": 1, "2": 2})
	tr.Observe(map[string]int{"1": 2, "2": 1})
	assert.Len(t, tr.States(), 2)

	tr.Observe(map[string]int{"1": 2})
	assert.Len(t, tr.States(), 1)
	assert.True(t, tr.State("2").Stable())
	_, tracked := tr.Values()["2"]
	assert.False(t, tracked)
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker()
	defer tr.Close()
	tr.Observe(map[string]int{"1": 2})
	tr.Observe(map[string]int{"1": 1})
	tr.Reset()
	assert.Empty(t, tr.States())
	tr.Observe(map[string]int{"1": 5})
	assert.True(t, tr.State("1").Stable(), "first sighting after reset")
}

func TestOnSnapshot(t *testing.T) {
	tr, clock := newTestTracker()
	defer tr.Close()
	snap := func(s string) model.Snapshot {
		v, err := oj.ParseString(s)
		require.NoError(t, err)
		return model.Snapshot{Feeds: v.(map[string]any)}
	}
	tr.OnSnapshot(snap(`{"TimingData":{"Lines":{"1":{"Position":"2"}}}}`))
	clock.Advance(time.Second)
	tr.OnSnapshot(snap(`{"TimingData":{"Lines":{"1":{"Position":"1"}}}}`))
	assert.Equal(t, State{Changed: true, Direction: Improved, ExpiresAt: t0.Add(6 * time.Second)}, tr.State("1"))
}
