//nolint:funlen,lll // ok for tests
package timeline

import (
	"testing"
	"time"

	"github.com/ohler55/ojg/oj"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mpapenbr/livetiming-go/pkg/model"
)

var t0 = time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC)

func ev(offset time.Duration, msg string) model.TimedEvent {
	return model.TimedEvent{Utc: t0.Add(offset), Message: msg}
}

func flagged(offset time.Duration, flag, msg string) model.TimedEvent {
	return model.TimedEvent{Utc: t0.Add(offset), Category: "Flag", Flag: flag, Message: msg}
}

func messages(events []model.TimedEvent) []string {
	ret := make([]string, 0, len(events))
	for _, e := range events {
		ret = append(ret, e.Message)
	}
	return ret
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		a    []model.TimedEvent
		b    []model.TimedEvent
		keep Filter
		want []string
	}{
		{
			name: "empty",
			want: []string{},
		},
		{
			name: "empty with sequence sorts descending",
			b:    []model.TimedEvent{ev(1*time.Minute, "a"), ev(3*time.Minute, "c"), ev(2*time.Minute, "b")},
			want: []string{"c", "b", "a"},
		},
		{
			name: "interleaved",
			a:    []model.TimedEvent{ev(1*time.Minute, "rc1"), ev(4*time.Minute, "rc4")},
			b:    []model.TimedEvent{ev(2*time.Minute, "st2"), ev(3*time.Minute, "st3")},
			want: []string{"rc4", "st3", "st2", "rc1"},
		},
		{
			name: "ties keep input order",
			a:    []model.TimedEvent{ev(time.Minute, "a1"), ev(time.Minute, "a2")},
			b:    []model.TimedEvent{ev(time.Minute, "b1")},
			want: []string{"a1", "a2", "b1"},
		},
		{
			name: "filtered",
			a:    []model.TimedEvent{flagged(time.Minute, "BLUE", "blue"), flagged(2*time.Minute, "YELLOW", "yellow")},
			b:    []model.TimedEvent{ev(3*time.Minute, "status")},
			keep: ExcludeFlags("blue"),
			want: []string{"status", "yellow"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.a, tt.b, tt.keep)
			assert.DeepEqual(t, messages(got), tt.want)
			for i := 1; i < len(got); i++ {
				assert.Assert(t, !got[i].Utc.After(got[i-1].Utc), "not sorted at %d", i)
			}
		})
	}
}

func TestMergeDoesNotModifyInput(t *testing.T) {
	a := []model.TimedEvent{ev(time.Minute, "a"), ev(2*time.Minute, "b")}
	_ = Merge(a, nil, nil)
	assert.DeepEqual(t, messages(a), []string{"a", "b"})
}

func TestFilters(t *testing.T) {
	blue := flagged(0, "BLUE", "blue")
	yellow := flagged(0, "Yellow", "yellow")
	noFlag := ev(0, "none")
	lapped := model.TimedEvent{Category: "Other", Message: "LAPPED CARS MAY NOW OVERTAKE"}

	keep := ExcludeFlags(" blue ", "YELLOW")
	assert.Check(t, !keep(blue))
	assert.Check(t, !keep(yellow))
	assert.Check(t, keep(noFlag))

	onlyFlags := func(e model.TimedEvent) bool { return e.Category == "Flag" }
	combined := All(onlyFlags, nil, ExcludeFlags("blue"))
	assert.Check(t, combined(yellow))
	assert.Check(t, !combined(blue))
	assert.Check(t, !combined(lapped))
	assert.Check(t, All()(lapped))
}

func TestFromSnapshot(t *testing.T) {
	v, err := oj.ParseString(`{
		"RaceControlMessages":{"Messages":[
			{"Utc":"2024-05-26T13:01:00","Category":"Flag","Flag":"GREEN","Message":"GREEN LIGHT"},
			{"Utc":"2024-05-26T13:05:00","Category":"Flag","Flag":"BLUE","Message":"BLUE FLAG"}
		]},
		"SessionData":{"StatusSeries":[
			{"Utc":"2024-05-26T13:00:30Z","SessionStatus":"Started"},
			{"Utc":"2024-05-26T13:03:00Z","TrackStatus":"Yellow"}
		]}
	}`)
	assert.NilError(t, err)
	snap := model.Snapshot{Feeds: v.(map[string]any)}

	got := FromSnapshot(snap, ExcludeFlags("BLUE"))
	assert.Assert(t, is.Len(got, 3))
	assert.Equal(t, got[0].TrackStatus, "Yellow")
	assert.Equal(t, got[1].Message, "GREEN LIGHT")
	assert.Equal(t, got[2].SessionStatus, "Started")
}

func TestElapsedSince(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    string
	}{
		{"zero", 0, "00:00"},
		{"future", -5 * time.Second, "00:00"},
		{"seconds", 59*time.Second + 900*time.Millisecond, "00:59"},
		{"minutes", 12*time.Minute + 3*time.Second, "12:03"},
		{"one hour", time.Hour, "60:00"},
		{"too old", time.Hour + time.Second, Unknown},
		{"way too old", 30 * time.Hour, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ElapsedSince(t0, t0.Add(tt.elapsed)), tt.want)
		})
	}
}
