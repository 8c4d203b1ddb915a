//nolint:funlen,lll // ok for tests
package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, s string) Snapshot {
	t.Helper()
	v, err := oj.ParseString(s)
	require.NoError(t, err)
	return Snapshot{Feeds: v.(map[string]any)}
}

func TestParseUtc(t *testing.T) {
	tests := []struct {
		name   string
		arg    string
		want   time.Time
		wantOk bool
	}{
		{"zulu", "2024-05-26T13:04:05Z", time.Date(2024, 5, 26, 13, 4, 5, 0, time.UTC), true},
		{"offset", "2024-05-26T15:04:05+02:00", time.Date(2024, 5, 26, 13, 4, 5, 0, time.UTC), true},
		{"no zone", "2024-05-26T13:04:05", time.Date(2024, 5, 26, 13, 4, 5, 0, time.UTC), true},
		{"no zone fraction", "2024-05-26T13:04:05.250", time.Date(2024, 5, 26, 13, 4, 5, 250000000, time.UTC), true},
		{"empty", "", time.Time{}, false},
		{"garbage", "yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseUtc(tt.arg)
			assert.Equal(t, tt.wantOk, ok)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestRaceControlEvents(t *testing.T) {
	snap := snapshotOf(t, `{"RaceControlMessages":{"Messages":[
		{"Utc":"2024-05-26T13:03:00","Category":"Flag","Flag":"GREEN","Scope":"Track","Message":"GREEN LIGHT - PIT EXIT OPEN"},
		{"Utc":"invalid","Category":"Other","Message":"dropped"},
		{"Utc":"2024-05-26T13:10:00","Lap":3,"Category":"Flag","Flag":"BLUE","Scope":"Driver","RacingNumber":"2","Message":"WAVED BLUE FLAG FOR CAR 2"}
	]}}`)

	got := RaceControlEvents(snap)
	want := []TimedEvent{
		{
			Utc: time.Date(2024, 5, 26, 13, 3, 0, 0, time.UTC), Source: SourceRaceControl,
			Category: "Flag", Flag: "GREEN", Scope: "Track", Message: "GREEN LIGHT - PIT EXIT OPEN",
		},
		{
			Utc: time.Date(2024, 5, 26, 13, 10, 0, 0, time.UTC), Source: SourceRaceControl,
			Category: "Flag", Flag: "BLUE", Scope: "Driver", RacingNumber: "2",
			Message: "WAVED BLUE FLAG FOR CAR 2", Lap: 3, HasLap: true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RaceControlEvents() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusEventsFromIndexedObject(t *testing.T) {
	snap := snapshotOf(t, `{"SessionData":{"StatusSeries":{
		"10":{"Utc":"2024-05-26T13:20:00Z","TrackStatus":"Yellow"},
		"2":{"Utc":"2024-05-26T13:00:00Z","SessionStatus":"Started"}
	}}}`)
	got := StatusEvents(snap)
	require.Len(t, got, 2)
	assert.Equal(t, "Started", got[0].SessionStatus)
	assert.Equal(t, "Yellow", got[1].TrackStatus)
	assert.Equal(t, SourceSessionStatus, got[1].Source)
}

func TestTimingLines(t *testing.T) {
	snap := snapshotOf(t, `{
		"TimingData":{"Lines":{
			"1":{"Position":"1","GapToLeader":"LAP 12","IntervalToPositionAhead":{"Value":"","Catching":false},"NumberOfPitStops":1,"NumberOfLaps":12},
			"11":{"Position":"2","GapToLeader":"+0.734","IntervalToPositionAhead":{"Value":"+0.734","Catching":true}},
			"22":{"Position":"3","GapToLeader":"1 L","IntervalToPositionAhead":{"Value":"+0.500"},"PitOut":true},
			"44":{"Position":"20","Retired":true,"Stopped":true}
		}},
		"TimingAppData":{"Lines":{
			"1":{"Stints":[{"Compound":"MEDIUM","New":"true","TotalLaps":8},{"Compound":"HARD","New":"true","TotalLaps":4,"StartLaps":0}]},
			"11":{"Stints":{"0":{"Compound":"SOFT","TotalLaps":"12"}}}
		}}
	}`)

	lines := TimingLines(snap)
	require.Len(t, lines, 4)

	leader := lines["1"]
	pos, ok := leader.PositionValue()
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
	assert.True(t, leader.HasPitStops)
	assert.Equal(t, 1, leader.NumberOfPitStops)
	stint, ok := leader.CurrentStint()
	require.True(t, ok)
	assert.Equal(t, "HARD", stint.Compound)
	assert.False(t, leader.CloseInterval())

	second := lines["11"]
	assert.True(t, second.CloseInterval())
	assert.True(t, second.Catching())
	stint, ok = second.CurrentStint()
	require.True(t, ok)
	assert.Equal(t, 12, stint.TotalLaps)

	third := lines["22"]
	assert.True(t, third.IsLapped())
	assert.False(t, third.CloseInterval(), "pit out never counts as close")
	_, ok = third.CurrentStint()
	assert.False(t, ok)

	assert.True(t, lines["44"].IsOut())

	assert.Equal(t, map[string]int{"1": 1, "11": 2, "22": 3, "44": 20}, Positions(snap))
}

func TestDrivers(t *testing.T) {
	snap := snapshotOf(t, `{"DriverList":{
		"1":{"RacingNumber":"1","Tla":"VER","FullName":"Max VERSTAPPEN","TeamName":"Red Bull Racing","TeamColour":"3671C6"},
		"4":{"Tla":"NOR","BroadcastName":"L NORRIS"},
		"x":"junk"
	}}`)
	got := Drivers(snap)
	want := map[string]Driver{
		"1": {RacingNumber: "1", Tla: "VER", FullName: "Max VERSTAPPEN", TeamName: "Red Bull Racing", TeamColour: "3671C6"},
		"4": {RacingNumber: "4", Tla: "NOR", BroadcastName: "L NORRIS"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Drivers() mismatch (-want +got):\n%s", diff)
	}
}

func TestCarTelemetry(t *testing.T) {
	tel := CarTelemetry{Throttle: 104, Brake: 1, DRS: 8}
	assert.Equal(t, 100, tel.ThrottlePercent())
	assert.True(t, tel.BrakeApplied())
	assert.False(t, tel.DRSOpen())
	tel.DRS = 14
	assert.True(t, tel.DRSOpen())

	_, ok := CarTelemetryFor(EmptySnapshot(), "1")
	assert.False(t, ok)
}

func TestParseClockDuration(t *testing.T) {
	tests := []struct {
		arg     string
		want    time.Duration
		wantErr bool
	}{
		{"01:59:58", time.Hour + 59*time.Minute + 58*time.Second, false},
		{"00:12:01.250", 12*time.Minute + 1250*time.Millisecond, false},
		{"12:01", 12*time.Minute + time.Second, false},
		{"00:00:00", 0, false},
		{"", 0, true},
		{"1:2:3:4", 0, true},
		{"00:61:00", 0, true},
		{"-1:00:00", 0, true},
		{"ab:cd:ef", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := ParseClockDuration(tt.arg)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidClockDuration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClockAnchorFrom(t *testing.T) {
	snap := snapshotOf(t, `{"ExtrapolatedClock":{"Utc":"2024-05-26T13:00:00.000Z","Remaining":"01:00:00","Extrapolating":true}}`)
	got, ok := ClockAnchorFrom(snap)
	require.True(t, ok)
	assert.Equal(t, ClockAnchor{
		Remaining:     time.Hour,
		RemainingText: "01:00:00",
		Utc:           time.Date(2024, 5, 26, 13, 0, 0, 0, time.UTC),
		Extrapolating: true,
	}, got)

	_, ok = ClockAnchorFrom(snapshotOf(t, `{"ExtrapolatedClock":{"Remaining":"01:00:00"}}`))
	assert.False(t, ok)
	_, ok = ClockAnchorFrom(EmptySnapshot())
	assert.False(t, ok)
}

func TestSnapshotHelpers(t *testing.T) {
	snap := snapshotOf(t, `{"TrackStatus":{},"Heartbeat":{}}`)
	assert.Equal(t, []string{"Heartbeat", "TrackStatus"}, snap.Keys())
	assert.True(t, snap.Has(FeedHeartbeat))
	assert.False(t, snap.Has(FeedCarData))
	assert.False(t, snap.Empty())
	assert.True(t, EmptySnapshot().Empty())
	assert.Equal(t, "TimingData", FeedTimingData.String())
}

func TestValuesOrderedByIndex(t *testing.T) {
	got := values(map[string]any{
		"9223372036854775807": "last",
		"-1":                  "first",
		"10":                  "second",
		"2":                   "between",
	})
	assert.Equal(t, []any{"first", "between", "second", "last"}, got)
}
