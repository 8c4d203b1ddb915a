package model

import (
	"time"

	"github.com/ohler55/ojg/jp"

	"github.com/mpapenbr/livetiming-go/log"
)

type EventSource int

const (
	SourceRaceControl EventSource = iota
	SourceSessionStatus
)

func (s EventSource) String() string {
	switch s {
	case SourceRaceControl:
		return "raceControl"
	case SourceSessionStatus:
		return "sessionStatus"
	default:
		return "unknown"
	}
}

// TimedEvent is a race control message or a session status entry.
// Optional attributes are empty when not present.
type TimedEvent struct {
	Utc           time.Time
	Source        EventSource
	Category      string // free form, e.g. "Flag", "Drs", "Other"
	Flag          string // flag colour, e.g. "GREEN", "BLUE", "DOUBLE YELLOW"
	Message       string
	Lap           int
	HasLap        bool
	Scope         string
	Sector        int
	RacingNumber  string
	TrackStatus   string
	SessionStatus string
}

var (
	raceControlPath  = jp.MustParseString("$.RaceControlMessages.Messages")
	statusSeriesPath = jp.MustParseString("$.SessionData.StatusSeries")
)

// the feed delivers timestamps with and without zone and fraction
var utcLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func ParseUtc(s string) (time.Time, bool) {
	for _, layout := range utcLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// RaceControlEvents returns the race control messages in feed order
func RaceControlEvents(s Snapshot) []TimedEvent {
	return collectEvents(s.lookup(raceControlPath), SourceRaceControl)
}

// StatusEvents returns the session status series in feed order
func StatusEvents(s Snapshot) []TimedEvent {
	return collectEvents(s.lookup(statusSeriesPath), SourceSessionStatus)
}

func collectEvents(v any, source EventSource) []TimedEvent {
	items := values(v)
	ret := make([]TimedEvent, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}
		e, ok := toTimedEvent(m, source)
		if !ok {
			log.Debug("dropping event without valid timestamp",
				log.String("source", source.String()),
				log.Any("utc", m["Utc"]))
			continue
		}
		ret = append(ret, e)
	}
	return ret
}

func toTimedEvent(m map[string]any, source EventSource) (TimedEvent, bool) {
	utc, ok := ParseUtc(asString(m["Utc"]))
	if !ok {
		return TimedEvent{}, false
	}
	e := TimedEvent{
		Utc:           utc,
		Source:        source,
		Category:      asString(m["Category"]),
		Flag:          asString(m["Flag"]),
		Message:       asString(m["Message"]),
		Scope:         asString(m["Scope"]),
		RacingNumber:  asString(m["RacingNumber"]),
		TrackStatus:   asString(m["TrackStatus"]),
		SessionStatus: asString(m["SessionStatus"]),
	}
	e.Lap, e.HasLap = asInt(m["Lap"])
	e.Sector, _ = asInt(m["Sector"])
	return e, true
}
