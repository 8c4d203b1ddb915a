package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidClockDuration = errors.New("invalid clock duration")

// ClockAnchor is the last ExtrapolatedClock value.
// Remaining is valid at Utc; if Extrapolating is set, the session clock is running.
type ClockAnchor struct {
	Remaining     time.Duration
	RemainingText string
	Utc           time.Time
	Extrapolating bool
}

// ClockAnchorFrom extracts the anchor from the ExtrapolatedClock feed.
// It reports false if Utc or Remaining are missing or invalid.
func ClockAnchorFrom(s Snapshot) (ClockAnchor, bool) {
	v, ok := s.Feed(FeedExtrapolatedClock)
	if !ok {
		return ClockAnchor{}, false
	}
	m := asMap(v)
	remainingText := asString(m["Remaining"])
	utcText := asString(m["Utc"])
	if remainingText == "" || utcText == "" {
		return ClockAnchor{}, false
	}
	utc, ok := ParseUtc(utcText)
	if !ok {
		return ClockAnchor{}, false
	}
	remaining, err := ParseClockDuration(remainingText)
	if err != nil {
		return ClockAnchor{}, false
	}
	return ClockAnchor{
		Remaining:     remaining,
		RemainingText: remainingText,
		Utc:           utc,
		Extrapolating: asBool(m["Extrapolating"]),
	}, true
}

// ParseClockDuration parses values like "01:59:58", "00:12:01.250" or "12:01".
func ParseClockDuration(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockDuration, s)
	}
	if len(parts) == 2 {
		parts = append([]string{"0"}, parts...)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockDuration, s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockDuration, s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockDuration, s)
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}
