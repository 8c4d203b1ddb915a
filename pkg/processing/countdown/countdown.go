// Package countdown computes the remaining session time from the last clock anchor.
package countdown

import (
	"fmt"
	"time"

	"github.com/mpapenbr/livetiming-go/pkg/model"
)

// RemainingNow returns the remaining session time at now.
//
// A stopped clock returns the anchor value unchanged. A running clock is
// extrapolated from the anchor time. The playback delay is added because a
// delayed snapshot lags behind the wall clock by exactly that amount.
// The result is never negative.
func RemainingNow(anchor model.ClockAnchor, now time.Time, delay time.Duration) time.Duration {
	if !anchor.Extrapolating {
		return anchor.Remaining
	}
	return max(0, anchor.Remaining-now.Sub(anchor.Utc)+delay)
}

// Format returns d as HH:MM:SS. Hours are not wrapped at 24.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// Display returns the text to show for the anchor at now. A stopped clock
// shows the text as delivered by the feed.
func Display(anchor model.ClockAnchor, now time.Time, delay time.Duration) string {
	if !anchor.Extrapolating && anchor.RemainingText != "" {
		return anchor.RemainingText
	}
	return Format(RemainingNow(anchor, now, delay))
}
