// Package timeline merges race control messages and session status changes
// into one sequence, most recent first.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/livetiming-go/pkg/model"
)

// Unknown is returned by ElapsedSince for events older than MaxElapsed
const Unknown = "--:--"

const MaxElapsed = time.Hour

// Filter reports if an event is kept. A nil Filter keeps all events.
type Filter func(e model.TimedEvent) bool

// Merge concatenates both collections, applies the filter and sorts by time,
// most recent first. Events with the same time keep their input order.
func Merge(a, b []model.TimedEvent, keep Filter) []model.TimedEvent {
	ret := make([]model.TimedEvent, 0, len(a)+len(b))
	ret = append(ret, a...)
	ret = append(ret, b...)
	if keep != nil {
		ret = lo.Filter(ret, func(e model.TimedEvent, _ int) bool { return keep(e) })
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].Utc.After(ret[j].Utc)
	})
	return ret
}

// FromSnapshot merges the race control messages with the session status series
func FromSnapshot(snap model.Snapshot, keep Filter) []model.TimedEvent {
	return Merge(model.RaceControlEvents(snap), model.StatusEvents(snap), keep)
}

// ExcludeFlags drops events carrying one of the given flag colours (case insensitive)
func ExcludeFlags(colours ...string) Filter {
	excluded := lo.SliceToMap(colours, func(c string) (string, struct{}) {
		return strings.ToUpper(strings.TrimSpace(c)), struct{}{}
	})
	return func(e model.TimedEvent) bool {
		if e.Flag == "" {
			return true
		}
		_, found := excluded[strings.ToUpper(e.Flag)]
		return !found
	}
}

// All keeps an event only if every filter keeps it
func All(filters ...Filter) Filter {
	filters = lo.Filter(filters, func(f Filter, _ int) bool { return f != nil })
	return func(e model.TimedEvent) bool {
		return lo.EveryBy(filters, func(f Filter) bool { return f(e) })
	}
}

// ElapsedSince formats the time passed since utc as mm:ss.
// Future times are shown as 00:00, anything older than MaxElapsed as Unknown.
func ElapsedSince(utc, now time.Time) string {
	d := now.Sub(utc)
	if d < 0 {
		d = 0
	}
	if d > MaxElapsed {
		return Unknown
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
