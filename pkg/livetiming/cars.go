package livetiming

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/mpapenbr/livetiming-go/pkg/model"
	"github.com/mpapenbr/livetiming-go/pkg/processing/highlight"
)

// CarState joins everything known about one racing number
type CarState struct {
	RacingNumber string
	Driver       model.Driver
	HasDriver    bool
	Line         model.TimingLine
	HasLine      bool
	Stint        model.Stint
	HasStint     bool
	Telemetry    model.CarTelemetry
	HasTelemetry bool
	Highlight    highlight.State
}

// CarsFrom builds the car states of a snapshot ordered by position. Cars
// without a position follow in racing number order.
func CarsFrom(snap model.Snapshot, highlights map[string]highlight.State) []CarState {
	drivers := model.Drivers(snap)
	lines := model.TimingLines(snap)
	numbers := lo.Uniq(append(lo.Keys(drivers), lo.Keys(lines)...))

	ret := make([]CarState, 0, len(numbers))
	for _, num := range numbers {
		c := CarState{RacingNumber: num, Highlight: highlights[num]}
		c.Driver, c.HasDriver = drivers[num]
		c.Line, c.HasLine = lines[num]
		if c.HasLine {
			c.Stint, c.HasStint = c.Line.CurrentStint()
		}
		c.Telemetry, c.HasTelemetry = model.CarTelemetryFor(snap, num)
		ret = append(ret, c)
	}
	slices.SortFunc(ret, compareCars)
	return ret
}

func compareCars(a, b CarState) int {
	pa, okA := a.Line.PositionValue()
	pb, okB := b.Line.PositionValue()
	switch {
	case okA && okB && pa != pb:
		return cmp.Compare(pa, pb)
	case okA && !okB:
		return -1
	case !okA && okB:
		return 1
	}
	return cmp.Compare(a.RacingNumber, b.RacingNumber)
}
