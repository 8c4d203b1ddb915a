package model

import (
	"regexp"

	"github.com/ohler55/ojg/jp"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/livetiming-go/log"
)

type Interval struct {
	Value    string // e.g. "+0.875", "1 L" or empty for the leader
	Catching bool
}

// TimingLine is one competitor's row of TimingData, keyed by racing number.
type TimingLine struct {
	RacingNumber            string
	Position                string
	GapToLeader             string
	IntervalToPositionAhead Interval
	InPit                   bool
	PitOut                  bool
	Retired                 bool
	Stopped                 bool
	KnockedOut              bool
	NumberOfPitStops        int
	HasPitStops             bool
	NumberOfLaps            int
	Status                  int
	Stints                  []Stint // from TimingAppData, last entry is the current stint
}

type Stint struct {
	Compound        string
	New             string
	TyresNotChanged string
	TotalLaps       int
	StartLaps       int
}

type Driver struct {
	RacingNumber  string
	Tla           string
	BroadcastName string
	FullName      string
	TeamName      string
	TeamColour    string
}

// CarTelemetry holds the channels of the latest CarData entry for one car
type CarTelemetry struct {
	RPM      int
	Speed    int
	Gear     int
	Throttle int
	Brake    int
	DRS      int
}

var (
	timingLinesPath = jp.MustParseString("$.TimingData.Lines")
	appLinesPath    = jp.MustParseString("$.TimingAppData.Lines")
	carEntriesPath  = jp.MustParseString("$.CarData.Entries")

	intervalRegex = regexp.MustCompile(`^\+(\d+\.\d+)$`)
	lappedRegex   = regexp.MustCompile(`^\d+\s*L$`)

	oneSecond = decimal.NewFromInt(1)
)

// PositionValue returns the numeric position
func (t *TimingLine) PositionValue() (int, bool) {
	return asInt(t.Position)
}

func (t *TimingLine) IsOut() bool {
	return t.KnockedOut || t.Retired || t.Stopped
}

func (t *TimingLine) IsLapped() bool {
	return lappedRegex.MatchString(t.GapToLeader)
}

func (t *TimingLine) Catching() bool {
	return t.IntervalToPositionAhead.Catching
}

// CloseInterval reports if the car is less than a second behind the car ahead
// while on track.
func (t *TimingLine) CloseInterval() bool {
	if t.InPit || t.PitOut {
		return false
	}
	match := intervalRegex.FindStringSubmatch(t.IntervalToPositionAhead.Value)
	if match == nil {
		return false
	}
	d, err := decimal.NewFromString(match[1])
	if err != nil {
		return false
	}
	return d.LessThan(oneSecond)
}

func (t *TimingLine) CurrentStint() (Stint, bool) {
	if len(t.Stints) == 0 {
		return Stint{}, false
	}
	return t.Stints[len(t.Stints)-1], true
}

// TimingLines returns the timing lines keyed by racing number including the
// stint history from TimingAppData.
func TimingLines(s Snapshot) map[string]TimingLine {
	lines := asMap(s.lookup(timingLinesPath))
	apps := asMap(s.lookup(appLinesPath))
	ret := make(map[string]TimingLine, len(lines))
	for num, v := range lines {
		m := asMap(v)
		if m == nil {
			continue
		}
		line := toTimingLine(num, m)
		if app := asMap(apps[num]); app != nil {
			line.Stints = toStints(app["Stints"])
		}
		ret[num] = line
	}
	return ret
}

// Positions returns the numeric position per racing number.
// Lines without a valid position are omitted.
func Positions(s Snapshot) map[string]int {
	lines := asMap(s.lookup(timingLinesPath))
	ret := make(map[string]int, len(lines))
	for num, v := range lines {
		m := asMap(v)
		if m == nil {
			continue
		}
		if pos, ok := asInt(m["Position"]); ok {
			ret[num] = pos
		}
	}
	return ret
}

func toTimingLine(num string, m map[string]any) TimingLine {
	line := TimingLine{
		RacingNumber: num,
		Position:     asString(m["Position"]),
		GapToLeader:  asString(m["GapToLeader"]),
		InPit:        asBool(m["InPit"]),
		PitOut:       asBool(m["PitOut"]),
		Retired:      asBool(m["Retired"]),
		Stopped:      asBool(m["Stopped"]),
		KnockedOut:   asBool(m["KnockedOut"]),
	}
	if rn := asString(m["RacingNumber"]); rn != "" {
		line.RacingNumber = rn
	}
	if interval := asMap(m["IntervalToPositionAhead"]); interval != nil {
		line.IntervalToPositionAhead = Interval{
			Value:    asString(interval["Value"]),
			Catching: asBool(interval["Catching"]),
		}
	}
	line.NumberOfPitStops, line.HasPitStops = asInt(m["NumberOfPitStops"])
	line.NumberOfLaps, _ = asInt(m["NumberOfLaps"])
	line.Status, _ = asInt(m["Status"])
	return line
}

func toStints(v any) []Stint {
	items := values(v)
	ret := make([]Stint, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}
		st := Stint{
			Compound:        asString(m["Compound"]),
			New:             asString(m["New"]),
			TyresNotChanged: asString(m["TyresNotChanged"]),
		}
		st.TotalLaps, _ = asInt(m["TotalLaps"])
		st.StartLaps, _ = asInt(m["StartLaps"])
		ret = append(ret, st)
	}
	return ret
}

// Drivers returns the driver list keyed by racing number
func Drivers(s Snapshot) map[string]Driver {
	v, _ := s.Feed(FeedDriverList)
	list := asMap(v)
	ret := make(map[string]Driver, len(list))
	for num, item := range list {
		if asMap(item) == nil {
			continue
		}
		d := Driver{}
		if err := decode(item, &d); err != nil {
			log.Debug("could not decode driver",
				log.String("racingNumber", num), log.ErrorField(err))
			continue
		}
		if d.RacingNumber == "" {
			d.RacingNumber = num
		}
		ret[num] = d
	}
	return ret
}

const (
	channelRPM      = "0"
	channelSpeed    = "2"
	channelGear     = "3"
	channelThrottle = "4"
	channelBrake    = "5"
	channelDRS      = "45"
)

// CarTelemetryFor returns the channels of the most recent CarData entry
func CarTelemetryFor(s Snapshot, racingNumber string) (CarTelemetry, bool) {
	entries := values(s.lookup(carEntriesPath))
	if len(entries) == 0 {
		return CarTelemetry{}, false
	}
	cars := asMap(asMap(entries[len(entries)-1])["Cars"])
	channels := asMap(asMap(cars[racingNumber])["Channels"])
	if channels == nil {
		return CarTelemetry{}, false
	}
	get := func(key string) int {
		i, _ := asInt(channels[key])
		return i
	}
	return CarTelemetry{
		RPM:      get(channelRPM),
		Speed:    get(channelSpeed),
		Gear:     get(channelGear),
		Throttle: get(channelThrottle),
		Brake:    get(channelBrake),
		DRS:      get(channelDRS),
	}, true
}

func (c CarTelemetry) ThrottlePercent() int {
	return min(100, c.Throttle)
}

func (c CarTelemetry) BrakeApplied() bool {
	return c.Brake > 0
}

func (c CarTelemetry) DRSOpen() bool {
	switch c.DRS {
	case 10, 12, 14:
		return true
	default:
		return false
	}
}
