// Package public serves the live state to the rendering layer.
package public

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/endpoints/utils"
	"github.com/mpapenbr/livetiming-go/pkg/livetiming"
	"github.com/mpapenbr/livetiming-go/pkg/model"
	"github.com/mpapenbr/livetiming-go/pkg/processing/highlight"
	"github.com/mpapenbr/livetiming-go/pkg/processing/timeline"
	"github.com/mpapenbr/livetiming-go/version"
)

// Engine is the part of the live timing engine used by the endpoints
type Engine interface {
	Snapshot() model.Snapshot
	Status() livetiming.Status
	TimelineWith(keep timeline.Filter) []model.TimedEvent
	Timeline() []model.TimedEvent
	Highlights() map[string]highlight.State
	Cars() []livetiming.CarState
	Remaining() (string, bool)
	SetDelay(d time.Duration)
	Subscribe() <-chan model.Snapshot
	CancelSubscription(ch <-chan model.Snapshot)
	Clock() clockwork.Clock
}

type StatusResponse struct {
	Connected       bool      `json:"connected"`
	Syncing         bool      `json:"syncing"`
	SyncRemainingMs int64     `json:"syncRemainingMs"`
	DelayMs         int64     `json:"delayMs"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Feeds           []string  `json:"feeds"`
}

type TimelineEntry struct {
	Utc           time.Time `json:"utc"`
	Elapsed       string    `json:"elapsed"`
	Source        string    `json:"source"`
	Category      string    `json:"category,omitempty"`
	Flag          string    `json:"flag,omitempty"`
	Message       string    `json:"message,omitempty"`
	Lap           *int      `json:"lap,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	Sector        int       `json:"sector,omitempty"`
	RacingNumber  string    `json:"racingNumber,omitempty"`
	TrackStatus   string    `json:"trackStatus,omitempty"`
	SessionStatus string    `json:"sessionStatus,omitempty"`
}

type HighlightEntry struct {
	Direction string    `json:"direction"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DriverEntry is one car of GET /api/drivers
type DriverEntry struct {
	RacingNumber     string          `json:"racingNumber"`
	Tla              string          `json:"tla,omitempty"`
	BroadcastName    string          `json:"broadcastName,omitempty"`
	FullName         string          `json:"fullName,omitempty"`
	TeamName         string          `json:"teamName,omitempty"`
	TeamColour       string          `json:"teamColour,omitempty"`
	Position         *int            `json:"position,omitempty"`
	GapToLeader      string          `json:"gapToLeader,omitempty"`
	Interval         string          `json:"interval,omitempty"`
	Catching         bool            `json:"catching"`
	CloseInterval    bool            `json:"closeInterval"`
	Lapped           bool            `json:"lapped"`
	InPit            bool            `json:"inPit"`
	PitOut           bool            `json:"pitOut"`
	Out              bool            `json:"out"`
	NumberOfPitStops int             `json:"numberOfPitStops"`
	NumberOfLaps     int             `json:"numberOfLaps"`
	Stint            *StintEntry     `json:"stint,omitempty"`
	Telemetry        *TelemetryEntry `json:"telemetry,omitempty"`
	Highlight        string          `json:"highlight"`
}

type StintEntry struct {
	Compound  string `json:"compound"`
	New       bool   `json:"new"`
	TotalLaps int    `json:"totalLaps"`
}

type TelemetryEntry struct {
	RPM      int  `json:"rpm"`
	Speed    int  `json:"speed"`
	Gear     int  `json:"gear"`
	Throttle int  `json:"throttle"`
	Brake    bool `json:"brake"`
	DRSOpen  bool `json:"drsOpen"`
}

type ClockResponse struct {
	Available bool   `json:"available"`
	Remaining string `json:"remaining,omitempty"`
}

type DelayResponse struct {
	DelayMs int64 `json:"delayMs"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

// StreamMessage is pushed to websocket clients of /api/stream
type StreamMessage struct {
	Type   string          `json:"type"` // "status" or "clock"
	Status *StatusResponse `json:"status,omitempty"`
	Clock  *ClockResponse  `json:"clock,omitempty"`
}

type PublicManager struct {
	engine    Engine
	l         *log.Logger
	upgrader  websocket.Upgrader
	tick      time.Duration
	endpoints []endpointHandler
}

type endpointHandler struct {
	pattern string
	handler func(*PublicManager) http.HandlerFunc
}

type Option func(*PublicManager)

func WithLogger(l *log.Logger) Option {
	return func(pm *PublicManager) {
		pm.l = l
	}
}

// WithTick sets the interval of clock updates on the stream
func WithTick(d time.Duration) Option {
	return func(pm *PublicManager) {
		pm.tick = d
	}
}

func NewPublicManager(engine Engine, opts ...Option) *PublicManager {
	ret := &PublicManager{
		engine: engine,
		l:      log.Default().Named("public"),
		tick:   time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		endpoints: []endpointHandler{
			{pattern: "GET /api/snapshot", handler: getSnapshot},
			{pattern: "GET /api/status", handler: getStatus},
			{pattern: "GET /api/timeline", handler: getTimeline},
			{pattern: "GET /api/highlights", handler: getHighlights},
			{pattern: "GET /api/drivers", handler: getDrivers},
			{pattern: "GET /api/clock", handler: getClock},
			{pattern: "PUT /api/delay", handler: setDelay},
			{pattern: "POST /api/delay", handler: setDelay},
			{pattern: "GET /api/stream", handler: stream},
			{pattern: "GET /api/version", handler: getVersion},
		},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Handler returns the endpoints wrapped with a permissive CORS setup
func (pm *PublicManager) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, endpoint := range pm.endpoints {
		pm.l.Debug("registering endpoint", log.String("pattern", endpoint.pattern))
		mux.Handle(endpoint.pattern, endpoint.handler(pm))
	}
	return newCORS().Handler(mux)
}

func newCORS() *cors.Cors {
	// the rendering layer may be served from anywhere
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         int(2 * time.Hour / time.Second),
	})
}

func getVersion(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, VersionResponse{Version: version.Version})
	}
}

func getSnapshot(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := pm.engine.Snapshot()
		updatedAt := ""
		if !snap.UpdatedAt.IsZero() {
			updatedAt = snap.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		utils.WriteRaw(w, http.StatusOK, map[string]any{
			"updatedAt": updatedAt,
			"feeds":     snap.Feeds,
		})
	}
}

func getStatus(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, ToStatusResponse(pm.engine.Status()))
	}
}

func getTimeline(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var events []model.TimedEvent
		if excluded := utils.QueryList(r, "exclude-flag"); len(excluded) > 0 {
			events = pm.engine.TimelineWith(timeline.ExcludeFlags(excluded...))
		} else {
			events = pm.engine.Timeline()
		}
		now := pm.engine.Clock().Now()
		ret := make([]TimelineEntry, 0, len(events))
		for i := range events {
			ret = append(ret, toTimelineEntry(&events[i], now))
		}
		utils.WriteJSON(w, http.StatusOK, ret)
	}
}

func getHighlights(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ret := map[string]HighlightEntry{}
		for id, s := range pm.engine.Highlights() {
			ret[id] = HighlightEntry{Direction: s.Direction.String(), ExpiresAt: s.ExpiresAt}
		}
		utils.WriteJSON(w, http.StatusOK, ret)
	}
}

func getDrivers(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cars := pm.engine.Cars()
		ret := make([]DriverEntry, 0, len(cars))
		for i := range cars {
			ret = append(ret, toDriverEntry(&cars[i]))
		}
		utils.WriteJSON(w, http.StatusOK, ret)
	}
}

func getClock(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, pm.clockResponse())
	}
}

func setDelay(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := utils.ExtractDelay(r.Body)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrInvalidDelay) {
				status = http.StatusBadRequest
			}
			utils.WriteError(w, status, err)
			return
		}
		pm.l.Info("delay change requested", log.Duration("delay", d))
		pm.engine.SetDelay(d)
		utils.WriteJSON(w, http.StatusOK, DelayResponse{DelayMs: d.Milliseconds()})
	}
}

// stream pushes the status for every applied snapshot and the clock every tick
//
//nolint:funlen // by design
func stream(pm *PublicManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := pm.upgrader.Upgrade(w, r, nil)
		if err != nil {
			pm.l.Warn("could not upgrade stream connection", log.ErrorField(err))
			return
		}
		defer conn.Close()
		l := pm.l.With(log.String("remote", r.RemoteAddr))
		l.Debug("stream client connected")

		snapshots := pm.engine.Subscribe()
		defer pm.engine.CancelSubscription(snapshots)
		ticker := pm.engine.Clock().NewTicker(pm.tick)
		defer ticker.Stop()

		// the client is not expected to send anything, reading detects the close
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		send := func(msg StreamMessage) bool {
			if err := conn.WriteJSON(msg); err != nil {
				l.Debug("stream write failed", log.ErrorField(err))
				return false
			}
			return true
		}
		status := func() StreamMessage {
			s := ToStatusResponse(pm.engine.Status())
			return StreamMessage{Type: "status", Status: &s}
		}
		clock := func() StreamMessage {
			c := pm.clockResponse()
			return StreamMessage{Type: "clock", Clock: &c}
		}

		if !send(status()) {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				l.Debug("stream client disconnected")
				return
			case _, ok := <-snapshots:
				if !ok {
					//nolint:errcheck // connection is closed anyway
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
					return
				}
				if !send(status()) {
					return
				}
			case <-ticker.Chan():
				if !send(clock()) {
					return
				}
			}
		}
	}
}

func (pm *PublicManager) clockResponse() ClockResponse {
	remaining, ok := pm.engine.Remaining()
	return ClockResponse{Available: ok, Remaining: remaining}
}

// ToStatusResponse converts the engine status into its wire representation
func ToStatusResponse(s livetiming.Status) StatusResponse {
	feeds := s.Feeds
	if feeds == nil {
		feeds = []string{}
	}
	return StatusResponse{
		Connected:       s.Connected,
		Syncing:         s.Syncing,
		SyncRemainingMs: s.SyncRemaining.Milliseconds(),
		DelayMs:         s.Delay.Milliseconds(),
		UpdatedAt:       s.UpdatedAt,
		Feeds:           feeds,
	}
}

func toTimelineEntry(e *model.TimedEvent, now time.Time) TimelineEntry {
	ret := TimelineEntry{
		Utc:           e.Utc,
		Elapsed:       timeline.ElapsedSince(e.Utc, now),
		Source:        e.Source.String(),
		Category:      e.Category,
		Flag:          strings.ToUpper(e.Flag),
		Message:       e.Message,
		Scope:         e.Scope,
		Sector:        e.Sector,
		RacingNumber:  e.RacingNumber,
		TrackStatus:   e.TrackStatus,
		SessionStatus: e.SessionStatus,
	}
	if e.HasLap {
		lap := e.Lap
		ret.Lap = &lap
	}
	return ret
}

func toDriverEntry(c *livetiming.CarState) DriverEntry {
	ret := DriverEntry{
		RacingNumber:  c.RacingNumber,
		Tla:           c.Driver.Tla,
		BroadcastName: c.Driver.BroadcastName,
		FullName:      c.Driver.FullName,
		TeamName:      c.Driver.TeamName,
		TeamColour:    c.Driver.TeamColour,
		Highlight:     c.Highlight.Direction.String(),
	}
	if c.HasLine {
		line := &c.Line
		if pos, ok := line.PositionValue(); ok {
			ret.Position = &pos
		}
		ret.GapToLeader = line.GapToLeader
		ret.Interval = line.IntervalToPositionAhead.Value
		ret.Catching = line.Catching()
		ret.CloseInterval = line.CloseInterval()
		ret.Lapped = line.IsLapped()
		ret.InPit = line.InPit
		ret.PitOut = line.PitOut
		ret.Out = line.IsOut()
		ret.NumberOfPitStops = line.NumberOfPitStops
		ret.NumberOfLaps = line.NumberOfLaps
	}
	if c.HasStint {
		ret.Stint = &StintEntry{
			Compound:  c.Stint.Compound,
			New:       strings.EqualFold(c.Stint.New, "true"),
			TotalLaps: c.Stint.TotalLaps,
		}
	}
	if c.HasTelemetry {
		ret.Telemetry = &TelemetryEntry{
			RPM:      c.Telemetry.RPM,
			Speed:    c.Telemetry.Speed,
			Gear:     c.Telemetry.Gear,
			Throttle: c.Telemetry.ThrottlePercent(),
			Brake:    c.Telemetry.BrakeApplied(),
			DRSOpen:  c.Telemetry.DRSOpen(),
		}
	}
	return ret
}
