package config

import (
	"fmt"
	"strings"
	"time"
)

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	SourceURL         string // URL of the live timing feed (http(s) base or ws(s) endpoint)
	DelayMs           int    // initial playback delay in milliseconds
	ReconnectDelay    string // wait between a close and the next connection attempt
	ReconnectGrace    string // wait between closing and reopening on forced reconnects
	HighlightWindow   string // how long a position change stays highlighted
	ExcludeFlags      string // comma separated flags hidden from the timeline by default
	ListenAddr        string // listen addr for the HTTP API
	NatsURL           string // URL of the NATS server (empty disables the bridge)
	NatsSubject       string // subject prefix for the NATS bridge
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "*:info debug:livetiming.connection*"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry ("stdout" prints the metrics)
)

// Config holds the configuration values which are used by the application
type Config struct {
	SourceURL       string
	Delay           time.Duration
	ReconnectDelay  time.Duration
	ReconnectGrace  time.Duration
	HighlightWindow time.Duration
	ExcludeFlags    []string
	WaitForServices time.Duration
}

// NewConfig validates and converts the raw values
func NewConfig() (Config, error) {
	ret := Config{SourceURL: strings.TrimSpace(SourceURL)}
	if ret.SourceURL == "" {
		return ret, fmt.Errorf("source url must not be empty")
	}
	if DelayMs < 0 {
		return ret, fmt.Errorf("delay must not be negative: %d", DelayMs)
	}
	ret.Delay = time.Duration(DelayMs) * time.Millisecond

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect-delay", ReconnectDelay, &ret.ReconnectDelay},
		{"reconnect-grace", ReconnectGrace, &ret.ReconnectGrace},
		{"highlight-window", HighlightWindow, &ret.HighlightWindow},
		{"wait-for-services", WaitForServices, &ret.WaitForServices},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return ret, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v < 0 {
			return ret, fmt.Errorf("%s must not be negative: %s", d.name, d.value)
		}
		*d.dst = v
	}
	for _, f := range strings.Split(ExcludeFlags, ",") {
		if f = strings.TrimSpace(f); f != "" {
			ret.ExcludeFlags = append(ret.ExcludeFlags, f)
		}
	}
	return ret, nil
}
