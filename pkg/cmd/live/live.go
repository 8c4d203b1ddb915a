package live

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/mpapenbr/livetiming-go/log"
	natsbridge "github.com/mpapenbr/livetiming-go/pkg/bridge/nats"
	"github.com/mpapenbr/livetiming-go/pkg/config"
	"github.com/mpapenbr/livetiming-go/pkg/endpoints/public"
	"github.com/mpapenbr/livetiming-go/pkg/livetiming"
	"github.com/mpapenbr/livetiming-go/pkg/processing/timeline"
	"github.com/mpapenbr/livetiming-go/pkg/utils"
)

var appConfig config.Config // holds processed config values

//nolint:funlen // by design
func NewLiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live",
		Short: "connects to the live timing feed and serves the state",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			appConfig, err = config.NewConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return startLive(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&config.SourceURL,
		"source-url",
		"s",
		"http://localhost:8000",
		"URL of the live timing feed (http(s) base or ws(s) endpoint)")
	cmd.Flags().IntVar(&config.DelayMs,
		"delay-ms",
		0,
		"initial playback delay in milliseconds")
	cmd.Flags().StringVar(&config.ReconnectDelay,
		"reconnect-delay",
		"1s",
		"wait after a closed connection before reconnecting")
	cmd.Flags().StringVar(&config.ReconnectGrace,
		"reconnect-grace",
		"100ms",
		"wait between close and reopen on forced reconnects")
	cmd.Flags().StringVar(&config.HighlightWindow,
		"highlight-window",
		"5s",
		"how long a position change stays highlighted")
	cmd.Flags().StringVar(&config.ExcludeFlags,
		"exclude-flags",
		"",
		"comma separated flags hidden from the timeline (e.g. BLUE)")
	cmd.Flags().StringVarP(&config.ListenAddr,
		"listen-addr",
		"a",
		"localhost:8080",
		"HTTP API listen address")
	cmd.Flags().StringVar(&config.NatsURL,
		"nats-url",
		"",
		"URL of the NATS server (bridge disabled if empty)")
	cmd.Flags().StringVar(&config.NatsSubject,
		"nats-subject",
		natsbridge.DefaultSubject,
		"subject prefix used by the NATS bridge")
	cmd.Flags().StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	cmd.Flags().StringVar(&config.LogFormat,
		"log-format",
		"json",
		"controls the log output format")
	cmd.Flags().StringVar(&config.LogFilter,
		"log-filter",
		"",
		"zapfilter rules, e.g. '*:info debug:livetiming.connection*'")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data (use 'stdout' for console)")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func setupLogger() *log.Logger {
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		if filter, err := log.WithFilter(config.LogFilter); err == nil {
			opts = append(opts, filter)
		} else {
			log.Warn("Invalid log filter, ignoring", log.ErrorField(err))
		}
	}
	switch config.LogFormat {
	case "json":
		return log.New(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...)
	default:
		return log.DevLogger(os.Stderr, parseLogLevel(config.LogLevel, log.DebugLevel), opts...)
	}
}

//nolint:funlen,cyclop // by design
func startLive(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	log.ResetDefault(setupLogger())

	wsURL, err := utils.WebsocketURL(appConfig.SourceURL)
	if err != nil {
		log.Error("invalid source url", log.ErrorField(err))
		return err
	}
	log.Debug("Config:",
		log.String("url", wsURL),
		log.Duration("delay", appConfig.Delay),
		log.String("listen", config.ListenAddr),
		log.String("nats", config.NatsURL),
	)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	waitForRequiredServices(ctx, wsURL)

	var telemetry *config.Telemetry
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if telemetry, err = config.SetupTelemetry(ctx); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	engineOpts := []livetiming.Option{
		livetiming.WithDelay(appConfig.Delay),
		livetiming.WithRetryDelay(appConfig.ReconnectDelay),
		livetiming.WithGraceDelay(appConfig.ReconnectGrace),
		livetiming.WithHighlightWindow(appConfig.HighlightWindow),
	}
	if len(appConfig.ExcludeFlags) > 0 {
		engineOpts = append(engineOpts,
			livetiming.WithEventFilter(timeline.ExcludeFlags(appConfig.ExcludeFlags...)))
	}
	engine := livetiming.NewEngine(wsURL, engineOpts...)
	engine.Start(ctx)
	defer engine.Close()

	watchConfig(engine)

	if config.NatsURL != "" {
		bridge, err := startBridge(engine)
		if err != nil {
			log.Error("NATS bridge could not be started", log.ErrorField(err))
			return err
		}
		defer bridge.Close()
	}

	pm := public.NewPublicManager(engine)
	//nolint:gosec // by design
	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: pm.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", log.String("addr", config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server could not be started", log.ErrorField(err))
			return err
		}
	case <-ctx.Done():
		log.Debug("Got signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", log.ErrorField(err))
	}
	if telemetry != nil {
		telemetry.Shutdown()
	}
	log.Info("Server terminated")
	return nil
}

func startBridge(engine *livetiming.Engine) (*natsbridge.Bridge, error) {
	conn, err := nats.Connect(config.NatsURL, nats.Name("ltm"))
	if err != nil {
		return nil, err
	}
	bridge := natsbridge.NewBridge(conn, engine, natsbridge.WithSubject(config.NatsSubject))
	if err := bridge.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	return bridge, nil
}

// watchConfig forwards a changed delay-ms in the config file to the engine
func watchConfig(engine *livetiming.Engine) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug("config file changed", log.String("file", e.Name), log.Any("op", e.Op))
		if !viper.IsSet("delay-ms") {
			return
		}
		ms := viper.GetInt("delay-ms")
		if ms < 0 {
			log.Warn("ignoring negative delay from config", log.Int("delayMs", ms))
			return
		}
		d := time.Duration(ms) * time.Millisecond
		if d != engine.Delay() {
			log.Info("delay changed by config", log.Duration("delay", d))
			engine.SetDelay(d)
		}
	})
	viper.WatchConfig()
}

func waitForRequiredServices(ctx context.Context, wsURL string) {
	timeout := appConfig.WaitForServices
	if timeout == 0 {
		return
	}
	addr, _ := utils.ExtractFromWebsocketURL(wsURL)
	if addr == "" {
		return
	}
	log.Debug("Waiting for live timing feed", log.String("addr", addr))
	if err := utils.WaitForTCP(ctx, addr, timeout); err != nil {
		// the engine keeps retrying, so this is not fatal
		log.Warn("live timing feed not ready", log.ErrorField(err))
		return
	}
	log.Debug("Required services are available")
}
