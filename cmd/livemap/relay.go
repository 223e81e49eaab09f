package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/topographica/livemap/internal/api"
	"github.com/topographica/livemap/internal/config"
	"github.com/topographica/livemap/internal/geo"
	"github.com/topographica/livemap/internal/influx"
	"github.com/topographica/livemap/internal/liveview"
	"github.com/topographica/livemap/internal/logging"
	"github.com/topographica/livemap/internal/markers"
	"github.com/topographica/livemap/internal/monitor"
	intOtel "github.com/topographica/livemap/internal/otel"
	"github.com/topographica/livemap/internal/reconcile"
	"github.com/topographica/livemap/internal/server"
	"github.com/topographica/livemap/internal/store"
	"github.com/topographica/livemap/internal/surface/memory"
	"github.com/topographica/livemap/internal/surface/websocket"
	"github.com/topographica/livemap/internal/visibility"
	"github.com/topographica/livemap/pkg/core"
	"github.com/topographica/livemap/pkg/streaming"
)

// Surface types selectable in config.
const (
	surfaceWebSocket = "websocket"
	surfaceLog       = "log"
)

// relay holds every long-lived service of the run command.
type relay struct {
	started time.Time

	logs    *logging.SlogManager
	logger  *slog.Logger
	zlog    zerolog.Logger
	logFile *os.File
	otel    *intOtel.Provider

	client *api.Client

	storeManager *store.Manager
	recorder     *store.Recorder
	influx       *influx.Manager

	views   []*liveview.View
	hubs    []*websocket.Hub
	worlds  []server.World
	monitor *monitor.Service
}

func newRelay() *relay {
	return &relay{
		started: time.Now(),
		logs:    logging.NewSlogManager(),
		logger:  slog.Default(),
		zlog:    zerolog.Nop(),
	}
}

// setupLogging loads the config and brings up the log sinks. Every failure
// here is logged and the relay carries on with what it has.
func (r *relay) setupLogging(ctx context.Context, configDir string) {
	r.logs.Setup(nil, "info", nil)
	r.logger = r.logs.Logger()

	if err := config.Load(configDir); err != nil {
		r.logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		r.logger.Info("Loaded config", "dir", configDir)
	}

	level := viper.GetString("logLevel")
	logFile, err := logging.OpenLogFile(viper.GetString("logsDir"), appName, r.started)
	if err != nil {
		r.logger.Error("Failed to create/open log file!", "error", err)
	} else {
		r.logFile = logFile
		r.logger.Info("Begin logging in logs directory", "path", logFile.Name())
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		pcfg := intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		}
		if r.logFile != nil {
			pcfg.LogWriter = r.logFile
		}
		r.otel, err = intOtel.New(ctx, pcfg)
		if err != nil {
			r.logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			r.logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	if gc := config.GetGraylogConfig(); gc.Enabled {
		if err := r.logs.SetGraylog(gc.Address); err != nil {
			r.logger.Error("Failed to set up Graylog", "error", err, "address", gc.Address)
		}
	}
	r.logs.SetContextProvider(func() []slog.Attr {
		return []slog.Attr{slog.Int("subscribers", r.subscribers())}
	})

	var otelLogProvider *sdklog.LoggerProvider
	if r.otel != nil {
		otelLogProvider = r.otel.LoggerProvider()
	}
	if r.logFile != nil {
		r.logs.Setup(r.logFile, level, otelLogProvider)
		r.zlog = logging.NewZerolog(r.logFile, level)
	} else {
		r.logs.Setup(nil, level, otelLogProvider)
		r.zlog = logging.NewZerolog(os.Stdout, level)
	}
	r.logger = r.logs.Logger()
}

func (r *relay) closeLogging() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if r.otel != nil {
		if err := r.otel.Shutdown(ctx); err != nil {
			r.logger.Error("Failed to shut down OTel provider", "error", err)
		}
	}
	_ = r.logs.Close()
	if r.logFile != nil {
		_ = r.logFile.Close()
	}
}

// subscribers is read by the log context provider. hubs is only written
// before any subscriber can connect.
func (r *relay) subscribers() int {
	n := 0
	for _, h := range r.hubs {
		n += h.Subscribers()
	}
	return n
}

func (r *relay) checkServerStatus(ctx context.Context) {
	fc := config.GetFetchConfig()
	r.client = api.New(fc.ServerURL, fc.Timeout)
	if err := r.client.Healthcheck(ctx); err != nil {
		r.logger.Warn("Map server is not reachable yet", "url", fc.ServerURL, "error", err)
		return
	}
	r.logger.Info("Map server is reachable", "url", fc.ServerURL)
}

// setupSinks connects the optional audit store and influx writer. A sink
// that cannot connect is left out.
func (r *relay) setupSinks(ctx context.Context) {
	if sc := config.GetStoreConfig(); sc.Enabled {
		if m, err := openStore(sc, r.zlog); err != nil {
			r.logs.WriteLog("store", fmt.Sprintf("Error opening audit store: %v", err), "ERROR")
		} else {
			r.storeManager = m
			r.recorder = store.NewRecorder(m, sc.FlushInterval)
			r.recorder.Start(ctx)
			r.logger.Info("Audit store ready", "local", m.ShouldSaveLocal)
		}
	}

	if ic := config.GetInfluxConfig(); ic.Enabled {
		m := influx.NewManager(ic, r.zlog)
		if err := m.Connect(ctx); err != nil {
			r.logger.Error("Failed to set up influx", "error", err)
		} else {
			r.influx = m
		}
	}
}

func openStore(sc config.StoreConfig, log zerolog.Logger) (*store.Manager, error) {
	m := store.NewManager(sc, log)
	if err := m.Connect(); err != nil {
		return nil, err
	}
	if err := m.Setup(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}
	return m, nil
}

func (r *relay) closeSinks() {
	if r.recorder != nil {
		r.recorder.Stop()
	}
	if r.storeManager != nil {
		if err := r.storeManager.Close(); err != nil {
			r.logger.Error("Failed to close audit store", "error", err)
		}
	}
	if r.influx != nil {
		if err := r.influx.Close(); err != nil {
			r.logger.Error("Failed to close influx", "error", err)
		}
	}
}

func (r *relay) observers() []liveview.Observer {
	var obs []liveview.Observer
	if r.recorder != nil {
		obs = append(obs, r.recorder.Observe)
	}
	if r.influx != nil {
		obs = append(obs, r.influx.Observe)
	}
	return obs
}

// buildViews creates one stopped view per configured world.
func (r *relay) buildViews() error {
	fc := config.GetFetchConfig()
	if r.client == nil {
		r.client = api.New(fc.ServerURL, fc.Timeout)
	}

	transform, err := geo.NewTransform(config.GetDisplayConfig().Projection)
	if err != nil {
		return err
	}
	policy, err := reconcile.ParseFailurePolicy(fc.FailurePolicy)
	if err != nil {
		return err
	}
	worlds, err := config.GetWorlds()
	if err != nil {
		return err
	}
	markerCfgs, err := config.GetMarkers()
	if err != nil {
		return err
	}
	surfaceType := config.GetSurfaceConfig().Type

	for _, wc := range worlds {
		world := core.World{FolderName: wc.FolderName, DisplayName: wc.DisplayName}
		if len(wc.Origin) == 2 {
			world.Origin = core.Position{X: wc.Origin[0], Z: wc.Origin[1]}
		}
		logger := r.logger.With("world", world.FolderName)

		static, err := markers.FromConfig(world.FolderName, markerCfgs)
		if err != nil {
			return fmt.Errorf("world %s: %w", world.FolderName, err)
		}

		vcfg := liveview.Config{
			World:     world,
			Source:    liveview.APISource(r.client, world.FolderName),
			Transform: transform,
			Interval:  fc.Interval,
			Policy:    policy,
			Markers:   static,
			Logger:    r.logger,
		}
		sw := server.World{}

		switch surfaceType {
		case surfaceWebSocket:
			hub, err := websocket.New(websocket.Config{
				World: streaming.WorldPayload{
					FolderName:  world.FolderName,
					DisplayName: world.DisplayName,
					Center:      transform.ToDisplay(world.Origin),
					Markers:     markers.ToDisplay(transform, static),
				},
				Logger:        logger,
				CommandLogger: logging.NewDispatcherLogger(r.zlog.With().Str("world", world.FolderName).Logger()),
			})
			if err != nil {
				return fmt.Errorf("world %s: %w", world.FolderName, err)
			}
			r.hubs = append(r.hubs, hub)
			vcfg.Surface = hub
			vcfg.Visibility = hub.Visibility()
			sw.Subscribe = hub
		case surfaceLog:
			vcfg.Surface = memory.New(logger)
			vcfg.Visibility = visibility.Always{}
		default:
			return fmt.Errorf("unknown surface type %q", surfaceType)
		}

		view, err := liveview.New(vcfg, r.observers()...)
		if err != nil {
			return err
		}
		r.views = append(r.views, view)
		sw.View = view
		r.worlds = append(r.worlds, sw)
		r.logger.Info("View ready", "world", world.FolderName, "surface", surfaceType,
			"markers", len(static), "projection", transform.Projection())
	}
	return nil
}

// closeViews disconnects subscribers before stopping the fetchers so a
// late focus report cannot restart polling.
func (r *relay) closeViews() {
	for _, h := range r.hubs {
		_ = h.Close()
	}
	for _, v := range r.views {
		if err := v.Close(); err != nil {
			r.logger.Error("Failed to close view", "world", v.World().FolderName, "error", err)
		}
	}
}

func (r *relay) buildServer() (*server.Server, error) {
	return server.New(config.GetSurfaceConfig().Listen, r.worlds, r.logger)
}

func (r *relay) start() {
	for _, v := range r.views {
		v.Start()
	}

	mc := config.GetMonitorConfig()
	if !mc.Enabled {
		return
	}
	r.monitor = monitor.NewService(monitor.Dependencies{
		Views:       r.views,
		Subscribers: r.subscribers,
		StatusFile:  mc.StatusFile,
		Interval:    mc.Interval,
		Logger:      r.logger,
		Started:     r.started,
	})
	if err := r.monitor.Start(); err != nil {
		r.logger.Error("Failed to start status monitor", "error", err)
	}
}

func (r *relay) stopMonitor() {
	if r.monitor != nil {
		r.monitor.Stop()
	}
}
