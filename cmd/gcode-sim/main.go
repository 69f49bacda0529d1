// gcode-sim streams a G-code program into memory, plays it back on a
// simulated printer and serves the playback to viewers.
//
// Usage:
//
//	gcode-sim -source part.gcode [options]
//
// Options:
//
//	-config string    Simulator configuration file
//	-source string    Program path, "-" for stdin, http(s):// or s3://bucket/key
//	-listen string    Viewer API address (overrides [api] listen)
//	-metrics string   Prometheus metrics address (overrides [metrics] listen)
//	-speed float      Playback speed multiplier
//	-autostart        Start playback as soon as the program begins loading
//	-headless         Run without the API, print a summary and exit
//	-jump int         Seek to this command index after loading
//	-loglevel string  debug, info, warn or error
//
// Examples:
//
//	# Serve a local file to viewers on the default port
//	gcode-sim -source benchy.gcode -autostart
//
//	# Replay the first 10000 commands of an object and print the state
//	gcode-sim -headless -source s3://prints/benchy.gcode -jump 10000
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"gcode-sim/pkg/config"
	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/ingest"
	"gcode-sim/pkg/log"
	"gcode-sim/pkg/metrics"
	"gcode-sim/pkg/playback"
	"gcode-sim/pkg/reactor"
	"gcode-sim/pkg/source"
	"gcode-sim/pkg/viewerapi"
)

type flags struct {
	config    string
	source    string
	listen    string
	metrics   string
	speed     float64
	autostart bool
	headless  bool
	jump      int
	loglevel  string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "Simulator configuration file")
	flag.StringVar(&f.source, "source", "", "Program path, \"-\" for stdin, http(s):// or s3:// URI (required)")
	flag.StringVar(&f.listen, "listen", "", "Viewer API address (overrides [api] listen)")
	flag.StringVar(&f.metrics, "metrics", "", "Prometheus metrics address (overrides [metrics] listen)")
	flag.Float64Var(&f.speed, "speed", 0, "Playback speed multiplier")
	flag.BoolVar(&f.autostart, "autostart", false, "Start playback while loading")
	flag.BoolVar(&f.headless, "headless", false, "Run without the viewer API, print a summary and exit")
	flag.IntVar(&f.jump, "jump", -1, "Seek to this command index after loading")
	flag.StringVar(&f.loglevel, "loglevel", "", "Log level: debug, info, warn, error")
	flag.Parse()

	if f.source == "" {
		fmt.Fprintf(os.Stderr, "Error: -source is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(f); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, *config.SimConfig, error) {
	if f.config == "" {
		return nil, config.DefaultSimConfig(), nil
	}
	raw, err := config.Load(f.config)
	if err != nil {
		return nil, nil, errors.ConfigError("loading "+f.config, err)
	}
	sc, err := config.ParseSimConfig(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, sc, nil
}

// applyFlags lets command line flags override the file.
func applyFlags(f flags, sc *config.SimConfig) {
	if f.listen != "" {
		sc.API.Listen = f.listen
	}
	if f.metrics != "" {
		sc.Metrics.Listen = f.metrics
	}
	if f.speed > 0 {
		sc.Playback.Speed = f.speed
	}
	if f.autostart {
		sc.Playback.Autostart = true
	}
	if f.loglevel != "" {
		sc.Log.Level = f.loglevel
	}
}

func configureLogger(l *log.Logger, lc config.LogConfig) {
	l.SetLevel(log.ParseLevel(lc.Level))
	if lc.Format == "json" {
		l.SetFormat(log.FormatJSON)
	} else {
		l.SetFormat(log.FormatText)
	}
}

func engineOptions(sc *config.SimConfig, rx *reactor.Reactor, sm *metrics.SimMetrics, name string) playback.Options {
	return playback.Options{
		Speed:            sc.Playback.Speed,
		TickBudget:       sc.Playback.TickBudget,
		ReplayBatch:      sc.Playback.ReplayBatch,
		SeekPollInterval: sc.Seek.PollInterval,
		SeekStallTimeout: sc.Seek.StallTimeout,
		PointCap:         sc.Geometry.PointCap,
		ExtrusionColor:   sc.Geometry.ExtrusionColor,
		TravelColor:      sc.Geometry.TravelColor,
		Ingest: ingest.Options{
			ChunkSize:          sc.Ingest.ChunkSize,
			ParseBatch:         sc.Ingest.ParseBatch,
			MaxLineLength:      sc.Ingest.MaxLineLength,
			MemoryThreshold:    sc.Ingest.MemoryThreshold,
			PressureCheckEvery: sc.Ingest.PressureCheckEvery,
			SourceName:         name,
		},
		Reactor: rx,
		Metrics: sm,
		Logger:  log.GetLogger("playback"),
	}
}

func run(f flags) error {
	raw, sc, err := loadConfig(f)
	if err != nil {
		return err
	}
	applyFlags(f, sc)

	root := log.New("gcode-sim")
	configureLogger(root, sc.Log)
	log.SetDefaultLogger(root)
	logger := log.GetLogger("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sm := metrics.NewSimMetrics()
	var live atomic.Pointer[playback.Engine]
	var ms *metrics.MetricsServer
	if sc.Metrics.Listen != "" {
		ms = metrics.NewMetricsServerWithConfig(sm, metrics.MetricsServerConfig{
			Address:      sc.Metrics.Listen,
			Username:     sc.Metrics.Username,
			Password:     sc.Metrics.Password,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Ready:        func() error { return engineReady(live.Load()) },
		})
		errCh := ms.StartAsync()
		go func() {
			if err := <-errCh; err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		logger.WithField("addr", sc.Metrics.Listen).Info("metrics listening")
	}

	src, err := source.Open(ctx, f.source, source.Options{S3: sc.S3, Logger: log.GetLogger("source")})
	if err != nil {
		return err
	}
	defer src.Close()

	rx := reactor.New()
	go rx.Run()
	defer func() {
		rx.End()
		rx.Wait()
	}()

	engine := playback.New(engineOptions(sc, rx, sm, src.Name))
	live.Store(engine)
	defer engine.Dispose()

	logger.WithFields(log.Fields{"source": src.Name, "size": src.Size}).Info("loading program")
	comp := engine.Load(ctx, src, src.Size)
	if sc.Playback.Autostart && f.jump < 0 && !f.headless {
		startWhenReady(ctx, engine, logger)
	}

	if f.headless {
		return runHeadless(ctx, engine, comp, f, logger)
	}

	api := viewerapi.New(viewerapi.Config{
		Addr:           sc.API.Listen,
		Player:         engine,
		StatusInterval: sc.API.StatusInterval,
		Metrics:        sm,
		Logger:         log.GetLogger("viewerapi"),
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start() }()

	go func() {
		if err := waitLoad(ctx, comp); err != nil && !errors.Is(err, errors.ErrCancelled) {
			logger.WithError(err).Error("loading failed")
			return
		}
		logger.WithField("commands", engine.Store().Len()).Info("program loaded")
	}()
	if f.jump >= 0 {
		go func() {
			if err := engine.JumpTo(ctx, f.jump); err != nil {
				logger.WithError(err).Warn("initial seek failed")
				return
			}
			if sc.Playback.Autostart {
				startWhenReady(ctx, engine, logger)
			}
		}()
	}

	var reload *config.ReloadManager
	if raw != nil {
		reload = newReloadManager(f.config, raw, sc, engine, root)
	}

	logger.WithFields(log.Fields{"api": sc.API.Listen, "session": engine.SessionID()}).Info("ready, press Ctrl+C to stop")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			api.Stop(shutdownCtx)
			if ms != nil {
				ms.Shutdown(shutdownCtx)
			}
			return nil
		case err := <-apiErr:
			if err != nil {
				return fmt.Errorf("viewer API: %w", err)
			}
			return nil
		case <-hup:
			if reload == nil {
				logger.Warn("SIGHUP ignored, no -config given")
				continue
			}
			applyReload(reload, logger)
		}
	}
}

// startWhenReady starts playback, retrying until the first command lands.
func startWhenReady(ctx context.Context, engine *playback.Engine, logger *log.Logger) {
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			if engine.Store().Len() > 0 {
				if err := engine.Start(); err != nil {
					logger.WithError(err).Warn("autostart failed")
				}
				return
			}
			if st, _ := engine.State(); st == playback.Error || (st == playback.Idle && !engine.Store().Streaming()) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

var errPending = errors.New(errors.ErrState, "pending")

// engineReady backs the metrics /ready probe.
func engineReady(e *playback.Engine) error {
	if e == nil {
		return fmt.Errorf("engine not started")
	}
	switch st, msg := e.State(); {
	case st == playback.Error:
		return fmt.Errorf("playback error: %s", msg)
	case e.Store().Len() == 0:
		return fmt.Errorf("no commands loaded")
	}
	return nil
}

// waitLoad blocks until the load completion fires or ctx ends.
func waitLoad(ctx context.Context, comp *reactor.Completion) error {
	for {
		res := comp.Wait(200*time.Millisecond, errPending)
		if res != errPending {
			err, _ := res.(error)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type summary struct {
	playback.Snapshot
	WallSeconds     float64 `json:"wall_seconds"`
	ExtrusionPoints int     `json:"extrusion_points"`
	TravelPoints    int     `json:"travel_points"`
	Trims           int     `json:"trims"`
}

func runHeadless(ctx context.Context, engine *playback.Engine, comp *reactor.Completion, f flags, logger *log.Logger) error {
	began := time.Now()
	events, unsubscribe := engine.Subscribe(1024)
	defer unsubscribe()

	if err := waitLoad(ctx, comp); err != nil {
		return err
	}
	logger.WithField("commands", engine.Store().Len()).Info("program loaded")

	if f.jump >= 0 {
		if err := engine.JumpTo(ctx, f.jump); err != nil {
			return err
		}
	} else {
		if st, _ := engine.State(); st != playback.Running && st != playback.Completed {
			if err := engine.Start(); err != nil {
				return err
			}
		}
		if err := waitDone(ctx, engine, events); err != nil {
			return err
		}
	}

	st := engine.Geometry().Stats()
	out := summary{
		Snapshot:        engine.Snapshot(),
		WallSeconds:     time.Since(began).Seconds(),
		ExtrusionPoints: st.ExtrusionPoints,
		TravelPoints:    st.TravelPoints,
		Trims:           st.Trims,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// waitDone blocks until playback completes or fails.
func waitDone(ctx context.Context, engine *playback.Engine, events <-chan playback.Event) error {
	check := func() (bool, error) {
		switch st, msg := engine.State(); st {
		case playback.Completed:
			return true, nil
		case playback.Error:
			return true, errors.New(errors.ErrInvariant, msg)
		}
		return false, nil
	}
	// Events may be dropped under load; the poll catches a missed transition.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		if done, err := check(); done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case <-poll.C:
		}
	}
}

func newReloadManager(path string, raw *config.Config, sc *config.SimConfig, engine *playback.Engine, root *log.Logger) *config.ReloadManager {
	rm := config.NewReloadManager(path, raw, sc)
	rm.Handle(config.SectionPlayback, func(sc *config.SimConfig) error {
		return engine.SetPlaybackSpeed(sc.Playback.Speed)
	})
	rm.Handle(config.SectionGeometry, func(sc *config.SimConfig) error {
		return engine.SetGeometryPointCap(sc.Geometry.PointCap)
	})
	rm.Handle(config.SectionLog, func(sc *config.SimConfig) error {
		configureLogger(root, sc.Log)
		return nil
	})
	return rm
}

func applyReload(rm *config.ReloadManager, logger *log.Logger) {
	results, err := rm.ReloadFromFile()
	if err != nil {
		logger.WithError(err).Error("reload failed, keeping current configuration")
		return
	}
	for _, r := range results {
		entry := logger.WithField("section", r.Section)
		switch {
		case r.Error != nil:
			entry.WithError(r.Error).Error("reload failed")
		case r.WasReloaded:
			entry.Info("reloaded")
		case !r.CanReload:
			entry.Warn("changed, restart to apply")
		}
	}
}
