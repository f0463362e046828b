package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yy945635407/screen-region-stream/internal/backend"
	"github.com/yy945635407/screen-region-stream/internal/backoff"
	"github.com/yy945635407/screen-region-stream/internal/capture"
	"github.com/yy945635407/screen-region-stream/internal/config"
	"github.com/yy945635407/screen-region-stream/internal/health"
	"github.com/yy945635407/screen-region-stream/internal/hub"
	"github.com/yy945635407/screen-region-stream/internal/logging"
	"github.com/yy945635407/screen-region-stream/internal/obs"
	"github.com/yy945635407/screen-region-stream/internal/server"
	"github.com/yy945635407/screen-region-stream/web"
)

var log = logging.L("main")

const closeTimeout = 5 * time.Second

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("starting regionstream",
		"version", version,
		logging.KeySource, cfg.Source,
		"region", cfg.Region.String(),
		"interval", cfg.Interval,
		"wsAddr", cfg.WSAddr,
		"httpAddr", cfg.HTTPAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	mon := health.NewMonitor()
	src, conn, err := buildSource(cfg, mon)
	if err != nil {
		return err
	}

	h, err := hub.New(src, hubConfig(cfg), mon)
	if err != nil {
		src.Close()
		return err
	}

	srv := server.New(server.Config{
		WSAddr:   cfg.WSAddr,
		HTTPAddr: cfg.HTTPAddr,
		// Viewers plus headroom for connections the hub will reject.
		MaxConns: cfg.MaxViewers + 16,
		Viewer: server.ViewerOptions{
			ControlRate:  cfg.ControlRate,
			ControlBurst: cfg.ControlBurst,
		},
		Web: webFiles(cfg),
	}, h, conn, mon)

	g, gctx := errgroup.WithContext(ctx)
	if conn != nil {
		g.Go(func() error {
			conn.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error {
		h.RunMetricsLogger(gctx, cfg.MetricsInterval)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()

	log.Info("shutting down")
	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := h.Close(cctx); cerr != nil {
		log.Warn("closing capture source", logging.KeyError, cerr)
	}
	return err
}

// buildSource creates the capture source named by cfg.Source. For remote
// backends the returned connection must be driven with Run.
func buildSource(cfg *config.Config, mon *health.Monitor) (capture.Source, *backend.Connection, error) {
	if cfg.Source != config.SourceOBS {
		src, err := capture.New(capture.Config{Kind: capture.Kind(cfg.Source), Region: cfg.Region})
		if err != nil {
			return nil, nil, fmt.Errorf("capture source %s: %w", cfg.Source, err)
		}
		mon.Update("backend", health.Healthy, "local capture")
		return src, nil, nil
	}

	conn := backend.NewConnection(newOBSRemote(cfg), newResolver(cfg), cfg.Region, backend.Options{
		MaxConsecutiveFailures: cfg.OBS.MaxConsecutiveFailures,
		DegradedGracePeriod:    cfg.OBS.DegradedGracePeriod,
		ResolveCooldown:        cfg.OBS.ResolveCooldown,
		HealthInterval:         cfg.OBS.HealthInterval,
		ConnectTimeout:         cfg.OBS.ConnectTimeout,
		Crop:                   cfg.OBS.Crop,
		Backoff: backoff.Config{
			Initial:    cfg.OBS.BackoffInitial,
			Max:        cfg.OBS.BackoffMax,
			Factor:     2,
			JitterFrac: 0.3,
		},
	})
	mon.Update("backend", conn.State().Health(), "not connected yet")
	conn.OnStateChange(func(from, to backend.State, reason string) {
		mon.Update("backend", to.Health(), reason)
	})
	return conn, conn, nil
}

func newOBSRemote(cfg *config.Config) *backend.OBSRemote {
	return backend.NewOBSRemote(obs.Config{
		Host:         cfg.OBS.Host,
		Port:         cfg.OBS.Port,
		Password:     cfg.OBS.Password,
		ImageFormat:  cfg.OBS.ImageFormat,
		ImageQuality: cfg.OBS.ImageQuality,
		DialTimeout:  cfg.OBS.ConnectTimeout,
	})
}

func newResolver(cfg *config.Config) *backend.Resolver {
	return backend.NewResolver(backend.ResolverConfig{
		Candidates:    cfg.OBS.Sources,
		MinFrameBytes: cfg.OBS.MinFrameBytes,
		ProbeTimeout:  cfg.OBS.ProbeTimeout,
	})
}

func hubConfig(cfg *config.Config) hub.Config {
	interval, acquireTimeout := cfg.Cadence()
	return hub.Config{
		Region:         cfg.Region,
		Interval:       interval,
		Quality:        cfg.Quality,
		Mode:           hub.FrameMode(cfg.FrameMode),
		SendTimeout:    cfg.SendTimeout,
		AcquireTimeout: acquireTimeout,
		ErrorBackoff:   cfg.ErrorBackoff,
		MaxViewers:     cfg.MaxViewers,
		Encoder: capture.Encoder{
			Format: capture.Format(cfg.ImageFormat),
			Scale:  cfg.Scale,
		},
	}
}

func webFiles(cfg *config.Config) fs.FS {
	if cfg.WebDir != "" {
		return os.DirFS(cfg.WebDir)
	}
	return web.Files
}

// initLogging configures the root logger. With a log file, output goes to
// both stderr and the rotating file, which is reopened on SIGHUP.
func initLogging(cfg *config.Config) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return func() {}, nil
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stderr, rw))

	hup := make(chan os.Signal, 1)
	done := make(chan struct{})
	if len(reopenSignals) > 0 {
		signal.Notify(hup, reopenSignals...)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				if err := rw.Reopen(); err != nil {
					log.Warn("log reopen failed", logging.KeyError, err)
				} else {
					log.Info("log file reopened")
				}
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		close(done)
		rw.Close()
	}, nil
}
