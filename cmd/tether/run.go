// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/tether/internal/api"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/config"
	"github.com/ManuGH/tether/internal/health"
	"github.com/ManuGH/tether/internal/healthreport"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/manager"
	"github.com/ManuGH/tether/internal/messaging"
	"github.com/ManuGH/tether/internal/telemetry"
	"github.com/ManuGH/tether/internal/version"
)

const shutdownGrace = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the cluster and stay attached until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			loader := config.NewLoader(path, version.Version)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			log.Configure(log.Config{Level: cfg.LogLevel, Service: "tether", Version: version.Version})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, config.NewHolder(cfg, loader), nil)
		},
	}
}

// run attaches the process to the cluster and blocks until ctx ends or the
// manager stops on a fatal error. ready, when set, receives the admin
// listener address once serving.
func run(ctx context.Context, holder *config.Holder, ready chan<- string) (err error) {
	cfg := holder.Get()
	logger := log.WithComponent("daemon")
	logger.Info().
		Str(log.FieldCluster, cfg.Cluster).
		Str(log.FieldInstance, cfg.Instance).
		Str(log.FieldRole, cfg.Role).
		Str(log.FieldVersion, version.Version).
		Msg("starting")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return err
	}
	role, err := cluster.ParseRole(cfg.Role)
	if err != nil {
		return err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tether",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		Cluster:        cfg.Cluster,
		Instance:       cfg.Instance,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdown(logger, "telemetry", tp.Shutdown)

	be, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.Close() }()

	j, closeJournal, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer func() { _ = closeJournal() }()

	m, err := manager.New(manager.Options{
		Cluster:            cfg.Cluster,
		Instance:           cfg.Instance,
		Role:               role,
		Client:             be.client(),
		Engine:             messaging.NewLoggingEngine(),
		Journal:            j,
		Workers:            cfg.Workers,
		ConnectTimeout:     cfg.ConnectTimeout,
		DuplicateWait:      cfg.DuplicateWait,
		KeepPreviousStates: cfg.KeepPreviousStates,
		Version:            version.Version,
	})
	if err != nil {
		return err
	}

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewSessionChecker(m))
	if cfg.HealthReport.Enabled && role == manager.RoleParticipant {
		collector := healthreport.New(healthreport.Options{
			Cluster:    cfg.Cluster,
			Instance:   cfg.Instance,
			Writer:     m.Accessor(),
			Providers:  []healthreport.Provider{healthreport.NewRuntimeProvider(), statusProvider(m)},
			Interval:   cfg.HealthReport.Interval,
			StatusFile: cfg.HealthReport.StatusFile,
		})
		m.AddTimerTask(collector)
		interval := cfg.HealthReport.Interval
		if interval <= 0 {
			interval = healthreport.DefaultInterval
		}
		hm.RegisterChecker(health.NewReportChecker(collector.LastWrite, 3*interval))
	}

	var listener net.Listener
	if cfg.Admin.ListenAddr != "" {
		if listener, err = net.Listen("tcp", cfg.Admin.ListenAddr); err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		defer func() { _ = listener.Close() }()
	}

	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if derr := m.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	levels := make(chan config.Config, 1)
	holder.RegisterListener(levels)
	if err := holder.StartWatcher(gctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}
	defer holder.Stop()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-levels:
				if err := log.SetLevel(next.LogLevel); err != nil {
					logger.Warn().Err(err).Msg("ignoring log level")
				}
			}
		}
	})

	if listener != nil {
		srv := api.New(api.Options{
			ListenAddr: cfg.Admin.ListenAddr,
			RateLimit:  cfg.Admin.RateLimit,
			Status:     m,
			Health:     hm,
			Reloader:   holder,
		})
		if ready != nil {
			ready <- listener.Addr().String()
		}
		g.Go(func() error { return srv.Serve(listener) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	} else if ready != nil {
		ready <- ""
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-m.Done():
			if err := m.Err(); err != nil {
				return fmt.Errorf("session manager stopped: %w", err)
			}
			return errors.New("session manager stopped")
		}
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("shutting down")
	return err
}

// statusProvider reports the manager's view into the health report.
func statusProvider(m *manager.Manager) healthreport.Provider {
	return healthreport.ProviderFunc{
		ProviderName: "session",
		Fn: func(context.Context) (map[string]string, error) {
			st := m.Status()
			return map[string]string{
				"session_id": st.SessionID,
				"rejoins":    fmt.Sprint(st.Rejoins),
				"handlers":   fmt.Sprint(len(st.Handlers)),
				"cache_size": fmt.Sprint(st.Cache.Size),
			}, nil
		},
	}
}

func shutdown(logger zerolog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("component", what).Msg("shutdown failed")
	}
}
