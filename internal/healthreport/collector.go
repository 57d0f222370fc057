// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package healthreport periodically publishes participant statistics under
// the instance's HEALTHREPORT directory.
package healthreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/metrics"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultName     = "tether"

	// FieldLastUpdate holds the report's write time in epoch milliseconds.
	FieldLastUpdate = "LAST_UPDATE"
)

var (
	ErrRunning    = errors.New("health report collector already running")
	ErrNotRunning = errors.New("health report collector not running")
)

// Provider contributes one group of statistics to the report.
type Provider interface {
	Name() string
	Report(ctx context.Context) (map[string]string, error)
}

// Writer stores the report record; the cached accessor satisfies it.
type Writer interface {
	Set(ctx context.Context, path string, rec *cluster.Record) error
}

// Options configures a Collector.
type Options struct {
	Cluster   string
	Instance  string
	Name      string
	Writer    Writer
	Providers []Provider
	Interval  time.Duration
	// StatusFile, if set, receives a JSON copy of every report, replaced
	// atomically.
	StatusFile string
	Logger     *zerolog.Logger
}

// Collector is a manager timer task writing one health report per tick.
type Collector struct {
	opts   Options
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastWrite time.Time
	lastErr   error
}

func New(opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	logger := log.WithComponent("healthreport")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Collector{
		opts:   opts,
		path:   cluster.NewPaths(opts.Cluster).HealthReport(opts.Instance, opts.Name),
		logger: logger,
	}
}

func (c *Collector) Name() string { return "health_report" }

// Start writes a report immediately and then every Interval until Stop or
// ctx ends.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Stop halts the collector and waits for an in-flight write. Stopping a
// collector that is not running returns ErrNotRunning and has no effect.
func (c *Collector) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	return nil
}

// LastWrite returns the time of the last successful write and the error of
// the last attempt.
func (c *Collector) LastWrite() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWrite, c.lastErr
}

func (c *Collector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		c.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	err := c.Write(ctx)
	c.mu.Lock()
	c.lastErr = err
	if err == nil {
		c.lastWrite = time.Now()
	}
	c.mu.Unlock()

	switch {
	case err == nil:
		metrics.RecordHealthReportWrite("ok")
	case ctx.Err() != nil:
	default:
		metrics.RecordHealthReportWrite("failed")
		c.logger.Warn().Err(err).Str(log.FieldPath, c.path).Msg("health report write failed")
	}
}

// Write gathers every provider and stores one report. A failing provider
// is logged and left out.
func (c *Collector) Write(ctx context.Context) error {
	now := time.Now()
	report := cluster.NewHealthReport(c.opts.Name)
	report.SetSimple(FieldLastUpdate, strconv.FormatInt(now.UnixMilli(), 10))
	for _, p := range c.opts.Providers {
		stats, err := p.Report(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Str("provider", p.Name()).Msg("health provider failed")
			continue
		}
		for k, v := range stats {
			report.SetMapValue(p.Name(), k, v)
		}
	}
	if err := c.opts.Writer.Set(ctx, c.path, report.Record); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	if c.opts.StatusFile != "" {
		if err := c.writeStatusFile(now, report); err != nil {
			return err
		}
	}
	c.logger.Debug().Str(log.FieldPath, c.path).Msg("health report written")
	return nil
}

type statusFile struct {
	Cluster  string                       `json:"cluster"`
	Instance string                       `json:"instance"`
	Updated  time.Time                    `json:"updated"`
	Stats    map[string]map[string]string `json:"stats"`
}

func (c *Collector) writeStatusFile(now time.Time, report cluster.HealthReport) error {
	names := make([]string, 0, len(c.opts.Providers))
	for _, p := range c.opts.Providers {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	st := statusFile{
		Cluster:  c.opts.Cluster,
		Instance: c.opts.Instance,
		Updated:  now.UTC(),
		Stats:    make(map[string]map[string]string, len(names)),
	}
	for _, n := range names {
		if m := report.Map(n); len(m) > 0 {
			st.Stats[n] = m
		}
	}

	pending, err := renameio.NewPendingFile(c.opts.StatusFile)
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("encode status file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}
