// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/config"
	"github.com/ManuGH/tether/internal/log"
)

// PerformStartupChecks validates the local environment before the
// participant connects.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if cfg.Journal.Dir != "" {
		if err := checkDir(logger, cfg.Journal.Dir, true); err != nil {
			return fmt.Errorf("journal directory check failed: %w", err)
		}
	}
	if cfg.HealthReport.StatusFile != "" {
		if err := checkDir(logger, filepath.Dir(cfg.HealthReport.StatusFile), false); err != nil {
			return fmt.Errorf("status file directory check failed: %w", err)
		}
	}
	if err := checkListenAddr(logger, cfg.Admin.ListenAddr); err != nil {
		return err
	}
	if cfg.Coord.Backend == "memory" {
		logger.Warn().
			Str("backend", cfg.Coord.Backend).
			Msg("in-process coordination backend; state is lost on exit and not shared with other processes")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkDir verifies path is a writable directory, creating it when create
// is set.
func checkDir(logger zerolog.Logger, path string, create bool) error {
	if create {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(probe)

	logger.Info().Str(log.FieldPath, path).Msg("directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		logger.Info().Msg("admin listener disabled")
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid admin listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid admin listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("admin listen address is valid")
	return nil
}
