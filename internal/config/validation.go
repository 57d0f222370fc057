// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the cross-field rules tags cannot
// express. All failures are reported together.
func Validate(cfg Config) error {
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, formatValidationError(err))
	}

	if cfg.Coord.Backend == "redis" && cfg.Coord.Addr == "" {
		errs = append(errs, errors.New("Coord.Addr: required for the redis backend"))
	}
	for name, d := range map[string]time.Duration{
		"ConnectTimeout":        cfg.ConnectTimeout,
		"DuplicateWait":         cfg.DuplicateWait,
		"Coord.SessionTimeout":  cfg.Coord.SessionTimeout,
		"Journal.TTL":           cfg.Journal.TTL,
		"HealthReport.Interval": cfg.HealthReport.Interval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	if cfg.DuplicateWait > cfg.ConnectTimeout && cfg.ConnectTimeout > 0 {
		errs = append(errs, errors.New("DuplicateWait: must not exceed ConnectTimeout"))
	}
	if strings.ContainsAny(cfg.Cluster+cfg.Instance, "/ ") {
		errs = append(errs, errors.New("Cluster, Instance: must not contain '/' or spaces"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
