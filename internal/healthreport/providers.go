// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package healthreport

import (
	"context"
	"runtime"
	"strconv"
	"time"
)

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context) (map[string]string, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Report(ctx context.Context) (map[string]string, error) { return p.Fn(ctx) }

// RuntimeProvider reports process statistics.
type RuntimeProvider struct {
	started time.Time
}

func NewRuntimeProvider() *RuntimeProvider { return &RuntimeProvider{started: time.Now()} }

func (p *RuntimeProvider) Name() string { return "runtime" }

func (p *RuntimeProvider) Report(context.Context) (map[string]string, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]string{
		"goroutines":     strconv.Itoa(runtime.NumGoroutine()),
		"heap_alloc":     strconv.FormatUint(ms.HeapAlloc, 10),
		"uptime_seconds": strconv.FormatInt(int64(time.Since(p.started).Seconds()), 10),
	}, nil
}
