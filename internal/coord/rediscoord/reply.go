// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rediscoord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/tether/internal/coord"
)

type reply struct {
	status   string
	stat     coord.Stat
	data     string
	events   []string
	children []string
}

func parseReply(res []any) (reply, error) {
	if len(res) < 7 {
		return reply{}, fmt.Errorf("rediscoord: short script reply (%d fields)", len(res))
	}
	fields := make([]string, len(res))
	for i, v := range res {
		switch x := v.(type) {
		case string:
			fields[i] = x
		case int64:
			fields[i] = strconv.FormatInt(x, 10)
		case nil:
		default:
			fields[i] = fmt.Sprint(x)
		}
	}

	rest := fields[6:]
	sep := slices.Index(rest, "--")
	if sep < 0 {
		return reply{}, errors.New("rediscoord: malformed script reply")
	}
	version, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return reply{}, fmt.Errorf("rediscoord: bad version %q: %w", fields[1], err)
	}
	children := slices.Clone(rest[sep+1:])
	slices.Sort(children)

	return reply{
		status: fields[0],
		stat: coord.Stat{
			Version:        int32(version),
			EphemeralOwner: coord.SessionID(fields[2]),
			CTime:          millis(fields[3]),
			MTime:          millis(fields[4]),
		},
		data:     fields[5],
		events:   rest[:sep],
		children: children,
	}, nil
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// isTransient reports whether a Redis failure is worth retrying. Server
// replies and cancellation are final; transport failures are not.
func isTransient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, redis.ErrClosed):
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

func retry[T any](ctx context.Context, tries uint, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}
