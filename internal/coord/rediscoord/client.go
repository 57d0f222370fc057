// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rediscoord implements the coordination facade on Redis.
//
// Liveness is an explicit lease: each session owns a key with a TTL equal to
// the session timeout, renewed by a heartbeat every third of it. Ephemeral
// records belong to a session and disappear with its lease. Records are
// hashes mutated by Lua scripts with optimistic version checks, and every
// mutation is published so one-shot watches can fire.
package rediscoord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/coord"
)

// Config holds Redis connection and session settings.
type Config struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number

	Namespace         string        // key prefix, default "tether"
	SessionTimeout    time.Duration // lease TTL, default 10s
	MaxRetries        uint          // attempts per operation on transient errors, default 5
	CompressThreshold int           // payloads above this many bytes are compressed; <0 disables
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "tether"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 4096
	}
	return c
}

// Client is a coord.Client backed by Redis.
type Client struct {
	rdb     *redis.Client
	ownsRDB bool
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	session coord.SessionID
	state   coord.SessionState
	started bool
	closed  bool

	events  *coord.EventStream
	watches *watchSet
	pubsub  *redis.PubSub

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

// New creates a client with its own Redis connection pool.
func New(cfg Config, logger zerolog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	c := NewWithClient(rdb, cfg, logger)
	c.ownsRDB = true
	return c
}

// NewWithClient wraps an existing Redis client. The caller keeps ownership of rdb.
func NewWithClient(rdb *redis.Client, cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		rdb:     rdb,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   coord.StateDisconnected,
		events:  coord.NewEventStream(),
		watches: newWatchSet(),
		stop:    make(chan struct{}),
	}
}

func (c *Client) key(parts ...string) string {
	return c.cfg.Namespace + ":" + strings.Join(parts, ":")
}

func (c *Client) eventsChannel() string { return c.key("events") }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coord.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := retry(ctx, c.cfg.MaxRetries, func() (string, error) {
		return c.rdb.Ping(ctx).Result()
	}); err != nil {
		return connectErr(ctx, err)
	}

	pubsub := c.rdb.Subscribe(ctx, c.eventsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return connectErr(ctx, err)
	}

	id, err := c.openSession(ctx)
	if err != nil {
		_ = pubsub.Close()
		return connectErr(ctx, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pubsub.Close()
		return coord.ErrClosed
	}
	c.started = true
	c.pubsub = pubsub
	c.session = id
	c.state = coord.StateConnected
	c.wg.Add(2)
	c.mu.Unlock()

	go c.listen(pubsub.Channel())
	go c.heartbeat()

	c.logger.Info().
		Str("addr", c.cfg.Addr).
		Str("session_id", id.String()).
		Dur("session_timeout", c.cfg.SessionTimeout).
		Msg("coordination session established")
	c.events.Emit(coord.StateConnected, id)
	return nil
}

func connectErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", coord.ErrConnectTimeout, err)
	}
	return &coord.TransientError{Op: "connect", Err: err}
}

func (c *Client) openSession(ctx context.Context) (coord.SessionID, error) {
	id := coord.NewSessionID()
	_, err := retry(ctx, c.cfg.MaxRetries, func() ([]redis.Cmder, error) {
		return c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, c.key("session", id.String()), "1", c.cfg.SessionTimeout)
			p.SAdd(ctx, c.key("sessions"), id.String())
			return nil
		})
	})
	if err != nil {
		return coord.NoSession, err
	}
	return id, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	id := c.session
	started := c.started
	pubsub := c.pubsub
	c.state = coord.StateDisconnected
	close(c.stop)
	c.mu.Unlock()

	var errs []error
	if pubsub != nil {
		errs = append(errs, pubsub.Close())
	}
	c.wg.Wait()

	if started && !id.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.rdb.Del(ctx, c.key("session", id.String())).Err(); err != nil {
			errs = append(errs, err)
		}
		c.reap(ctx)
		cancel()
	}
	c.watches.dropAll()
	c.events.Close()
	if c.ownsRDB {
		errs = append(errs, c.rdb.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) SessionID() coord.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) State() coord.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionEvents() <-chan coord.SessionEvent { return c.events.C() }

func (c *Client) listen(ch <-chan *redis.Message) {
	defer c.wg.Done()
	for msg := range ch {
		kind, path, ok := strings.Cut(msg.Payload, "|")
		if !ok {
			continue
		}
		c.watches.dispatch(kind, path)
	}
}

func (c *Client) heartbeat() {
	defer c.wg.Done()
	interval := c.cfg.SessionTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		c.beat(ctx)
		cancel()
	}
}

// beat renews the lease and drives the state machine:
// CONNECTED -> DISCONNECTED on errors, back on success, EXPIRED when the lease
// is found gone, then CONNECTED again with a fresh session.
func (c *Client) beat(ctx context.Context) {
	c.mu.Lock()
	id, state := c.session, c.state
	c.mu.Unlock()

	if state == coord.StateExpired {
		c.renewSession(ctx)
		return
	}

	alive, err := c.rdb.PExpire(ctx, c.key("session", id.String()), c.cfg.SessionTimeout).Result()
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("session_id", id.String()).Msg("session heartbeat failed")
		c.transition(id, coord.StateDisconnected)
	case !alive:
		c.logger.Warn().Str("session_id", id.String()).Msg("session lease expired")
		if c.transition(id, coord.StateExpired) {
			c.watches.dropAll()
			c.reap(ctx)
			c.renewSession(ctx)
		}
	default:
		c.transition(id, coord.StateConnected)
		c.reap(ctx)
	}
}

// transition moves the current session to state and emits the change.
// It reports whether a transition happened.
func (c *Client) transition(id coord.SessionID, state coord.SessionState) bool {
	c.mu.Lock()
	if c.closed || c.session != id || c.state == state {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev == coord.StateDisconnected && state == coord.StateConnected {
		// Pub/sub messages may have been lost while the link was down.
		c.watches.dropAll()
	}
	c.events.Emit(state, id)
	return true
}

func (c *Client) renewSession(ctx context.Context) {
	id, err := c.openSession(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to open replacement session")
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.session = id
	c.state = coord.StateConnected
	c.mu.Unlock()

	c.logger.Info().Str("session_id", id.String()).Msg("coordination session re-established")
	c.events.Emit(coord.StateConnected, id)
}

func (c *Client) reap(ctx context.Context) {
	res, err := reapScript.Run(ctx, c.rdb, nil, c.cfg.Namespace).Slice()
	if err != nil {
		c.logger.Debug().Err(err).Msg("reap failed")
		return
	}
	r, err := parseReply(res)
	if err != nil {
		return
	}
	c.publish(ctx, r.events)
}

func (c *Client) publish(ctx context.Context, events []string) {
	if len(events) == 0 {
		return
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, ev := range events {
			p.Publish(ctx, c.eventsChannel(), ev)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Int("events", len(events)).Msg("failed to publish change events")
	}
}

// live returns the session to run an operation under.
func (c *Client) live(path string) (coord.SessionID, error) {
	if err := coord.ValidatePath(path); err != nil {
		return coord.NoSession, fmt.Errorf("%q: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return coord.NoSession, coord.ErrClosed
	case c.state != coord.StateConnected:
		return coord.NoSession, coord.ErrNotConnected
	}
	return c.session, nil
}

// exec runs a script with retry and translates its status.
func (c *Client) exec(ctx context.Context, op string, id coord.SessionID, script *redis.Script, args ...any) (reply, error) {
	argv := append([]any{c.cfg.Namespace, id.String()}, args...)
	res, err := retry(ctx, c.cfg.MaxRetries, func() ([]any, error) {
		return script.Run(ctx, c.rdb, nil, argv...).Slice()
	})
	if err != nil {
		if ctx.Err() == nil && isTransient(err) {
			c.transition(id, coord.StateDisconnected)
			return reply{}, &coord.TransientError{Op: op, Err: err}
		}
		return reply{}, fmt.Errorf("%s: %w", op, err)
	}
	r, err := parseReply(res)
	if err != nil {
		return reply{}, fmt.Errorf("%s: %w", op, err)
	}
	c.publish(ctx, r.events)

	switch r.status {
	case "OK":
		return r, nil
	case "NOSESSION":
		return r, coord.ErrSessionExpired
	case "EXISTS":
		return r, coord.ErrNodeExists
	case "NONODE":
		return r, coord.ErrNoNode
	case "BADVERSION":
		return r, coord.ErrBadVersion
	case "NOTEMPTY":
		return r, coord.ErrNotEmpty
	default:
		return r, fmt.Errorf("%s: unexpected script status %q", op, r.status)
	}
}

func nowMillis() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) error {
	id, err := c.live(path)
	if err != nil {
		return err
	}
	owner := ""
	if mode == coord.Ephemeral {
		owner = id.String()
	}
	_, err = c.exec(ctx, "create", id, createScript, path, encodePayload(data, c.cfg.CompressThreshold), owner, nowMillis())
	return err
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	id, err := c.live(path)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	r, err := c.exec(ctx, "get", id, getScript, path)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	data, err := decodePayload([]byte(r.data))
	if err != nil {
		return nil, coord.Stat{}, err
	}
	return data, r.stat, nil
}

func (c *Client) Set(ctx context.Context, path string, data []byte, expectedVersion int32) (coord.Stat, error) {
	id, err := c.live(path)
	if err != nil {
		return coord.Stat{}, err
	}
	r, err := c.exec(ctx, "set", id, setScript, path, encodePayload(data, c.cfg.CompressThreshold),
		strconv.Itoa(int(expectedVersion)), nowMillis())
	if err != nil {
		return coord.Stat{}, err
	}
	return r.stat, nil
}

func (c *Client) Delete(ctx context.Context, path string, expectedVersion int32) error {
	id, err := c.live(path)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, "delete", id, deleteScript, path, strconv.Itoa(int(expectedVersion)))
	return err
}

func (c *Client) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	id, err := c.live(path)
	if err != nil {
		return false, coord.Stat{}, err
	}
	r, err := c.exec(ctx, "exists", id, getScript, path)
	if errors.Is(err, coord.ErrNoNode) {
		return false, coord.Stat{}, nil
	}
	if err != nil {
		return false, coord.Stat{}, err
	}
	return true, r.stat, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	id, err := c.live(path)
	if err != nil {
		return nil, err
	}
	r, err := c.exec(ctx, "children", id, childrenScript, path)
	if err != nil {
		return nil, err
	}
	return r.children, nil
}

func (c *Client) Watch(ctx context.Context, path string, kind coord.WatchKind) (<-chan coord.WatchEvent, error) {
	if _, err := c.live(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.watches.add(ctx, path, kind), nil
}
