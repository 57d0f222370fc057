// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package manager owns a process's membership in a cluster: it connects to
// the coordination service and re-joins the cluster every time a new
// session is granted.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/tether/internal/accessor"
	"github.com/ManuGH/tether/internal/callback"
	"github.com/ManuGH/tether/internal/cluster"
	"github.com/ManuGH/tether/internal/coord"
	"github.com/ManuGH/tether/internal/journal"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/messaging"
	"github.com/ManuGH/tether/internal/metrics"
	"github.com/ManuGH/tether/internal/participant"
	"github.com/ManuGH/tether/internal/telemetry"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultDuplicateWait   = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	Cluster  string
	Instance string
	Role     Role
	Client   coord.Client

	// Engine executes task messages; nil selects messaging.LoggingEngine.
	Engine messaging.StateMachineEngine
	// Journal remembers acknowledged messages; nil selects an in-memory
	// journal owned by the manager.
	Journal journal.Journal
	Workers int

	// ConnectTimeout bounds the wait for the first session and every
	// re-join.
	ConnectTimeout  time.Duration
	DuplicateWait   time.Duration
	ShutdownTimeout time.Duration

	// KeepPreviousStates keeps prior sessions' current-state directories
	// after they were carried over.
	KeepPreviousStates bool
	LeaderElector      LeaderElector
	Capabilities       *callback.Capabilities
	InfoProvider       participant.LiveInstanceInfoProvider
	Version            string
	ErrorHook          func(ev callback.Event, err error)
	RearmInterval      time.Duration
	Logger             *zerolog.Logger
}

func (o *Options) validate() error {
	var errs []error
	if o.Cluster == "" {
		errs = append(errs, errors.New("cluster name is required"))
	}
	if o.Instance == "" {
		errs = append(errs, errors.New("instance name is required"))
	}
	if o.Client == nil {
		errs = append(errs, errors.New("coordination client is required"))
	}
	switch o.Role {
	case RoleParticipant, RoleController, RoleSpectator, RoleAdministrator:
	default:
		errs = append(errs, fmt.Errorf("unknown role %v", o.Role))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DuplicateWait <= 0 {
		o.DuplicateWait = DefaultDuplicateWait
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Manager is the session lifecycle manager of one process. It is used for a
// single Connect/Disconnect cycle.
type Manager struct {
	opts   Options
	paths  cluster.Paths
	logger zerolog.Logger
	tracer trace.Tracer

	client      coord.Client
	acc         *accessor.Cached
	registry    *callback.Registry
	messaging   *messaging.Service
	helper      *participant.Helper
	journal     journal.Journal
	ownsJournal bool

	// rejoinMu serializes re-joins and teardown.
	rejoinMu sync.Mutex

	mu           sync.Mutex
	started      bool
	stopped      bool
	connected    bool
	processed    coord.SessionID
	runCtx       context.Context
	runCancel    context.CancelFunc
	loopDone     chan struct{}
	tasks        []TimerTask
	tasksRunning bool
	rejoins      int

	joined     chan struct{}
	joinedOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	err        error
}

// New validates opts and wires the manager's components. Nothing touches
// the coordination service until Connect.
func New(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := log.WithComponent("manager")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().
		Str(log.FieldCluster, opts.Cluster).
		Str(log.FieldInstance, opts.Instance).
		Str(log.FieldRole, opts.Role.String()).
		Logger()

	m := &Manager{
		opts:   opts,
		paths:  cluster.NewPaths(opts.Cluster),
		logger: logger,
		tracer: telemetry.Tracer("github.com/ManuGH/tether/internal/manager"),
		client: opts.Client,
		joined: make(chan struct{}),
		done:   make(chan struct{}),
	}

	var prefixes []string
	if opts.Role == RoleParticipant {
		prefixes = []string{m.paths.CurrentStates(opts.Instance)}
	}
	m.acc = accessor.NewCached(accessor.NewBase(opts.Client), prefixes, accessor.WithLogger(logger))

	m.registry = callback.New(callback.Options{
		Cluster:       opts.Cluster,
		Role:          opts.Role,
		Capabilities:  opts.Capabilities,
		Watcher:       opts.Client,
		Reader:        m.acc,
		Logger:        &logger,
		ErrorHook:     opts.ErrorHook,
		RearmInterval: opts.RearmInterval,
	})

	m.journal = opts.Journal
	if m.journal == nil {
		m.journal = journal.NewMemory(0)
		m.ownsJournal = true
	}

	if opts.Role == RoleParticipant {
		m.messaging = messaging.NewService(messaging.ExecutorOptions{
			Cluster:  opts.Cluster,
			Instance: opts.Instance,
			Accessor: m.acc,
			Engine:   opts.Engine,
			Journal:  m.journal,
			Workers:  opts.Workers,
			Logger:   &logger,
		})
		m.helper = participant.New(participant.Options{
			Cluster:            opts.Cluster,
			Instance:           opts.Instance,
			Client:             opts.Client,
			Accessor:           m.acc,
			Registry:           m.registry,
			MessageListener:    m.messaging.Executor(),
			DuplicateWait:      opts.DuplicateWait,
			KeepPreviousStates: opts.KeepPreviousStates,
			InfoProvider:       opts.InfoProvider,
			Version:            opts.Version,
			Logger:             &logger,
		})
	}
	return m, nil
}

func (m *Manager) ClusterName() string  { return m.opts.Cluster }
func (m *Manager) InstanceName() string { return m.opts.Instance }
func (m *Manager) Role() Role           { return m.opts.Role }

// Accessor returns the cached accessor shared with listeners.
func (m *Manager) Accessor() *accessor.Cached { return m.acc }

// MessagingService is nil unless the manager is a participant.
func (m *Manager) MessagingService() *messaging.Service { return m.messaging }

// StateMachineEngine is nil unless the manager is a participant.
func (m *Manager) StateMachineEngine() messaging.StateMachineEngine {
	if m.messaging == nil {
		return nil
	}
	return m.messaging.Engine()
}

// AddPreConnectCallback registers cb to run on every join before the
// live-instance record is created. Only participants run callbacks.
func (m *Manager) AddPreConnectCallback(cb participant.PreConnectCallback) {
	if m.helper != nil {
		m.helper.AddPreConnectCallback(cb)
	}
}

// AddTimerTask registers a task started after every successful re-join.
func (m *Manager) AddTimerTask(t TimerTask) {
	if t == nil {
		return
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
}

// SessionID returns the session the manager last joined with.
func (m *Manager) SessionID() coord.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

// IsConnected reports whether the manager has joined with the facade's
// current session and that session is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	ok := m.connected && m.processed == m.client.SessionID()
	m.mu.Unlock()
	return ok && m.client.State() == coord.StateConnected
}

// Done is closed when the manager stopped, after Disconnect or a fatal
// re-join failure.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err returns the fatal error that stopped the manager, nil after a plain
// Disconnect or while running.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Connect opens the facade connection and blocks until the first re-join
// completed, failed or ConnectTimeout elapsed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.started {
		m.mu.Unlock()
		m.logger.Warn().Msg("connect called on a connected manager")
		return nil
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	m.logger.Info().Msg("connecting")
	if err := m.client.Connect(cctx); err != nil {
		err = fmt.Errorf("connect to coordination service: %w", err)
		m.teardown(err)
		return err
	}

	m.mu.Lock()
	m.loopDone = make(chan struct{})
	loopDone, runCtx := m.loopDone, m.runCtx
	m.mu.Unlock()
	go m.loop(runCtx, loopDone)

	select {
	case <-m.joined:
		return nil
	case <-m.done:
		if err := m.Err(); err != nil {
			return err
		}
		return ErrDisconnected
	case <-cctx.Done():
		err := fmt.Errorf("waiting for first session: %w", ErrConnectTimeout)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		m.teardown(err)
		<-loopDone
		return err
	}
}

// loop feeds session events to OnSessionStateChange in arrival order.
func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := m.client.SessionEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.OnSessionStateChange(ctx, ev); err != nil {
				return
			}
		}
	}
}

// Disconnect tears the manager down: it preempts a running re-join, stops
// timer tasks and dispatchers, drains task execution and closes the facade
// client, which removes the live-instance record. It must not be called
// from a listener.
func (m *Manager) Disconnect() error {
	m.teardown(nil)
	m.mu.Lock()
	loopDone := m.loopDone
	m.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	return m.Err()
}

func (m *Manager) teardown(cause error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.runCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.rejoinMu.Lock()
	defer m.rejoinMu.Unlock()

	if cause != nil {
		m.logger.Error().Err(cause).Msg("fatal failure, disconnecting")
	} else {
		m.logger.Info().Msg("disconnecting")
	}

	m.stopTimerTasks()
	m.registry.Close()
	if m.messaging != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
		if err := m.messaging.Shutdown(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("tasks still running at shutdown")
		}
		cancel()
	}
	if err := m.client.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close coordination client")
	}
	if m.ownsJournal {
		_ = m.journal.Close()
	}
	m.acc.Reset()

	m.mu.Lock()
	m.connected = false
	m.err = cause
	m.mu.Unlock()
	metrics.SetConnected(false)
	m.doneOnce.Do(func() { close(m.done) })
}

// Status describes the manager for the admin surface.
type Status struct {
	Cluster   string                 `json:"cluster"`
	Instance  string                 `json:"instance"`
	Role      string                 `json:"role"`
	SessionID string                 `json:"sessionId"`
	Connected bool                   `json:"connected"`
	Rejoins   int                    `json:"rejoins"`
	Handlers  []callback.HandlerInfo `json:"handlers"`
	Cache     accessor.Stats         `json:"cache"`
}

func (m *Manager) Status() Status {
	connected := m.IsConnected()
	m.mu.Lock()
	session, rejoins := m.processed, m.rejoins
	m.mu.Unlock()
	return Status{
		Cluster:   m.opts.Cluster,
		Instance:  m.opts.Instance,
		Role:      m.opts.Role.String(),
		SessionID: session.String(),
		Connected: connected,
		Rejoins:   rejoins,
		Handlers:  m.registry.Handlers(),
		Cache:     m.acc.Stats(),
	}
}
