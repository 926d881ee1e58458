package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/burrowhq/burrow/stats"
)

// Options carries the shared lifecycle settings for every tunnel. They are
// passed explicitly at construction; nothing is read from ambient globals.
type Options struct {
	// ConnectionTimeout is the default grace window for configurations
	// that do not set their own.
	ConnectionTimeout time.Duration

	// StopGracePeriod is how long a stop waits after the polite
	// termination signal before killing the process.
	StopGracePeriod time.Duration

	// Reconnect backoff: exponential from the initial interval, with
	// jitter, capped at the max interval.
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMultiplier      float64
	ReconnectJitter          float64

	// MaxRetries bounds consecutive reconnect attempts per disconnection.
	// Zero means retry forever.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = 5 * time.Second
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = 1 * time.Second
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 60 * time.Second
	}
	if o.ReconnectMultiplier <= 0 {
		o.ReconnectMultiplier = 2.0
	}
	if o.ReconnectJitter <= 0 {
		o.ReconnectJitter = 0.5
	}
	return o
}

// Manager is the facade over tunnel configuration CRUD and the lifecycle
// protocol. It hands each configuration id to a dedicated supervisor, which
// serializes requests against that id; requests against distinct ids proceed
// concurrently.
type Manager struct {
	store    Store
	launcher Launcher
	timer    Timer
	opts     Options
	registry *Registry
	events   *broadcaster
	stats    stats.Stats
	log      logrus.FieldLogger

	mu          sync.Mutex
	supervisors map[uuid.UUID]*Supervisor
}

func NewManager(
	logger logrus.FieldLogger,
	st stats.Stats,
	store Store,
	launcher Launcher,
	timer Timer,
	opts Options,
) *Manager {
	return &Manager{
		store:    store,
		launcher: launcher,
		timer:    timer,
		opts:     opts.withDefaults(),
		registry: NewRegistry(),
		events:   newBroadcaster(),
		stats:    st,
		log:      logger,

		supervisors: make(map[uuid.UUID]*Supervisor),
	}
}

// Registry exposes the runtime registry for read-side consumers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Subscribe registers an event listener. The returned cancel func must be
// called to release the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// ListConfigurations returns every stored configuration, oldest first.
func (m *Manager) ListConfigurations(ctx context.Context) ([]Config, error) {
	return m.store.Load(ctx)
}

// GetConfiguration returns the stored configuration for id.
func (m *Manager) GetConfiguration(ctx context.Context, id uuid.UUID) (Config, error) {
	configs, err := m.store.Load(ctx)
	if err != nil {
		return Config{}, errors.Wrap(err, "could not load configurations")
	}
	for _, config := range configs {
		if config.ID == id {
			return config, nil
		}
	}
	return Config{}, ErrConfigNotFound
}

// AddConfiguration validates and persists a new configuration. A zero ID is
// assigned one.
func (m *Manager) AddConfiguration(ctx context.Context, config Config) (Config, error) {
	if config.ID == uuid.Nil {
		config.ID = uuid.New()
	}
	if err := Validate(config); err != nil {
		return Config{}, err
	}
	if err := m.store.Save(ctx, config); err != nil {
		return Config{}, errors.Wrap(err, "could not save configuration")
	}
	m.emit(Event{Type: EventTunnelAdded, Config: config})
	return config, nil
}

// UpdateConfiguration replaces a stored configuration. Editing is refused
// while a tunnel is running for the id: stop, edit, restart.
func (m *Manager) UpdateConfiguration(ctx context.Context, config Config) error {
	if m.registry.IsActive(config.ID) {
		return newConfigurationError("tunnel is running; stop it before editing")
	}
	if err := Validate(config); err != nil {
		return err
	}
	if _, err := m.GetConfiguration(ctx, config.ID); err != nil {
		return err
	}
	return errors.Wrap(m.store.Save(ctx, config), "could not save configuration")
}

// RemoveConfiguration deletes a stored configuration. Like updates, removal
// is refused while the tunnel is running.
func (m *Manager) RemoveConfiguration(ctx context.Context, id uuid.UUID) error {
	if m.registry.IsActive(id) {
		return newConfigurationError("tunnel is running; stop it before removing")
	}
	config, err := m.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "could not delete configuration")
	}

	m.mu.Lock()
	if s, ok := m.supervisors[id]; ok {
		s.close()
		delete(m.supervisors, id)
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventTunnelRemoved, Config: config})
	return nil
}

// StartTunnel requests a start for config. It returns once the spawn attempt
// has resolved: validation problems, an already-running tunnel, and spawn
// failures are reported here; everything after the process is running —
// grace-window failures, reconnects — arrives as events.
func (m *Manager) StartTunnel(ctx context.Context, config Config) error {
	return m.request(ctx, config.ID, supervisorRequest{kind: requestStart, config: config})
}

// StopTunnel requests a stop for config's tunnel and waits for it to reach
// Stopped. Safe to call in any non-terminal state; it cancels pending
// reconnects and never leaves the process running.
func (m *Manager) StopTunnel(ctx context.Context, config Config) error {
	m.mu.Lock()
	_, exists := m.supervisors[config.ID]
	m.mu.Unlock()
	if !exists {
		return ErrNotRunning
	}
	return m.request(ctx, config.ID, supervisorRequest{kind: requestStop})
}

func (m *Manager) request(ctx context.Context, id uuid.UUID, req supervisorRequest) error {
	req.resp = make(chan error, 1)
	if err := m.supervisor(id).enqueue(req); err != nil {
		return err
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether a tunnel is currently registered for config in a
// non-terminal state.
func (m *Manager) IsActive(config Config) bool {
	return m.registry.IsActive(config.ID)
}

// ListActive returns runtime snapshots of every registered tunnel.
func (m *Manager) ListActive() []ActiveTunnel {
	return m.registry.List()
}

// GetActive returns the runtime snapshot for id.
func (m *Manager) GetActive(id uuid.UUID) (ActiveTunnel, bool) {
	return m.registry.Get(id)
}

// StopAll stops every registered tunnel. Used on shutdown so no ssh process
// outlives the manager.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, at := range m.registry.List() {
		if err := m.StopTunnel(ctx, at.Config); err != nil && err != ErrNotRunning && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Check reports manager health for the healthcheck endpoint.
func (m *Manager) Check(ctx context.Context) error {
	_, err := m.store.Load(ctx)
	return errors.Wrap(err, "could not load configurations")
}

// supervisor returns the per-id supervisor, creating it on first use.
func (m *Manager) supervisor(id uuid.UUID) *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.supervisors[id]; ok {
		return s
	}
	s := newSupervisor(id, m.registry, m.launcher, m.timer, m.opts, m.emit, m.log)
	m.supervisors[id] = s
	return s
}

func (m *Manager) emit(event Event) {
	entry := m.log.WithFields(logrus.Fields{
		"event":     event.Type,
		"tunnel_id": event.Config.ID,
		"name":      event.Config.Name,
	})
	if event.Type == EventTunnelFailed {
		entry.WithField("error", event.Error).Warn("tunnel event")
		m.stats.WithTags(stats.Tags{"tunnel_id": event.Config.ID}).ErrorEvent("tunnel failed", errors.New(event.Error))
	} else {
		entry.Info("tunnel event")
	}

	m.stats.Incr("events", stats.Tags{"event": string(event.Type)}, 1)
	m.stats.Gauge("tunnels.active", float64(len(m.registry.List())), nil, 1)
	m.events.publish(event)
}
