package tunnel

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ActiveTunnel is a point-in-time snapshot of a running tunnel's state,
// overlaying its configuration.
type ActiveTunnel struct {
	Config     Config    `json:"config"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	LastError  string    `json:"lastError,omitempty"`
	RetryCount int       `json:"retryCount"`
	Pid        int       `json:"pid,omitempty"`
}

// Registry is the single source of truth for which tunnels are running. It
// maps configuration ids to runtime state; every mutation is an atomic
// check-and-set under one lock, so concurrent starts, stops, and reconnect
// timers can never race into duplicate processes.
type Registry struct {
	mu      sync.Mutex
	tunnels map[uuid.UUID]*registryEntry
}

type registryEntry struct {
	// config is the resolved configuration: ephemeral listen ports have
	// been assigned by the time an entry exists.
	config     Config
	status     Status
	startedAt  time.Time
	lastError  string
	retryCount int

	process  Handle
	procDone chan struct{}

	retryTimer TimerHandle
	backoff    backoff.BackOff
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[uuid.UUID]*registryEntry)}
}

// Insert registers a new tunnel in Starting state. It fails with
// ErrAlreadyRunning unless the slot is empty; an entry left behind in a
// terminal state is replaced.
func (r *Registry) Insert(config Config, bo backoff.BackOff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tunnels[config.ID]; ok && !existing.status.Terminal() {
		return ErrAlreadyRunning
	}
	r.tunnels[config.ID] = &registryEntry{
		config:    config,
		status:    StatusStarting,
		startedAt: time.Now(),
		backoff:   bo,
	}
	return nil
}

// Remove deletes the entry for id, reporting whether one existed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tunnels[id]
	delete(r.tunnels, id)
	return ok
}

// Get returns a snapshot of the tunnel for id.
func (r *Registry) Get(id uuid.UUID) (ActiveTunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok {
		return ActiveTunnel{}, false
	}
	return e.snapshot(), true
}

// IsActive reports whether a non-terminal tunnel is registered for id.
func (r *Registry) IsActive(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	return ok && !e.status.Terminal()
}

// List returns snapshots of every registered tunnel, ordered by name.
func (r *Registry) List() []ActiveTunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	tunnels := make([]ActiveTunnel, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		tunnels = append(tunnels, e.snapshot())
	}
	sort.Slice(tunnels, func(i, j int) bool {
		return tunnels[i].Config.Name < tunnels[j].Config.Name
	})
	return tunnels
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// Transition moves the tunnel to a new status iff the edge is legal. A false
// return means the entry is gone or another actor got there first; callers
// treat that as "a stop raced us" and back off.
func (r *Registry) Transition(id uuid.UUID, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok || !canTransition(e.status, to) {
		return false
	}
	e.status = to
	return true
}

// Status returns the current status for id.
func (r *Registry) Status(id uuid.UUID) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// ResolvedConfig returns the configuration the tunnel was started with,
// including any start-time port assignment.
func (r *Registry) ResolvedConfig(id uuid.UUID) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok {
		return Config{}, false
	}
	return e.config, true
}

// SetProcess attaches the spawned process to the entry. procDone must be
// closed by whoever reaps the process.
func (r *Registry) SetProcess(id uuid.UUID, h Handle, procDone chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tunnels[id]; ok {
		e.process = h
		e.procDone = procDone
	}
}

// Process returns the current process handle and its reap channel.
func (r *Registry) Process(id uuid.UUID) (Handle, <-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok || e.process == nil {
		return nil, nil, false
	}
	return e.process, e.procDone, true
}

// SetRetryTimer records a pending reconnect timer.
func (r *Registry) SetRetryTimer(id uuid.UUID, t TimerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tunnels[id]; ok {
		e.retryTimer = t
	}
}

// CancelRetryTimer stops and clears any pending reconnect timer.
func (r *Registry) CancelRetryTimer(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok || e.retryTimer == nil {
		return
	}
	e.retryTimer.Stop()
	e.retryTimer = nil
}

// RecordFailure stores the most recent failure message.
func (r *Registry) RecordFailure(id uuid.UUID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tunnels[id]; ok {
		e.lastError = message
	}
}

// IncrRetry bumps and returns the retry counter.
func (r *Registry) IncrRetry(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok {
		return 0
	}
	e.retryCount++
	return e.retryCount
}

// ResetRetries zeroes the retry counter and the backoff schedule. Called on
// every transition to Active.
func (r *Registry) ResetRetries(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok {
		return
	}
	e.retryCount = 0
	if e.backoff != nil {
		e.backoff.Reset()
	}
}

// NextRetryDelay returns the next backoff interval for id.
func (r *Registry) NextRetryDelay(id uuid.UUID) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tunnels[id]
	if !ok || e.backoff == nil {
		return 0
	}
	return e.backoff.NextBackOff()
}

func (e *registryEntry) snapshot() ActiveTunnel {
	at := ActiveTunnel{
		Config:     e.config,
		Status:     e.status,
		StartedAt:  e.startedAt,
		LastError:  e.lastError,
		RetryCount: e.retryCount,
	}
	if e.process != nil {
		at.Pid = e.process.Pid()
	}
	return at
}
