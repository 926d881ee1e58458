package tunnel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/burrowhq/burrow/stats"
)

// fakeHandle stands in for a spawned ssh process.
type fakeHandle struct {
	pid  int
	tail string

	// ignoreTerm simulates a process that does not react to SIGTERM.
	ignoreTerm bool

	mu         sync.Mutex
	exitErr    error
	exited     bool
	terminated bool
	killed     bool
	done       chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	ignore := h.ignoreTerm
	h.mu.Unlock()

	if !ignore {
		h.exit(errors.New("terminated"))
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(errors.New("killed"))
	return nil
}

func (h *fakeHandle) OutputTail() string { return h.tail }

// exit simulates the process dying.
func (h *fakeHandle) exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	close(h.done)
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeLauncher records every spawn and hands out fakeHandles.
type fakeLauncher struct {
	mu sync.Mutex

	spawnErr        error // fail the next spawn
	exitImmediately bool  // processes die as soon as they start
	ignoreTerm      bool

	handles []*fakeHandle
	argvs   [][]string
	envs    [][]string
}

func (l *fakeLauncher) Spawn(argv []string, env []string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spawnErr != nil {
		err := l.spawnErr
		l.spawnErr = nil
		return nil, err
	}

	h := newFakeHandle(1000 + len(l.handles))
	h.ignoreTerm = l.ignoreTerm
	l.handles = append(l.handles, h)
	l.argvs = append(l.argvs, argv)
	l.envs = append(l.envs, env)

	if l.exitImmediately {
		h.exit(errors.New("exit status 255"))
	}
	return h, nil
}

func (l *fakeLauncher) spawnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) lastHandle() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) lastArgv() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.argvs) == 0 {
		return nil
	}
	return l.argvs[len(l.argvs)-1]
}

// manualTimer is a Timer whose callbacks only run when the test fires them.
type manualTimer struct {
	mu        sync.Mutex
	scheduled []*manualTimerHandle
}

type manualTimerHandle struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) AfterFunc(d time.Duration, fn func()) TimerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &manualTimerHandle{delay: d, fn: fn}
	t.scheduled = append(t.scheduled, h)
	return h
}

func (h *manualTimerHandle) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired {
		return false
	}
	h.stopped = true
	return true
}

// fire runs the oldest live callback, reporting whether there was one.
func (t *manualTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.scheduled {
		h.mu.Lock()
		live := !h.stopped && !h.fired
		if live {
			h.fired = true
		}
		h.mu.Unlock()
		if live {
			h.fn()
			return true
		}
	}
	return false
}

func (t *manualTimer) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, h := range t.scheduled {
		h.mu.Lock()
		if !h.stopped && !h.fired {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// fakeStore is a map-backed Store for manager tests.
type fakeStore struct {
	mu      sync.Mutex
	configs map[uuid.UUID]Config
	order   []uuid.UUID
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[uuid.UUID]Config)}
}

func (s *fakeStore) Load(ctx context.Context) ([]Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}
	configs := make([]Config, 0, len(s.order))
	for _, id := range s.order {
		configs = append(configs, s.configs[id])
	}
	return configs, nil
}

func (s *fakeStore) Save(ctx context.Context, config Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[config.ID]; !ok {
		s.order = append(s.order, config.ID)
	}
	s.configs[config.ID] = config
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return ErrConfigNotFound
	}
	delete(s.configs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func newTestManager(launcher Launcher, timer Timer, opts Options) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st := stats.New(&statsd.NoOpClient{}, logger)
	return NewManager(logger, st, newFakeStore(), launcher, timer, opts)
}

// reconnectConfig is a config with no local listener, so lifecycle tests
// never touch the network.
func reconnectConfig() Config {
	config := baseConfig(RemoteForwarding{RemotePort: 9000, LocalHost: "localhost", LocalPort: 3000})
	config.ID = uuid.New()
	config.AutoReconnect = true
	return config
}
