package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// Supervisor drives the start/stop/reconnect protocol for a single
// configuration id. All requests against the id flow through one channel and
// are handled by one goroutine, which gives the strict per-id arrival order
// the manager promises; supervisors for distinct ids run fully independently.
type Supervisor struct {
	id       uuid.UUID
	registry *Registry
	launcher Launcher
	timer    Timer
	opts     Options
	emit     func(Event)
	log      logrus.FieldLogger

	requests chan supervisorRequest
	quit     chan struct{}
}

type requestKind int

const (
	requestStart requestKind = iota
	requestStop
	requestRetry
)

type supervisorRequest struct {
	kind   requestKind
	config Config     // start only
	resp   chan error // nil when the sender does not wait
}

func newSupervisor(
	id uuid.UUID,
	registry *Registry,
	launcher Launcher,
	timer Timer,
	opts Options,
	emit func(Event),
	logger logrus.FieldLogger,
) *Supervisor {
	s := &Supervisor{
		id:       id,
		registry: registry,
		launcher: launcher,
		timer:    timer,
		opts:     opts,
		emit:     emit,
		log:      logger.WithField("tunnel_id", id),

		requests: make(chan supervisorRequest, 16),
		quit:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Supervisor) run() {
	for {
		// Shutdown wins over queued work: once quit is closed no further
		// request may execute, only be answered.
		select {
		case <-s.quit:
			s.drainRequests()
			return
		default:
		}

		select {
		case <-s.quit:
			s.drainRequests()
			return

		case req := <-s.requests:
			var err error
			switch req.kind {
			case requestStart:
				err = s.handleStart(req.config)
			case requestStop:
				err = s.handleStop()
			case requestRetry:
				s.handleRetry()
			}
			if req.resp != nil {
				req.resp <- err
			}
		}
	}
}

// enqueue submits a request, preserving arrival order. It fails once the
// supervisor has shut down.
func (s *Supervisor) enqueue(req supervisorRequest) error {
	select {
	case <-s.quit:
		return ErrNotRunning
	case s.requests <- req:
	}

	// The send can win a race against a concurrent close and land a request
	// the run loop's final drain already missed. If quit was still open here
	// the drain is yet to come and will answer the request; if it is closed,
	// answer the caller ourselves so it never waits on a dead supervisor.
	select {
	case <-s.quit:
		return ErrNotRunning
	default:
		return nil
	}
}

// drainRequests answers every queued request with ErrNotRunning so callers
// that raced a shutdown are not left waiting.
func (s *Supervisor) drainRequests() {
	for {
		select {
		case req := <-s.requests:
			if req.resp != nil {
				req.resp <- ErrNotRunning
			}
		default:
			return
		}
	}
}

func (s *Supervisor) close() {
	close(s.quit)
}

// handleStart validates, registers, and spawns. It returns once the spawn
// attempt has resolved; the grace-window outcome is delivered through events.
func (s *Supervisor) handleStart(config Config) error {
	if s.registry.IsActive(config.ID) {
		return ErrAlreadyRunning
	}
	if err := Validate(config); err != nil {
		return err
	}
	if config.SSHKeyPath != "" {
		if err := checkIdentityFile(config.SSHKeyPath); err != nil {
			return newConfigurationError(err.Error())
		}
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = s.opts.ConnectionTimeout
	}

	resolved, err := s.resolveListenPort(config)
	if err != nil {
		return err
	}

	argv, err := BuildArgs(resolved)
	if err != nil {
		return err
	}

	if err := s.registry.Insert(resolved, s.newBackOff()); err != nil {
		return err
	}

	if err := s.spawn(resolved, argv); err != nil {
		s.registry.Remove(resolved.ID)
		return &SpawnError{Err: err}
	}
	return nil
}

// spawn starts the client process and hands it to a monitor goroutine. The
// registry entry must already exist.
func (s *Supervisor) spawn(config Config, argv []string) error {
	handle, err := s.launcher.Spawn(argv, spawnEnv(config))
	if err != nil {
		return err
	}

	procDone := make(chan struct{})
	s.registry.SetProcess(config.ID, handle, procDone)
	s.log.WithFields(logrus.Fields{"pid": handle.Pid(), "args": strings.Join(argv, " ")}).Info("spawned ssh client")

	go s.monitor(config, handle, procDone)
	return nil
}

// monitor watches a single process attempt. Establishment is inferred purely
// from the process surviving the grace window; the client's output is never
// parsed for a readiness signal. This heuristic is deliberate.
func (s *Supervisor) monitor(config Config, handle Handle, procDone chan struct{}) {
	exited := make(chan error, 1)
	go func() {
		exited <- handle.Wait()
	}()

	grace := time.NewTimer(config.ConnectionTimeout)
	defer grace.Stop()

	select {
	case err := <-exited:
		// Died inside the grace window.
		close(procDone)
		s.exited(config, handle, err)
		return

	case <-grace.C:
	}

	if s.registry.Transition(config.ID, StatusActive) {
		s.registry.ResetRetries(config.ID)
		if at, ok := s.registry.Get(config.ID); ok {
			s.emit(Event{Type: EventTunnelStarted, Config: config, Tunnel: &at})
		}
	}

	err := <-exited
	close(procDone)
	s.exited(config, handle, err)
}

// exited handles a process exit that was not requested. It decides between
// Failed and a scheduled reconnect, or does nothing if a stop owns the entry.
func (s *Supervisor) exited(config Config, handle Handle, exitErr error) {
	status, ok := s.registry.Status(config.ID)
	if !ok || status == StatusStopping || status.Terminal() {
		// A stop is reaping this process; nothing to do.
		return
	}

	message := failureMessage(handle, exitErr)
	s.registry.RecordFailure(config.ID, message)
	s.log.WithField("message", message).Warn("ssh client exited unexpectedly")
	s.emit(Event{Type: EventTunnelFailed, Config: config, Error: message})

	if !config.AutoReconnect {
		s.registry.Transition(config.ID, StatusFailed)
		return
	}

	retries := s.registry.IncrRetry(config.ID)
	if s.opts.MaxRetries > 0 && retries > s.opts.MaxRetries {
		s.log.WithField("retries", retries-1).Warn("retry budget exhausted")
		s.registry.Transition(config.ID, StatusFailed)
		return
	}

	if !s.registry.Transition(config.ID, StatusReconnecting) {
		return
	}

	delay := s.registry.NextRetryDelay(config.ID)
	s.log.WithFields(logrus.Fields{"delay": delay, "attempt": retries}).Info("scheduling reconnect")
	s.registry.SetRetryTimer(config.ID, s.timer.AfterFunc(delay, func() {
		_ = s.enqueue(supervisorRequest{kind: requestRetry})
	}))
}

// handleRetry respawns the client after a reconnect delay. The request is
// ignored unless the tunnel is still waiting to reconnect; a stop that beat
// the timer into the queue has already torn the entry down.
func (s *Supervisor) handleRetry() {
	status, ok := s.registry.Status(s.id)
	if !ok || status != StatusReconnecting {
		return
	}
	s.registry.CancelRetryTimer(s.id)

	config, ok := s.registry.ResolvedConfig(s.id)
	if !ok {
		return
	}

	argv, err := BuildArgs(config)
	if err != nil {
		// The config was valid at start time; treat this as a fatal wiring bug.
		s.registry.RecordFailure(config.ID, err.Error())
		s.registry.Transition(config.ID, StatusFailed)
		return
	}

	if err := s.spawn(config, argv); err != nil {
		s.registry.RecordFailure(config.ID, err.Error())
		s.emit(Event{Type: EventTunnelFailed, Config: config, Error: err.Error()})

		retries := s.registry.IncrRetry(config.ID)
		if s.opts.MaxRetries > 0 && retries > s.opts.MaxRetries {
			s.registry.Transition(config.ID, StatusFailed)
			return
		}
		delay := s.registry.NextRetryDelay(config.ID)
		s.registry.SetRetryTimer(config.ID, s.timer.AfterFunc(delay, func() {
			_ = s.enqueue(supervisorRequest{kind: requestRetry})
		}))
	}
}

// handleStop cancels any pending reconnect, terminates the process (politely,
// then forcefully), and removes the entry. Every path converges to Stopped
// with the process reaped; an unresponsive process is logged, not surfaced.
func (s *Supervisor) handleStop() error {
	status, ok := s.registry.Status(s.id)
	if !ok {
		return ErrNotRunning
	}
	if status.Terminal() {
		// Clear a leftover terminal entry so the slot is clean.
		s.registry.Remove(s.id)
		return ErrNotRunning
	}

	s.registry.CancelRetryTimer(s.id)
	s.registry.Transition(s.id, StatusStopping)

	if handle, procDone, ok := s.registry.Process(s.id); ok {
		select {
		case <-procDone:
			// Already reaped; nothing to signal.
		default:
			_ = handle.Terminate()
			escalate := time.NewTimer(s.opts.StopGracePeriod)
			select {
			case <-procDone:
				escalate.Stop()
			case <-escalate.C:
				termErr := &TerminationError{Pid: handle.Pid()}
				s.log.Warn(termErr.Error())
				_ = handle.Kill()
				<-procDone
			}
		}
	}

	s.registry.Transition(s.id, StatusStopped)
	at, _ := s.registry.Get(s.id)
	s.registry.Remove(s.id)
	s.emit(Event{Type: EventTunnelStopped, Config: at.Config, Tunnel: &at})
	return nil
}

// resolveListenPort assigns a free port to local and dynamic forwards that
// asked for one (port zero), and pre-checks availability of an explicit port
// so the common conflict case fails synchronously instead of as an opaque
// client exit.
func (s *Supervisor) resolveListenPort(config Config) (Config, error) {
	port, ok := listenPort(config.Forwarding)
	if !ok {
		return config, nil
	}

	if port == 0 {
		free, err := freeport.GetFreePort()
		if err != nil {
			return Config{}, newConfigurationError("could not allocate a local port: " + err.Error())
		}
		config.Forwarding = withListenPort(config.Forwarding, free)
		return config, nil
	}

	probe, err := net.Listen("tcp", net.JoinHostPort(loopbackBindHost, strconv.Itoa(port)))
	if err != nil {
		return Config{}, newConfigurationError(fmt.Sprintf("local port %d is unavailable", port))
	}
	_ = probe.Close()
	return config, nil
}

// newBackOff builds the reconnect schedule: exponential with jitter, capped.
func (s *Supervisor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectInitialInterval
	bo.Multiplier = s.opts.ReconnectMultiplier
	bo.RandomizationFactor = s.opts.ReconnectJitter
	bo.MaxInterval = s.opts.ReconnectMaxInterval
	bo.MaxElapsedTime = 0 // the retry budget is counted, not timed
	bo.Reset()
	return bo
}

// spawnEnv builds extra environment for the client process.
func spawnEnv(config Config) []string {
	if x, ok := config.Forwarding.(X11Forwarding); ok && x.Display != "" {
		return []string{"DISPLAY=" + x.Display}
	}
	return nil
}

// failureMessage extracts a best-effort diagnostic from a dead process.
func failureMessage(handle Handle, exitErr error) string {
	if tail := strings.TrimSpace(handle.OutputTail()); tail != "" {
		// Keep the last line; ssh prints its fatal error last.
		lines := strings.Split(tail, "\n")
		return strings.TrimSpace(lines[len(lines)-1])
	}
	if exitErr != nil {
		return exitErr.Error()
	}
	return fmt.Sprintf("ssh client (pid %d) exited before the tunnel was established", handle.Pid())
}
