package tunnel

import "time"

// Timer schedules deferred work. The supervisor uses it for reconnect delays;
// tests substitute a manual implementation to fire retries deterministically.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels a scheduled callback. Stop reports whether the callback
// was prevented from running.
type TimerHandle interface {
	Stop() bool
}

type systemTimer struct{}

func (systemTimer) AfterFunc(d time.Duration, fn func()) TimerHandle {
	return time.AfterFunc(d, fn)
}

// SystemTimer schedules with the runtime clock.
var SystemTimer Timer = systemTimer{}
