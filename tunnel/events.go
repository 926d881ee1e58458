package tunnel

import "sync"

// EventType identifies a lifecycle event emitted by the manager.
type EventType string

const (
	EventTunnelAdded   EventType = "tunnel_added"
	EventTunnelRemoved EventType = "tunnel_removed"
	EventTunnelStarted EventType = "tunnel_started"
	EventTunnelStopped EventType = "tunnel_stopped"
	EventTunnelFailed  EventType = "tunnel_failed"
)

// Event is a typed notification delivered to subscribers. Config is always
// set; Tunnel carries the runtime snapshot for started/stopped events; Error
// carries the diagnostic message for failures.
type Event struct {
	Type   EventType     `json:"type"`
	Config Config        `json:"config"`
	Tunnel *ActiveTunnel `json:"tunnel,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// broadcaster fans events out to subscriber channels. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// blocking the supervisors.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

const subscriberBuffer = 64

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}
