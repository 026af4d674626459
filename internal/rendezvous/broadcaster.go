package rendezvous

import "sync"

// Broadcaster fans out row-change events to subscribers of a single room.
// It is the in-process stand-in for the store's lack of native LISTEN/NOTIFY
// support — the Server publishes after each insert, offer write, matched
// receiver claim and delete so that websocket subscribers observe them.
// Heartbeat Touch writes and unmatched claims are not published.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel that receives events for room and an
// unsubscribe function. The channel is buffered so a slow consumer doesn't
// stall Publish; events beyond the buffer are dropped for that consumer
// (the consumer is expected to re-Get on reconnect, matching the
// duplicate-tolerant design in spec.md §5/§9).
func (b *Broadcaster) Subscribe(room string) (ch chan Event, unsubscribe func()) {
	ch = make(chan Event, 16)
	b.mu.Lock()
	if b.subs[room] == nil {
		b.subs[room] = make(map[chan Event]struct{})
	}
	b.subs[room][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[room]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, room)
			}
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber of room. Slow or
// disconnected subscribers never block this call.
func (b *Broadcaster) Publish(room string, ev Event) {
	b.mu.Lock()
	subs := make([]chan Event, 0, len(b.subs[room]))
	for ch := range b.subs[room] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
