package room

import "sync"

// broadcastQueueSize bounds each subscriber's pending-message queue; a
// lagging subscriber is dropped rather than allowed to backpressure the
// kernel (spec §4.J, §5 backpressure).
const broadcastQueueSize = 256

// Broadcast is one message fanned out to every subscriber.
type Broadcast struct {
	Type    byte // framing.FrameBroadcast payload's own sub-tag, see daemon wiring
	Payload []byte
}

// subscriber is one connected client's outgoing queue.
type subscriber struct {
	id uint64
	ch chan Broadcast
}

// Hub fans broadcasts out to every subscriber, dropping (not blocking on)
// slow ones.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewHub creates an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber and returns its id (for
// Unsubscribe) and receive channel.
func (h *Hub) Subscribe() (uint64, <-chan Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	sub := &subscriber{id: id, ch: make(chan Broadcast, broadcastQueueSize)}
	h.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends msg to every subscriber without blocking; a subscriber
// whose queue is full is dropped.
func (h *Hub) Publish(msg Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}
