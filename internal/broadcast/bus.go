// Package broadcast implements the Packet Broadcast Bus (spec.md §4.5): a
// per-camera, bounded multi-producer/multi-consumer topic a Capture Actor
// publishes VideoPackets onto and Peer Sessions (or any other consumer)
// drain from. Modeled on the original capture actor's tokio broadcast
// channel: small capacity, latency over durability, never blocks the
// producer.
package broadcast

import (
	"log/slog"
	"sync"
)

// capacity is the bounded depth of every per-consumer channel. Small on
// purpose: a slow consumer should fall behind and get dropped rather than
// make the producer (and therefore the IPC reader loop) wait.
const capacity = 10

// VideoPacket is a single encoded access unit fanned out to subscribers.
// Transient: never persisted, no back-reference to a VideoUnit.
type VideoPacket struct {
	CameraID       string
	Data           []byte
	Timestamp90kHz uint32
	Duration       uint32
}

// Bus owns one Topic per camera id, created lazily on first use.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*Topic
	logger *slog.Logger
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{topics: make(map[string]*Topic), logger: logger.With("component", "broadcast")}
}

// Topic returns the named camera's topic, creating it if this is the first
// reference.
func (b *Bus) Topic(cameraID string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[cameraID]
	if !ok {
		t = newTopic(cameraID, b.logger)
		b.topics[cameraID] = t
	}
	return t
}

// Publish fans a packet out to every current subscriber of its camera's
// topic. Never blocks: see Topic.Publish.
func (b *Bus) Publish(pkt VideoPacket) {
	b.Topic(pkt.CameraID).Publish(pkt)
}

// Topic is one camera's fan-out point: a set of bounded consumer channels.
type Topic struct {
	cameraID string
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
}

type subscriber struct {
	ch  chan VideoPacket
	lag int
}

func newTopic(cameraID string, logger *slog.Logger) *Topic {
	return &Topic{
		cameraID:    cameraID,
		logger:      logger,
		subscribers: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new consumer and returns its receive channel plus an
// unsubscribe function. The channel is closed when the bus unsubscribes a
// lagging consumer or when Unsubscribe is called.
func (t *Topic) Subscribe() (<-chan VideoPacket, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	sub := &subscriber{ch: make(chan VideoPacket, capacity)}
	t.subscribers[id] = sub

	return sub.ch, func() { t.unsubscribe(id) }
}

func (t *Topic) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subscribers[id]; ok {
		delete(t.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers pkt to every subscriber with room; a subscriber whose
// channel is full has the packet dropped for it and its lag counter
// incremented. A subscriber that falls more than one capacity behind is
// unsubscribed and its channel closed, per spec.md §4.5.
func (t *Topic) Publish(pkt VideoPacket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, sub := range t.subscribers {
		select {
		case sub.ch <- pkt:
			sub.lag = 0
		default:
			sub.lag++
			if sub.lag > capacity {
				delete(t.subscribers, id)
				close(sub.ch)
				t.logger.Warn("unsubscribed lagging consumer", "camera_id", t.cameraID, "subscriber_id", id)
				continue
			}
			t.logger.Debug("dropped packet for slow consumer", "camera_id", t.cameraID, "subscriber_id", id, "lag", sub.lag)
		}
	}
}

// SubscriberCount reports the current number of live subscribers, used by
// tests and diagnostics.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
