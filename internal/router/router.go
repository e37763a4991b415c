// Package router implements the Video Router (C6, spec.md §4.6): the
// process-wide structure a Peer Session asks to change which cameras it
// wants video from. It does not deliver packets itself; it attaches and
// detaches subscribers against the Packet Broadcast Bus's (C5) per-camera
// topics, so the bus's bounded/lossy/auto-evict semantics apply uniformly to
// every consumer. Grounded on the original video router's purge-then-insert
// subscription update under one exclusive lock, adapted to sit on top of the
// broadcast bus rather than holding its own per-subscriber channel map.
package router

import (
	"sync"

	"github.com/exopticon/exopticon/internal/broadcast"
)

// Router tracks, per subscriber id, which camera topics it is currently
// attached to.
type Router struct {
	bus *broadcast.Bus

	mu   sync.Mutex
	subs map[string]map[string]func() // subscriber id -> camera id -> unsubscribe
}

// New constructs a Router delivering through bus.
func New(bus *broadcast.Bus) *Router {
	return &Router{bus: bus, subs: make(map[string]map[string]func())}
}

// UpdateSubscriptions atomically replaces subscriberID's camera set: every
// previous attachment is torn down, then one is made for each of cameras.
// No frame is ever delivered against a partial view (spec.md §4.6). The
// returned map holds one receive channel per requested camera; the caller
// reads from all of them for as long as it wants that camera's video.
func (r *Router) UpdateSubscriptions(subscriberID string, cameras []string) map[string]<-chan broadcast.VideoPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(subscriberID)

	chans := make(map[string]<-chan broadcast.VideoPacket, len(cameras))
	unsubs := make(map[string]func(), len(cameras))
	for _, cam := range cameras {
		ch, unsub := r.bus.Topic(cam).Subscribe()
		chans[cam] = ch
		unsubs[cam] = unsub
	}
	r.subs[subscriberID] = unsubs

	return chans
}

// Unsubscribe detaches subscriberID from every camera it was attached to.
func (r *Router) Unsubscribe(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(subscriberID)
}

func (r *Router) removeLocked(subscriberID string) {
	unsubs, ok := r.subs[subscriberID]
	if !ok {
		return
	}
	for _, unsub := range unsubs {
		unsub()
	}
	delete(r.subs, subscriberID)
}

// SubscriberCount reports how many distinct subscribers are currently
// attached to a camera's topic, used by tests and diagnostics.
func (r *Router) SubscriberCount(cameraID string) int {
	return r.bus.Topic(cameraID).SubscriberCount()
}
