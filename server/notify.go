package server

import "sync"

// Hub wakes outbound workers when a message is queued for their user.
// Notifications are coalesced: a worker that has not consumed the previous
// wake-up is not signalled twice.
type Hub struct {
	mu   sync.Mutex
	subs map[int64]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan struct{}]struct{})}
}

// Subscribe registers interest in userID. The returned func must be called to
// release the subscription.
func (h *Hub) Subscribe(userID int64) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan struct{}]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[userID], ch)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
	}
}

func (h *Hub) Notify(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
