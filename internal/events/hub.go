// Package events fans published change sets out to every connected consumer.
package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"campfire/engine/internal/tick"
)

// Config controls the retention log and default subscriber buffers.
type Config struct {
	Retain int
	Buffer int
}

const (
	defaultRetention = 256
	defaultBuffer    = 64
)

var (
	// ErrClosed is returned when subscribing to a closed hub.
	ErrClosed = errors.New("event hub closed")
	// ErrDuplicateSubscriber signals that the subscriber id is already attached.
	ErrDuplicateSubscriber = errors.New("subscriber already attached")
)

// Hub retains recent change sets and delivers new ones to subscribers without
// ever blocking the publisher. A subscriber that falls a full buffer behind is
// detached and its channel closed.
type Hub struct {
	mu          sync.Mutex
	retention   int
	buffer      int
	log         []tick.ChangeSet
	subscribers map[string]*subscriberState
	closed      bool

	published atomic.Uint64
	lagged    atomic.Uint64
}

type subscriberState struct {
	ch chan tick.ChangeSet
	// since is the first tick the subscriber wants; earlier ticks are
	// already covered by whatever it resumed from.
	since uint64
}

// Subscription exposes the ordered delivery channel of one subscriber.
type Subscription struct {
	id     string
	hub    *Hub
	events <-chan tick.ChangeSet
	once   sync.Once
}

// NewHub constructs a hub using the provided configuration.
func NewHub(cfg Config) *Hub {
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetention
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Hub{
		retention:   cfg.Retain,
		buffer:      cfg.Buffer,
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches a subscriber. When resume is set every retained change
// set with Tick >= since is delivered first, and a change set for an earlier
// tick that is published after the call is skipped.
func (h *Hub) Subscribe(id string, since uint64, resume bool) (*Subscription, error) {
	if h == nil {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, errors.New("subscriber id must be provided")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if _, exists := h.subscribers[id]; exists {
		return nil, ErrDuplicateSubscriber
	}

	//1.- Collect the backlog and size the channel so it fits alongside a normal buffer.
	var backlog []tick.ChangeSet
	if resume {
		for _, cs := range h.log {
			if cs.Tick >= since {
				backlog = append(backlog, cs)
			}
		}
	}
	ch := make(chan tick.ChangeSet, h.buffer+len(backlog))
	for _, cs := range backlog {
		ch <- cs
	}
	state := &subscriberState{ch: ch}
	if resume {
		state.since = since
	}
	h.subscribers[id] = state
	return &Subscription{id: id, hub: h, events: ch}, nil
}

// Publish implements tick.Emitter.
func (h *Hub) Publish(cs tick.ChangeSet) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	//1.- Retain the change set for resuming subscribers.
	h.log = append(h.log, cs)
	if over := len(h.log) - h.retention; over > 0 {
		h.log = append(h.log[:0:0], h.log[over:]...)
	}
	h.published.Add(1)

	//2.- Deliver without blocking; detach anyone who cannot keep up.
	for id, sub := range h.subscribers {
		if cs.Tick < sub.since {
			continue
		}
		select {
		case sub.ch <- cs:
		default:
			close(sub.ch)
			delete(h.subscribers, id)
			h.lagged.Add(1)
		}
	}
}

// Latest returns the most recently published change set.
func (h *Hub) Latest() (tick.ChangeSet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.log) == 0 {
		return tick.ChangeSet{}, false
	}
	return h.log[len(h.log)-1], true
}

// Subscribers reports how many consumers are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Stats returns how many change sets were published and how many subscribers were detached for lagging.
func (h *Hub) Stats() (published, lagged uint64) {
	return h.published.Load(), h.lagged.Load()
}

// Close detaches every subscriber and rejects later subscriptions.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub) detach(id string, ch <-chan tick.ChangeSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok && (<-chan tick.ChangeSet)(sub.ch) == ch {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// ID returns the subscriber identifier.
func (s *Subscription) ID() string { return s.id }

// Events exposes the ordered delivery channel. It is closed when the
// subscriber lags, closes, or the hub shuts down.
func (s *Subscription) Events() <-chan tick.ChangeSet {
	if s == nil {
		return nil
	}
	return s.events
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.hub.detach(s.id, s.events) })
}
