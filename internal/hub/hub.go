// Package hub fans out donation lifecycle events to connected subscriber
// sessions. Delivery is best effort: per-session FIFO ordering, bounded
// queues, and forced closure of consumers that stop draining. The hub keeps
// no history; a reconnecting consumer re-fetches current state from the
// record store.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/obs"
)

// Kind is the event discriminator on the wire.
type Kind string

const (
	KindNewDonation  Kind = "NEW_DONATION"
	KindStatusUpdate Kind = "STATUS_UPDATE"
	KindProbe        Kind = "PROBE"
)

// Event is an immutable record of a state change. Seq is stamped by the hub
// at publish time and is strictly increasing per process.
type Event struct {
	Kind       Kind            `json:"kind"`
	DonationID string          `json:"donation_id,omitempty"`
	Status     donation.Status `json:"status,omitempty"`
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"ts"`
}

// State is the session lifecycle.
type State string

const (
	StateLive     State = "LIVE"
	StateDegraded State = "DEGRADED"
	StateClosed   State = "CLOSED"
)

// Close reasons, used as metric labels.
const (
	ReasonClient       = "client"
	ReasonStale        = "stale"
	ReasonBackpressure = "backpressure"
)

// ErrUnknownSession is returned for heartbeats on absent sessions.
var ErrUnknownSession = errors.New("unknown session")

// Config tunes the hub. Zero fields fall back to defaults.
type Config struct {
	QueueCapacity    int
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	SweepInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

type session struct {
	id         string
	ch         chan Event
	state      State
	lastSeen   time.Time
	degradedAt time.Time
}

// SessionHandle is what a subscriber holds: its id for heartbeats and the
// receive side of its queue. The channel closes when the session does.
type SessionHandle struct {
	ID     string
	events <-chan Event
}

// Events returns the session's outbound queue.
func (h *SessionHandle) Events() <-chan Event { return h.events }

// Hub owns the session registry. All session state is mutated under one
// lock; enqueues are non-blocking so one stalled consumer never delays
// the publisher or its peers.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64
	cfg      Config
	now      func() time.Time
}

// New creates a hub with the given configuration.
func New(cfg Config) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Register creates a live session with an empty bounded queue.
func (h *Hub) Register() *SessionHandle {
	s := &session{
		id:    uuid.NewString(),
		ch:    make(chan Event, h.cfg.QueueCapacity),
		state: StateLive,
	}

	h.mu.Lock()
	s.lastSeen = h.now()
	h.sessions[s.id] = s
	obs.SetHubSessions(len(h.sessions))
	h.mu.Unlock()

	return &SessionHandle{ID: s.id, events: s.ch}
}

// Publish stamps the event with the next sequence number and appends it to
// every live session's queue. A full queue marks the session degraded; a
// session that stays degraded past the grace period is forcibly closed.
// Publish never blocks.
func (h *Hub) Publish(evt Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	evt.Seq = h.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = h.now().UTC()
	}
	obs.IncEventsPublished()

	now := h.now()
	for _, s := range h.sessions {
		h.enqueueLocked(s, evt, now)
	}
	return evt
}

func (h *Hub) enqueueLocked(s *session, evt Event, now time.Time) {
	select {
	case s.ch <- evt:
		if s.state == StateDegraded {
			s.state = StateLive
		}
	default:
		obs.IncEventsDropped()
		switch s.state {
		case StateLive:
			s.state = StateDegraded
			s.degradedAt = now
		case StateDegraded:
			if now.Sub(s.degradedAt) >= h.cfg.GracePeriod {
				h.closeLocked(s, ReasonBackpressure)
			}
		}
	}
}

// Heartbeat refreshes a session's liveness timestamp.
func (h *Hub) Heartbeat(sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.lastSeen = h.now()
	return nil
}

// Close removes a session and releases its queue. Unknown ids are no-ops.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		h.closeLocked(s, ReasonClient)
	}
}

func (h *Hub) closeLocked(s *session, reason string) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	close(s.ch)
	delete(h.sessions, s.id)
	obs.IncSessionsClosed(reason)
	obs.SetHubSessions(len(h.sessions))
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sweep closes sessions whose last heartbeat is older than the timeout and
// finishes off degraded sessions past their grace period, then sends every
// survivor a liveness probe. Safe to call concurrently with everything else.
func (h *Hub) Sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.seq++
	probe := Event{Kind: KindProbe, Seq: h.seq, Timestamp: now.UTC()}
	for _, s := range h.sessions {
		if now.Sub(s.lastSeen) > h.cfg.HeartbeatTimeout {
			h.closeLocked(s, ReasonStale)
			continue
		}
		if s.state == StateDegraded && now.Sub(s.degradedAt) >= h.cfg.GracePeriod {
			h.closeLocked(s, ReasonBackpressure)
			continue
		}
		h.enqueueLocked(s, probe, now)
	}
}

// Start runs the sweep on the configured interval until the returned stop
// function is called.
func (h *Hub) Start() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
	return func() { close(done) }
}
