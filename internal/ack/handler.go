// Package ack translates inbound client frames into delivery-tracker state
// transitions and maintains per-client liveness.
package ack

import (
	"sync"
	"time"

	"pushgate/internal/eventbus"
	logx "pushgate/pkg/logx"
)

// FrameKind is the inbound frame discriminator.
type FrameKind string

const (
	FrameMessageAck      FrameKind = "message_ack"
	FrameMessageNack     FrameKind = "message_nack"
	FrameHeartbeat       FrameKind = "heartbeat"
	FrameSubscriptionAck FrameKind = "subscription_ack"
)

// Frame is one inbound client frame.
type Frame struct {
	Kind        FrameKind
	MessageID   string
	ClientID    string
	Reason      string
	Destination string
	Timestamp   time.Time
}

// Liveness is a snapshot of one client's connection record.
type Liveness struct {
	Active          bool
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	LastHeartbeatAt time.Time
}

// Acker is the delivery-tracker surface the handler drives.
type Acker interface {
	Acknowledge(messageID, recipient string) bool
	Reject(messageID, recipient, reason string) bool
}

// ConnTracker feeds client connect/disconnect into the least-connections
// balancing counters.
type ConnTracker interface {
	ConnOpened(id string)
	ConnClosed(id string)
}

type clientState struct {
	active          bool
	connectedAt     time.Time
	lastActivityAt  time.Time
	lastHeartbeatAt time.Time
}

// Handler is the terminal-facing ack endpoint. One handler serves all
// clients; per-client records live in a single map guarded by mu (frame
// handling is cheap, contention is not a concern at this layer).
type Handler struct {
	mu      sync.RWMutex
	clients map[string]*clientState

	tracker Acker
	conns   ConnTracker
	bus     eventbus.Bus
	log     logx.Logger
}

func NewHandler(tracker Acker, conns ConnTracker, bus eventbus.Bus, log logx.Logger) *Handler {
	return &Handler{
		clients: map[string]*clientState{},
		tracker: tracker,
		conns:   conns,
		bus:     bus,
		log:     log,
	}
}

// ClientConnected registers a client connection and opens its balancing slot.
func (h *Handler) ClientConnected(clientID string) {
	if clientID == "" {
		return
	}
	now := time.Now()
	h.mu.Lock()
	c := h.clients[clientID]
	if c == nil {
		c = &clientState{}
		h.clients[clientID] = c
	}
	wasActive := c.active
	c.active = true
	c.connectedAt = now
	c.lastActivityAt = now
	h.mu.Unlock()

	if h.conns != nil && !wasActive {
		h.conns.ConnOpened(clientID)
	}
	h.log.Debug("client.connected", logx.String("client", clientID))
}

// ClientDisconnected marks a client inactive. The liveness record survives
// until the idle sweep evicts it, so a quick reconnect keeps its history.
func (h *Handler) ClientDisconnected(clientID string) {
	h.mu.Lock()
	c := h.clients[clientID]
	wasActive := c != nil && c.active
	if c != nil {
		c.active = false
		c.lastActivityAt = time.Now()
	}
	h.mu.Unlock()

	if h.conns != nil && wasActive {
		h.conns.ConnClosed(clientID)
	}
	h.log.Debug("client.disconnected", logx.String("client", clientID))
}

// HandleFrame dispatches one inbound frame. Unknown kinds are logged and
// dropped; a malformed frame never fails the connection.
func (h *Handler) HandleFrame(f Frame) {
	now := f.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	h.touch(f.ClientID, now, f.Kind == FrameHeartbeat)

	switch f.Kind {
	case FrameMessageAck:
		if h.tracker == nil {
			return
		}
		if !h.tracker.Acknowledge(f.MessageID, f.ClientID) {
			h.log.Debug("ack.unmatched", logx.String("msg", f.MessageID), logx.String("client", f.ClientID))
		}
	case FrameMessageNack:
		if h.tracker == nil {
			return
		}
		if !h.tracker.Reject(f.MessageID, f.ClientID, f.Reason) {
			h.log.Debug("ack.nack_unmatched", logx.String("msg", f.MessageID), logx.String("client", f.ClientID))
		}
	case FrameHeartbeat:
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: eventbus.EventClientHeartbeat, Data: f.ClientID})
		}
	case FrameSubscriptionAck:
		h.log.Debug("ack.subscribed",
			logx.String("client", f.ClientID),
			logx.String("destination", f.Destination))
	default:
		h.log.Warn("ack.unknown_frame_kind",
			logx.String("kind", string(f.Kind)),
			logx.String("client", f.ClientID),
			logx.String("msg", f.MessageID))
	}
}

func (h *Handler) touch(clientID string, now time.Time, heartbeat bool) {
	if clientID == "" {
		return
	}
	h.mu.Lock()
	c := h.clients[clientID]
	if c == nil {
		// Frame from a client we never saw connect (e.g. restart while the
		// client held its session): adopt it.
		c = &clientState{active: true, connectedAt: now}
		h.clients[clientID] = c
		if h.conns != nil {
			h.conns.ConnOpened(clientID)
		}
	}
	c.lastActivityAt = now
	if heartbeat {
		c.lastHeartbeatAt = now
	}
	h.mu.Unlock()
}

// Liveness returns the liveness record for clientID.
func (h *Handler) Liveness(clientID string) (Liveness, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return Liveness{}, false
	}
	return Liveness{
		Active:          c.active,
		ConnectedAt:     c.connectedAt,
		LastActivityAt:  c.lastActivityAt,
		LastHeartbeatAt: c.lastHeartbeatAt,
	}, true
}

// ActiveClients returns the count of currently connected clients.
func (h *Handler) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.active {
			n++
		}
	}
	return n
}

// SweepIdle evicts records of disconnected clients idle for longer than
// idleAfter. Returns the number evicted.
func (h *Handler) SweepIdle(now time.Time, idleAfter time.Duration) int {
	if idleAfter <= 0 {
		return 0
	}
	h.mu.Lock()
	var evicted int
	for id, c := range h.clients {
		if c.active {
			continue
		}
		if now.Sub(c.lastActivityAt) > idleAfter {
			delete(h.clients, id)
			evicted++
		}
	}
	h.mu.Unlock()
	if evicted > 0 {
		h.log.Debug("client.idle_evicted", logx.Int("count", evicted))
	}
	return evicted
}
