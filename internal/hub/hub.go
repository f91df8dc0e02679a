// Package hub owns the socket fleet: accept and upgrade, per-connection read
// and write pumps, frame routing, room fan-out, bus subscriptions, and
// graceful drain.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/messages"
	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/ratelimit"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/users"
	"github.com/parleychat/parley/internal/utils"
)

// drainTimeout bounds how long shutdown waits for sockets to finish closing.
const drainTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients authenticate in-band; cross-origin upgrades are
		// allowed.
		return true
	},
}

// Hub owns every live connection on this instance.
type Hub struct {
	instanceID string
	users      *users.Registry
	rooms      *rooms.Registry
	messages   *messages.Service
	bus        bus.Bus
	limiter    *ratelimit.Limiter
	router     *Router
	logger     *utils.Logger

	mu       sync.RWMutex
	fleet    map[uuid.UUID]*Conn
	draining bool

	subMu     sync.Mutex
	roomSubs  map[string]*roomSubscription
	globalSub bus.Subscription

	started time.Time
}

type roomSubscription struct {
	count    int
	messages bus.Subscription
	events   bus.Subscription
}

// New builds the hub. instanceID identifies this process on the bus.
func New(instanceID string, userReg *users.Registry, roomReg *rooms.Registry, msgSvc *messages.Service, b bus.Bus, limiter *ratelimit.Limiter, logger *utils.Logger) *Hub {
	h := &Hub{
		instanceID: instanceID,
		users:      userReg,
		rooms:      roomReg,
		messages:   msgSvc,
		bus:        b,
		limiter:    limiter,
		logger:     logger,
		fleet:      make(map[uuid.UUID]*Conn),
		roomSubs:   make(map[string]*roomSubscription),
		started:    time.Now(),
	}
	h.router = newRouter(h)
	roomReg.OnTypingExpired(func(roomID string, typists []string) {
		id, err := uuid.Parse(roomID)
		if err != nil {
			return
		}
		// Bus delivery skips envelopes from this instance, so expiry
		// updates reach local members here.
		h.BroadcastToRoom(id, protocol.TypingUpdate(typists), uuid.Nil)
	})
	return h
}

// Start subscribes the hub to the global broadcast channel.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, bus.ChannelGlobalBroadcast, func(env bus.Envelope) {
		if env.SenderID == h.instanceID {
			return
		}
		h.broadcastRaw(env.Payload, uuid.Nil)
	})
	if err != nil {
		return err
	}
	h.globalSub = sub
	return nil
}

// Uptime reports how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.started)
}

// ConnectionCount returns the current fleet size.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fleet)
}

// HandleWS upgrades an HTTP request into a managed connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	draining := h.draining
	h.mu.RUnlock()
	if draining {
		utils.RespondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	addr := utils.ClientAddr(r)
	if res := h.limiter.Check(r.Context(), addr, ratelimit.ClassConnection); !res.Allowed {
		utils.RespondError(w, http.StatusTooManyRequests, "too many connections")
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(r.Context(), "websocket upgrade failed for %s: %v", addr, err)
		return
	}

	conn := newConn(h, sock, addr)
	h.mu.Lock()
	h.fleet[conn.ID] = conn
	h.mu.Unlock()
	metrics.IncConnection()
	h.logger.Info(r.Context(), "connection %s accepted from %s", conn.ID, addr)

	conn.SendFrame(protocol.System("Welcome! Authenticate with {\"type\":\"auth\",\"username\":\"...\"}"))

	go conn.writePump()
	go conn.readPump()
}

// SendTo queues a frame for one connection.
func (h *Hub) SendTo(connID uuid.UUID, frame *protocol.ServerFrame) {
	h.mu.RLock()
	conn, ok := h.fleet[connID]
	h.mu.RUnlock()
	if ok {
		conn.SendFrame(frame)
	}
}

// BroadcastToRoom delivers a frame to every local connection in roomID,
// optionally excluding one connection (typically the sender).
func (h *Hub) BroadcastToRoom(roomID uuid.UUID, frame *protocol.ServerFrame, except uuid.UUID) {
	start := time.Now()
	h.mu.RLock()
	targets := make([]*Conn, 0)
	for _, conn := range h.fleet {
		if conn.ID != except && conn.inRoom(roomID) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.SendFrame(frame)
	}
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
}

// Broadcast delivers a frame to every local connection.
func (h *Hub) Broadcast(frame *protocol.ServerFrame) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.fleet))
	for _, conn := range h.fleet {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.SendFrame(frame)
	}
}

func (h *Hub) broadcastRaw(data []byte, except uuid.UUID) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.fleet))
	for _, conn := range h.fleet {
		if conn.ID != except {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.sendRaw(data)
	}
}

func (h *Hub) broadcastRawToRoom(roomID uuid.UUID, data []byte) {
	h.mu.RLock()
	targets := make([]*Conn, 0)
	for _, conn := range h.fleet {
		if conn.inRoom(roomID) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		conn.sendRaw(data)
	}
}

// retainRoom subscribes to a room's bus channels when the first local
// connection enters it.
func (h *Hub) retainRoom(ctx context.Context, roomID uuid.UUID) {
	id := roomID.String()
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if sub, ok := h.roomSubs[id]; ok {
		sub.count++
		return
	}

	deliver := func(env bus.Envelope) {
		if env.SenderID == h.instanceID {
			return
		}
		h.broadcastRawToRoom(roomID, env.Payload)
	}
	msgSub, err := h.bus.Subscribe(ctx, bus.RoomMessagesChannel(id), deliver)
	if err != nil {
		h.logger.Error(ctx, "failed to subscribe to messages of %s: %v", id, err)
		return
	}
	evtSub, err := h.bus.Subscribe(ctx, bus.RoomEventsChannel(id), deliver)
	if err != nil {
		msgSub.Close()
		h.logger.Error(ctx, "failed to subscribe to events of %s: %v", id, err)
		return
	}
	h.roomSubs[id] = &roomSubscription{count: 1, messages: msgSub, events: evtSub}
}

// releaseRoom drops the subscriptions when the last local member leaves.
func (h *Hub) releaseRoom(roomID uuid.UUID) {
	id := roomID.String()
	h.subMu.Lock()
	defer h.subMu.Unlock()
	sub, ok := h.roomSubs[id]
	if !ok {
		return
	}
	sub.count--
	if sub.count > 0 {
		return
	}
	sub.messages.Close()
	sub.events.Close()
	delete(h.roomSubs, id)
}

// route decodes one inbound frame, applies the rate-limit and auth gates and
// dispatches it. Per-frame errors answer on the same socket; the connection
// stays up.
func (h *Hub) route(c *Conn, raw []byte) {
	ctx := context.Background()

	frame, err := protocol.DecodeClientFrame(raw)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("unknown", "rejected").Inc()
		pe := protocol.AsProtocolError(err)
		metrics.ErrorsTotal.WithLabelValues(pe.Code).Inc()
		c.SendFrame(protocol.ErrorFrame(pe))
		return
	}

	if class, limited := frameClass(frame.Type); limited {
		if res := h.limiter.Check(ctx, c.remoteAddr, class); !res.Allowed {
			metrics.FramesTotal.WithLabelValues(frame.Type, "rate_limited").Inc()
			c.SendFrame(protocol.ErrorFrame(protocol.NewRateLimitError(res.RetryAfterSeconds)))
			return
		}
	}

	if frame.Type != protocol.TypeAuth && !c.Authenticated() {
		metrics.FramesTotal.WithLabelValues(frame.Type, "rejected").Inc()
		metrics.ErrorsTotal.WithLabelValues(protocol.CodeUnauthorized).Inc()
		c.SendFrame(protocol.ErrorFrame(protocol.NewError(protocol.CodeUnauthorized, "authenticate first")))
		return
	}

	metrics.FramesTotal.WithLabelValues(frame.Type, "accepted").Inc()
	h.router.dispatch(ctx, c, frame)
}

// frameClass maps an inbound frame type to its rate-limit class.
func frameClass(frameType string) (string, bool) {
	switch frameType {
	case protocol.TypeSendMessage:
		return ratelimit.ClassMessage, true
	case protocol.TypeCreateRoom:
		return ratelimit.ClassRoomCreate, true
	case protocol.TypeCommand, protocol.TypeJoinRoom, protocol.TypeLeaveRoom:
		return ratelimit.ClassCommand, true
	default:
		return "", false
	}
}

// drop tears down a closed connection: leave the current room, detach the
// identity, remove from the fleet.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	_, present := h.fleet[c.ID]
	delete(h.fleet, c.ID)
	h.mu.Unlock()
	if !present {
		return
	}
	metrics.DecConnection()

	ctx := context.Background()
	if c.Authenticated() {
		userID, username := c.Identity()
		if room := c.Room(); room != nil {
			if count, err := h.rooms.Leave(ctx, room, userID, username); err == nil {
				h.BroadcastToRoom(room.ID, protocol.UserLeft(userID.String(), username, count), c.ID)
			}
			h.releaseRoom(room.ID)
			c.setRoom(nil)
		}
		if _, _, remaining, err := h.users.Disconnect(ctx, c.ID); err == nil && remaining == 0 {
			h.rooms.LeaveAll(ctx, userID, username)
		}
	}
	h.logger.Info(ctx, "connection %s closed", c.ID)
}

// Shutdown drains the fleet: no new sockets, a going-away close to everyone,
// then a bounded wait for the pumps to finish.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	conns := make([]*Conn, 0, len(h.fleet))
	for _, conn := range h.fleet {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.Broadcast(protocol.System("Server is shutting down"))
	for _, conn := range conns {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if h.ConnectionCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	h.subMu.Lock()
	for id, sub := range h.roomSubs {
		sub.messages.Close()
		sub.events.Close()
		delete(h.roomSubs, id)
	}
	h.subMu.Unlock()
	if h.globalSub != nil {
		h.globalSub.Close()
	}
}
