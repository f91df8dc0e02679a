package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Ping cadence. A connection that missed a whole round is dead.
	pingPeriod = 30 * time.Second

	// Outbound queue per connection; slow consumers are skipped, not awaited.
	sendBuffer = 256
)

// Conn is one socket and its in-memory state. It is owned by the Hub; all
// mutation happens through the read pump or the hub's maps.
type Conn struct {
	ID         uuid.UUID
	remoteAddr string

	sock *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.RWMutex
	authenticated bool
	userID        uuid.UUID
	username      string
	room          *models.Room
	joinedAt      time.Time
	lastActivity  time.Time

	closeOnce sync.Once
}

func newConn(hub *Hub, sock *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{
		ID:           uuid.New(),
		remoteAddr:   remoteAddr,
		sock:         sock,
		send:         make(chan []byte, sendBuffer),
		hub:          hub,
		joinedAt:     time.Now(),
		lastActivity: time.Now(),
	}
}

// SendFrame marshals a frame and queues it. Best-effort: a full queue drops
// the frame rather than blocking the caller.
func (c *Conn) SendFrame(frame *protocol.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// Authenticated reports whether auth has completed.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Identity returns the bound user, valid only after authentication.
func (c *Conn) Identity() (uuid.UUID, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.username
}

func (c *Conn) setIdentity(userID uuid.UUID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.userID = userID
	c.username = username
}

// Room returns the room this connection currently occupies, or nil.
func (c *Conn) Room() *models.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Conn) setRoom(room *models.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

func (c *Conn) inRoom(roomID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room != nil && c.room.ID == roomID
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// closeWith sends a close frame and tears the socket down once.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		c.sock.WriteMessage(websocket.CloseMessage, msg)
		c.sock.Close()
	})
}

// readPump reads frames in arrival order and hands them to the hub. One
// goroutine per connection; per-connection FIFO follows from the single
// reader.
func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(protocol.MaxFrameSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.hub.route(c, raw)
	}
}

// writePump serializes all socket writes: queued frames and the heartbeat
// ping. The per-connection queue preserves outbound ordering.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
