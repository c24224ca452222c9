package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBufferSize = 256
)

// Client é a visão do hub sobre uma conexão
// Send nunca bloqueia: retorna false quando a mensagem foi descartada
type Client interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

// Conn é um cliente WebSocket com read pump e write pump
type Conn struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
	send   chan []byte
}

func newConn(hub *Hub, ws *websocket.Conn, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:   id,
		hub:  hub,
		conn: ws,
		log:  log.With(zap.String("client_id", id)),
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close fecha o canal de envio; o write pump manda o close frame e encerra
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump processa os frames do cliente em ordem, um por vez
func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("ws read failed", zap.Error(err))
			}
			return
		}
		c.hub.Dispatch(c, msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS faz o upgrade da conexão e registra o cliente no hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := newConn(h, ws, h.log)
	h.Register(c)

	go c.writePump()
	go c.readPump()
}
