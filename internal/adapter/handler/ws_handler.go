package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/service"
)

const (
	maxMessageSize  = 64 * 1024
	dispatchTimeout = 15 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// envelope is the frame format shared by the websocket and MQTT transports.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: data})
}

type WSConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	return c
}

// pongWait leaves the peer one missed ping before the read deadline fires.
func (c WSConfig) pongWait() time.Duration {
	return c.PingInterval * 10 / 9
}

type WSHandler struct {
	session  *service.SessionService
	cfg      WSConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(session *service.SessionService, cfg WSConfig, log *zap.Logger) *WSHandler {
	return &WSHandler{
		session: session,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and runs the connection until the peer goes away.
func (h *WSHandler) Serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws, h.cfg, h.log)
	h.log.Info("connection opened", zap.String("conn_id", conn.id), zap.String("remote", ws.RemoteAddr().String()))

	go conn.writePump()
	h.readLoop(conn)
}

func (h *WSHandler) readLoop(conn *wsConn) {
	defer func() {
		conn.close()
		h.session.Disconnect(conn.id)
		h.log.Info("connection closed", zap.String("conn_id", conn.id))
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	pongWait := h.cfg.pongWait()
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.String("conn_id", conn.id), zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.log.Warn("malformed frame", zap.String("conn_id", conn.id), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		_ = h.session.Dispatch(ctx, conn, env.Event, env.Data)
		cancel()
	}
}

// wsConn owns one websocket; only writePump writes to it.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cfg       WSConfig
	log       *zap.Logger
}

func newWSConn(ws *websocket.Conn, cfg WSConfig, log *zap.Logger) *wsConn {
	return &wsConn{
		id:   "ws:" + uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
		cfg:  cfg,
		log:  log,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload any) error {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
