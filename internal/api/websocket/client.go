package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/KevinKickass/OpenMeasurementCore/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conn carries JSON requests and responses over one WebSocket.
type Conn struct {
	conn     *websocket.Conn
	lastPing time.Time
}

func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Conn{conn: conn, lastPing: time.Now()}
}

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) Close() error { return c.conn.Close() }

// ReadRequest blocks for the next text frame. Binary frames and bad JSON
// are framing errors; a close from the peer ends the session.
func (c *Conn) ReadRequest(ctx context.Context) (protocol.Request, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return protocol.Request{}, io.EOF
		}
		return protocol.Request{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	if msgType != websocket.TextMessage {
		return protocol.Request{}, &protocol.FramingError{Reason: "binary frames are not supported"}
	}
	return protocol.Decode(data)
}

func (c *Conn) WriteResponse(resp protocol.Response) error {
	return c.writeJSON(resp)
}

func (c *Conn) WriteMessage(msg protocol.Message) error {
	return c.writeJSON(msg)
}

// writeJSON is only called from the session writer, which also makes it the
// place to send transport pings.
func (c *Conn) writeJSON(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if time.Since(c.lastPing) >= pingPeriod {
		if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return err
		}
		c.lastPing = time.Now()
	}
	return c.conn.WriteJSON(v)
}

// ServeWs handles WebSocket upgrade requests and runs the session until the
// client goes away or ctx is cancelled. ctx must outlive the HTTP request.
func ServeWs(ctx context.Context, manager *session.Manager, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	if err := manager.Serve(ctx, NewConn(conn)); err != nil {
		logger.Info("WebSocket session ended",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
	}
}
