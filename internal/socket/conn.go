// README: Per-connection read and write loops over gorilla/websocket.
package socket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

// FrameHandler receives every well-formed inbound frame of a connection.
type FrameHandler interface {
	HandleFrame(ctx context.Context, h types.Handle, f Frame)
}

// Serve attaches conn to the hub and blocks until the connection closes or ctx ends.
// The connection is detached (and disconnect callbacks run) before Serve returns.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, handler FrameHandler) {
	c := h.Attach()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(conn, c)
	}()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	h.readLoop(ctx, conn, c, handler)
	h.Detach(c.handle)
	<-done
	_ = conn.Close()
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, c *Client, handler FrameHandler) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("handle", string(c.handle)).Msg("unexpected close")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			_ = h.Send(c.handle, EventError, ErrorPayload{Message: "malformed frame"})
			continue
		}
		handler.HandleFrame(ctx, c.handle, f)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Str("handle", string(c.handle)).Msg("write failed")
				_ = conn.Close()
				drain(c.send)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(c.send)
				return
			}
		}
	}
}

// drain discards queued frames until the hub closes the outbox.
func drain(ch <-chan []byte) {
	for range ch {
	}
}
