package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"clinic-scheduler/internal/notify"
)

type sseSink struct {
	w gin.ResponseWriter
}

func (s sseSink) Send(env notify.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", env.Type, b); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// GET /events
// Server-Sent Events stream of change envelopes for the caller.
func (a *App) SSEHandler(c *gin.Context) {
	who := IdentityFrom(c)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sub := a.Hub.Subscribe(who)
	if err := sub.Pump(c.Request.Context(), sseSink{w: c.Writer}); err != nil {
		a.Log.Debug("event stream closed", zap.String("user_id", who.UserID), zap.Error(err))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer and the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(env notify.Envelope) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(env)
}

// GET /ws
// WebSocket variant of the event stream. Inbound messages are ignored; a read
// error means the client went away and ends the subscription.
func (a *App) WebSocketHandler(c *gin.Context) {
	who := IdentityFrom(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := a.Hub.Subscribe(who)
	if err := sub.Pump(ctx, wsSink{conn: conn}); err != nil {
		a.Log.Debug("websocket closed", zap.String("user_id", who.UserID), zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
