package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/tollgate/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Upgrader accepts run stream websocket connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// WriteWebSocket streams sub over conn, one frame per text message, then
// closes the connection normally after the end frame. Heartbeats are sent as
// frames and the connection is also kept alive with pings.
func WriteWebSocket(ctx context.Context, conn *websocket.Conn, sub *Subscription, heartbeat time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The client never sends data frames, but reading is required to process
	// pongs and to notice the peer going away.
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err := pump(ctx, sub, heartbeat, func(ev models.StreamEvent) error {
		frame, err := AppendFrame(nil, ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if ev.Kind == models.EventHeartbeat {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
		return conn.WriteMessage(websocket.TextMessage, frame)
	})

	closeCode := websocket.CloseNormalClosure
	if err != nil {
		closeCode = websocket.CloseGoingAway
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""), time.Now().Add(wsWriteWait))
	return err
}
