package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/notify"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsReadLimit    = 4096
)

// SessionHub registers live sessions.
type SessionHub interface {
	Register(tenantID uuid.UUID, userID *string) *notify.Session
	Unregister(sessionID string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type sessionHello struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewWebSocketHandler returns an http.HandlerFunc for GET /api/v1/ws. Each
// connection becomes a live session of the caller's tenant; the connection
// only receives events, and inbound messages are discarded.
func NewWebSocketHandler(hub SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
			return
		}
		defer conn.Close()

		sess := hub.Register(tenantID, mw.GetUserID(r))
		defer hub.Unregister(sess.ID)
		slog.Info("live session opened", "session_id", sess.ID, "tenant_id", tenantID)

		gone := make(chan struct{})
		go readPump(conn, gone)

		if err := writeEvent(conn, sessionHello{Type: "session_created", SessionID: sess.ID}); err != nil {
			return
		}

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case ev := <-sess.Events():
				if err := writeEvent(conn, ev); err != nil {
					slog.Info("live session write failed", "session_id", sess.ID, "error", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-sess.Done():
				return
			case <-gone:
				slog.Info("live session closed", "session_id", sess.ID, "tenant_id", tenantID)
				return
			}
		}
	}
}

// readPump consumes inbound frames so control messages are processed, and
// closes gone when the peer disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
