package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"automoth/internal/eventbus"
	"automoth/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// events streams bus events as JSON text frames until the client goes
// away or the server shuts down. ?type= filters by event type and may be
// repeated.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	match := eventbus.Matcher(r.URL.Query()["type"])
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ch, unsub := h.deps.Bus.Subscribe(64)
	defer unsub()

	// The client never sends data; reading only processes control frames
	// and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("event stream connected", logx.String("remote", r.RemoteAddr))
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case <-gone:
			h.log.Debug("event stream disconnected", logx.String("remote", r.RemoteAddr))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !match(e.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("event stream write failed", logx.Err(err))
				return
			}
		}
	}
}
