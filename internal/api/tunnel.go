package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// tunnel relays a browser websocket to the printer websocket so a UI served
// from here can talk to the printer without a second origin.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request) {
	if s.d.Printer == nil {
		s.fail(w, r, unavailable("printer client"))
		return
	}
	upstream, err := s.d.Printer.DialWebsocket(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer client.Close()

	var once sync.Once
	done := make(chan struct{})
	stop := func() { once.Do(func() { close(done) }) }

	go pump(client, upstream, stop)
	go pump(upstream, client, stop)
	<-done

	deadline := time.Now().Add(time.Second)
	closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = client.WriteControl(websocket.CloseMessage, closing, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, closing, deadline)
}

// pump copies messages from src to dst until either side fails.
func pump(dst, src *websocket.Conn, stop func()) {
	defer stop()
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			return
		}
	}
}
