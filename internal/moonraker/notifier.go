package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	notifierMinBackoff = 2 * time.Second
	notifierMaxBackoff = 30 * time.Second
	pingInterval       = 30 * time.Second
)

// Notification is a decoded server push.
type Notification struct {
	Method string
	// Status carries the partial object update of notify_status_update.
	Status json.RawMessage
}

type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      int              `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *json.RawMessage `json:"error,omitempty"`
}

// WebsocketURL derives the Moonraker websocket endpoint from the HTTP base.
func WebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/websocket"
}

// Subscribe connects to the printer websocket, subscribes to the snapshot
// objects and calls fn for every notification until ctx is done. Dropped
// connections are re-established with backoff.
func (c *Client) Subscribe(ctx context.Context, fn func(Notification)) error {
	backoff := notifierMinBackoff
	for {
		started := time.Now()
		err := c.subscribeOnce(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > notifierMaxBackoff {
			backoff = notifierMinBackoff
		}
		c.log.Warn("printer websocket closed, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > notifierMaxBackoff {
			backoff = notifierMaxBackoff
		}
	}
}

// DialWebsocket opens an authenticated connection to the printer websocket.
func (c *Client) DialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set(c.authHeader, c.apiKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: defaultTimeout}
	conn, _, err := dialer.DialContext(ctx, WebsocketURL(c.baseURL), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (c *Client) subscribeOnce(ctx context.Context, fn func(Notification)) error {
	conn, err := c.DialWebsocket(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	objs := make(map[string]any, len(queryObjects))
	for _, o := range queryObjects {
		objs[o] = nil
	}
	params, _ := json.Marshal(map[string]any{"objects": objs})
	sub := rpcMessage{JSONRPC: "2.0", Method: "printer.objects.subscribe", Params: params, ID: 1}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.log.Debug("printer websocket subscribed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch {
		case msg.ID == 1 && len(msg.Result) > 0:
			// Initial subscription result carries the full status.
			var res struct {
				Status json.RawMessage `json:"status"`
			}
			if json.Unmarshal(msg.Result, &res) == nil && len(res.Status) > 0 {
				fn(Notification{Method: "subscribe", Status: res.Status})
			}
		case msg.Method == "notify_status_update":
			var params []json.RawMessage
			if json.Unmarshal(msg.Params, &params) == nil && len(params) > 0 {
				fn(Notification{Method: msg.Method, Status: params[0]})
			}
		case strings.HasPrefix(msg.Method, "notify_"):
			fn(Notification{Method: msg.Method})
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
