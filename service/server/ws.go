package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	natspkg "github.com/brojonat/kinclient/service/nats"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 30 * time.Second

	// Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope of every message sent on a payments websocket.
type wsMessage struct {
	Type    string                `json:"type"` // "connected" or "payment"
	Address string                `json:"address,omitempty"`
	Payment *natspkg.PaymentEvent `json:"payment,omitempty"`
}

// handleWebsocketPayments streams relayed payments over a websocket.
// If the address path parameter is empty, streams all watched addresses.
// Messages from the peer are ignored.
func handleWebsocketPayments(subscriber natspkg.Subscriber, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		label := address
		if address == "" {
			label = "all"
		} else if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// A hijacked connection does not cancel the request context, so the
		// read loop cancels it instead.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := subscriber.Subscribe(ctx, address)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to payments", "address", label, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			logger.WarnContext(ctx, "upgrading connection to websocket", "error", err)
			return
		}
		defer conn.Close()

		logger.DebugContext(ctx, "websocket client connected", "address", label, "remote_addr", r.RemoteAddr)

		go readLoop(conn, cancel)

		if err := writeMessage(conn, wsMessage{Type: "connected", Address: label}); err != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					logger.DebugContext(ctx, "sending ping", "error", err)
					return
				}

			case event, ok := <-events:
				if !ok {
					closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWait))
					logger.DebugContext(ctx, "websocket client disconnected", "address", label)
					return
				}
				if err := writeMessage(conn, wsMessage{Type: "payment", Payment: event}); err != nil {
					logger.DebugContext(ctx, "writing payment", "error", err)
					return
				}
			}
		}
	})
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readLoop consumes control frames until the peer goes away, then calls done.
func readLoop(conn *websocket.Conn, done context.CancelFunc) {
	defer done()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
