package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/kinclient/service/metrics"
	natspkg "github.com/brojonat/kinclient/service/nats"
)

const sseKeepaliveInterval = 10 * time.Second

// handleStreamPayments handles SSE streaming of relayed payments.
// If the address path parameter is empty, streams all watched addresses.
func handleStreamPayments(subscriber natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		label := address
		if address == "" {
			label = "all"
		} else if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		events, err := subscriber.Subscribe(ctx, address)
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe to payments",
				"address", label,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		// The server write timeout would cut the stream.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			logger.DebugContext(ctx, "could not clear write deadline", "error", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(label, 1)
			defer m.RecordSSEConnectionChange(label, -1)
		}

		logger.DebugContext(ctx, "SSE client connected",
			"address", label,
			"remote_addr", r.RemoteAddr,
		)

		send := func(event string, data []byte) error {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return err
			}
			if m != nil {
				m.RecordSSEEventSent(label, event)
			}
			return rc.Flush()
		}

		hello, _ := json.Marshal(map[string]string{"address": label})
		if err := send("connected", hello); err != nil {
			return
		}

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				if err := rc.Flush(); err != nil {
					return
				}

			case event, ok := <-events:
				if !ok {
					logger.DebugContext(ctx, "SSE client disconnected",
						"address", label,
						"remote_addr", r.RemoteAddr,
					)
					return
				}

				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}
				if err := send("payment", data); err != nil {
					return
				}

				logger.DebugContext(ctx, "sent payment event",
					"address", event.WatchedAddress,
					"operation", event.OperationID,
				)
			}
		}
	})
}
