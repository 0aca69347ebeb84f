package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/metrics"
	natspkg "github.com/brojonat/kinclient/service/nats"
	"github.com/brojonat/kinclient/service/relay"
)

// Server represents the HTTP server for the kin gateway.
type Server struct {
	addr       string
	kin        *client.Client
	relay      *relay.Relay
	subscriber natspkg.Subscriber
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The relay is optional - if nil, watched address endpoints won't be available.
// The subscriber is optional - if nil, streaming endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, kin *client.Client, rly *relay.Relay, subscriber natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{
		addr:       addr,
		kin:        kin,
		relay:      rly,
		subscriber: subscriber,
		metrics:    m,
		logger:     logger,
	}
}

// Handler builds the routing tree of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Ledger queries
	route("GET /api/v1/accounts/{address}", "/api/v1/accounts/{address}", handleGetAccount(s.kin, s.logger))
	route("GET /api/v1/accounts/{address}/balance", "/api/v1/accounts/{address}/balance", handleGetBalance(s.kin, s.logger))
	route("GET /api/v1/accounts/{address}/transactions", "/api/v1/accounts/{address}/transactions", handleGetHistory(s.kin, s.logger))
	route("GET /api/v1/transactions/{id}", "/api/v1/transactions/{id}", handleGetTransaction(s.kin, s.logger))
	route("GET /api/v1/fee", "/api/v1/fee", handleGetFee(s.kin, s.logger))
	route("POST /api/v1/friendbot", "/api/v1/friendbot", handleFriendbot(s.kin, s.logger))
	route("GET /api/v1/payment-requests/{address}", "/api/v1/payment-requests/{address}", handlePaymentRequest(s.kin.Environment(), s.logger))

	// Relay
	if s.relay != nil {
		route("POST /api/v1/watched-addresses", "/api/v1/watched-addresses", handleWatch(s.relay, s.logger))
		route("GET /api/v1/watched-addresses", "/api/v1/watched-addresses", handleListWatched(s.relay, s.logger))
		route("GET /api/v1/watched-addresses/{address}", "/api/v1/watched-addresses/{address}", handleGetWatched(s.relay, s.logger))
		route("DELETE /api/v1/watched-addresses/{address}", "/api/v1/watched-addresses/{address}", handleUnwatch(s.relay, s.logger))
		route("GET /api/v1/accounts/{address}/payments", "/api/v1/accounts/{address}/payments", handleListPayments(s.relay, s.logger))
	} else {
		s.logger.Warn("relay not configured, watched address endpoints disabled")
	}

	// Streaming endpoints
	if s.subscriber != nil {
		route("GET /api/v1/stream/payments/{address}", "/api/v1/stream/payments/{address}", handleStreamPayments(s.subscriber, s.metrics, s.logger))
		route("GET /api/v1/stream/payments", "/api/v1/stream/payments", handleStreamPayments(s.subscriber, s.metrics, s.logger))
		route("GET /api/v1/ws/payments/{address}", "/api/v1/ws/payments/{address}", handleWebsocketPayments(s.subscriber, s.logger))
		route("GET /api/v1/ws/payments", "/api/v1/ws/payments", handleWebsocketPayments(s.subscriber, s.logger))
	} else {
		s.logger.Warn("subscriber not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "environment", s.kin.Environment().Name)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the subscriber first so streaming clients disconnect
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			s.logger.Warn("failed to close subscriber", "error", err)
		}
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
