package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/stellar/go-stellar-sdk/strkey"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/db"
	"github.com/brojonat/kinclient/service/relay"
)

const (
	maxRequestBodySize  = 1 << 20 // 1MB
	defaultPaymentLimit = 50
	maxPaymentLimit     = 500
)

// Transaction ids are hex encoded SHA-256 hashes.
var validTransactionIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// handleGetAccount returns a handler that fetches an account snapshot.
// GET /api/v1/accounts/{address}
func handleGetAccount(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := kin.GetAccountData(r.Context(), address)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get account", err)
			return
		}
		if data == nil {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}

		writeJSON(w, data, http.StatusOK)
	})
}

type balanceResponse struct {
	Address string            `json:"address"`
	Balance blockchain.Amount `json:"balance"`
}

// handleGetBalance returns a handler that fetches the KIN balance of an account.
// GET /api/v1/accounts/{address}/balance
func handleGetBalance(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		balance, err := kin.GetAccountBalance(r.Context(), address)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get balance", err)
			return
		}

		writeJSON(w, balanceResponse{Address: address, Balance: balance}, http.StatusOK)
	})
}

type historyResponse struct {
	Transactions []blockchain.Transaction `json:"transactions"`
	NextCursor   string                   `json:"next_cursor,omitempty"`
}

// handleGetHistory returns a handler that pages through an account's transactions.
// GET /api/v1/accounts/{address}/transactions?limit={n}&order={asc|desc}&cursor={token}
func handleGetHistory(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		params := client.TransactionHistoryParams{
			Address: address,
			Order:   blockchain.Order(r.URL.Query().Get("order")),
			Cursor:  r.URL.Query().Get("cursor"),
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, "invalid limit parameter", http.StatusBadRequest)
				return
			}
			params.Limit = limit
		}

		txs, err := kin.GetTransactionHistory(r.Context(), params)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get transaction history", err)
			return
		}

		resp := historyResponse{Transactions: txs}
		if resp.Transactions == nil {
			resp.Transactions = []blockchain.Transaction{}
		}
		if n := len(txs); n > 0 {
			resp.NextCursor = txs[n-1].PagingToken
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleGetTransaction returns a handler that fetches one transaction.
// GET /api/v1/transactions/{id}
func handleGetTransaction(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validTransactionIDRegex.MatchString(id) {
			writeError(w, "invalid transaction id: must be 64 hex characters", http.StatusBadRequest)
			return
		}

		tx, err := kin.GetTransactionData(r.Context(), id)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get transaction", err)
			return
		}

		writeJSON(w, tx, http.StatusOK)
	})
}

type feeResponse struct {
	MinimumFee int64 `json:"minimum_fee"`
}

// handleGetFee returns a handler that reports the minimum fee per operation in stroops.
// GET /api/v1/fee
func handleGetFee(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fee, err := kin.GetMinimumFee(r.Context())
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get minimum fee", err)
			return
		}
		writeJSON(w, feeResponse{MinimumFee: fee}, http.StatusOK)
	})
}

type friendbotRequest struct {
	Address string            `json:"address"`
	Amount  blockchain.Amount `json:"amount"`
}

type friendbotResponse struct {
	TransactionID string `json:"transaction_id"`
}

// handleFriendbot returns a handler that creates or funds a test network account.
// POST /api/v1/friendbot
func handleFriendbot(kin *client.Client, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req friendbotRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validateAddress(req.Address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		hash, err := kin.Friendbot(r.Context(), client.FriendbotParams{
			Address: req.Address,
			Amount:  req.Amount,
		})
		if err != nil {
			writeUpstreamError(w, r, logger, "friendbot request failed", err)
			return
		}

		writeJSON(w, friendbotResponse{TransactionID: hash}, http.StatusOK)
	})
}

type watchRequest struct {
	Address string `json:"address"`
}

type watchedAddressResponse struct {
	Address       string     `json:"address"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func watchedToResponse(wa *db.WatchedAddress) watchedAddressResponse {
	return watchedAddressResponse{
		Address:       wa.Address,
		LastPaymentAt: wa.LastPaymentAt,
		CreatedAt:     wa.CreatedAt,
	}
}

// handleWatch returns a handler that starts relaying payments of an address.
// POST /api/v1/watched-addresses
func handleWatch(rly *relay.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req watchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validateAddress(req.Address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wa, err := rly.Watch(r.Context(), req.Address)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to watch address", err)
			return
		}

		logger.InfoContext(r.Context(), "address watched", "address", wa.Address)
		writeJSON(w, watchedToResponse(wa), http.StatusCreated)
	})
}

// handleUnwatch returns a handler that stops relaying payments of an address.
// DELETE /api/v1/watched-addresses/{address}
func handleUnwatch(rly *relay.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := rly.Unwatch(r.Context(), address); err != nil {
			writeUpstreamError(w, r, logger, "failed to unwatch address", err)
			return
		}

		logger.InfoContext(r.Context(), "address unwatched", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// GET /api/v1/watched-addresses/{address}
func handleGetWatched(rly *relay.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		wa, err := rly.Get(r.Context(), address)
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to get watched address", err)
			return
		}
		writeJSON(w, watchedToResponse(wa), http.StatusOK)
	})
}

// GET /api/v1/watched-addresses
func handleListWatched(rly *relay.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows, err := rly.List(r.Context())
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to list watched addresses", err)
			return
		}

		addresses := make([]watchedAddressResponse, len(rows))
		for i, wa := range rows {
			addresses[i] = watchedToResponse(wa)
		}
		writeJSON(w, map[string]any{"addresses": addresses}, http.StatusOK)
	})
}

type paymentResponse struct {
	TransactionID  string            `json:"transaction_id"`
	OperationID    string            `json:"operation_id"`
	PagingToken    string            `json:"paging_token"`
	Ledger         int64             `json:"ledger"`
	Kind           string            `json:"kind"`
	WatchedAddress string            `json:"watched_address"`
	Direction      string            `json:"direction"`
	Source         string            `json:"source"`
	Destination    string            `json:"destination"`
	Asset          blockchain.Asset  `json:"asset"`
	Amount         blockchain.Amount `json:"amount"`
	Memo           blockchain.Memo   `json:"memo"`
	Timestamp      time.Time         `json:"timestamp"`
	ArchivedAt     time.Time         `json:"archived_at"`
}

func paymentToResponse(p *db.Payment) paymentResponse {
	return paymentResponse{
		TransactionID:  p.TransactionID,
		OperationID:    p.OperationID,
		PagingToken:    p.PagingToken,
		Ledger:         p.Ledger,
		Kind:           p.Kind,
		WatchedAddress: p.WatchedAddress,
		Direction:      p.Direction,
		Source:         p.Source,
		Destination:    p.Destination,
		Asset:          p.Asset,
		Amount:         p.Amount,
		Memo:           p.Memo,
		Timestamp:      p.BlockTime,
		ArchivedAt:     p.CreatedAt,
	}
}

// handleListPayments returns a handler that lists archived payments of a watched address.
// GET /api/v1/accounts/{address}/payments?limit={n}&offset={n}
func handleListPayments(rly *relay.Relay, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := queryInt(r, "limit", defaultPaymentLimit)
		if err != nil || limit < 1 || limit > maxPaymentLimit {
			writeError(w, fmt.Sprintf("invalid limit parameter: must be between 1 and %d", maxPaymentLimit), http.StatusBadRequest)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, "invalid offset parameter", http.StatusBadRequest)
			return
		}

		rows, err := rly.Payments(r.Context(), address, int32(limit), int32(offset))
		if err != nil {
			writeUpstreamError(w, r, logger, "failed to list payments", err)
			return
		}

		payments := make([]paymentResponse, len(rows))
		for i, p := range rows {
			payments[i] = paymentToResponse(p)
		}
		writeJSON(w, map[string]any{
			"payments": payments,
			"limit":    limit,
			"offset":   offset,
		}, http.StatusOK)
	})
}

// errorStatus maps errors of the client and the relay to HTTP status codes.
func errorStatus(err error) int {
	var (
		netErr   *blockchain.NetworkError
		protoErr *blockchain.ProtocolError
	)
	switch {
	case errors.Is(err, blockchain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, blockchain.ErrAccountNotFound),
		errors.Is(err, blockchain.ErrTransactionNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, blockchain.ErrFriendbotUnavailable),
		errors.Is(err, relay.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.As(err, &netErr), errors.As(err, &protoErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeUpstreamError logs err and writes it with the status errorStatus picks.
// Internal failures are reported with message only.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, message string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), message, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.DebugContext(r.Context(), message, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, message, status)
		return
	}
	writeError(w, err.Error(), status)
}

// decodeBody decodes a size limited JSON request body into dst. On failure it
// writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress checks that address is an account id: a strkey with the
// account version byte and a valid checksum.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}
	if _, err := strkey.Decode(strkey.VersionByteAccountID, address); err != nil {
		return errorf("invalid address format: %v", err)
	}
	return nil
}

// errorf creates a validation error.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
