// Package friendbot funds accounts on test networks through a faucet service.
package friendbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/horizon"
	"github.com/brojonat/kinclient/service/metrics"
)

// AccountChecker reports whether an account exists on the ledger.
// blockchain.AccountDataRetriever implements it.
type AccountChecker interface {
	IsAccountExisting(ctx context.Context, address blockchain.Address) (bool, error)
}

// Friendbot creates or tops up accounts through a faucet.
type Friendbot struct {
	baseURL    string
	accounts   AccountChecker
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Friendbot.
type Option func(*Friendbot)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Friendbot) {
		f.httpClient = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Friendbot) {
		f.logger = l
	}
}

// WithMetrics enables friendbot request metrics. If m is nil, no metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Friendbot) {
		f.metrics = m
	}
}

// New creates a Friendbot for the faucet at faucetURL. An empty faucetURL
// yields a Friendbot whose every call fails with ErrFriendbotUnavailable.
func New(faucetURL string, accounts AccountChecker, opts ...Option) *Friendbot {
	f := &Friendbot{
		baseURL:    strings.TrimRight(faucetURL, "/"),
		accounts:   accounts,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return f
}

// Available reports whether a faucet is configured.
func (f *Friendbot) Available() bool {
	return f != nil && f.baseURL != ""
}

// CreateOrFund creates address with a starting balance of amount if it does
// not exist yet, and otherwise pays amount into it. Every call submits a new
// transaction, so repeated calls keep adding funds.
func (f *Friendbot) CreateOrFund(ctx context.Context, address blockchain.Address, amount blockchain.Amount) (blockchain.TransactionID, error) {
	if !f.Available() {
		return "", blockchain.ErrFriendbotUnavailable
	}
	if address == "" {
		return "", fmt.Errorf("%w: address is required", blockchain.ErrInvalidArgument)
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive, got %s", blockchain.ErrInvalidArgument, amount)
	}

	exists, err := f.accounts.IsAccountExisting(ctx, address)
	if err != nil {
		return "", fmt.Errorf("checking account %s: %w", address, err)
	}

	action, path := "create", "/"
	if exists {
		action, path = "fund", "/fund"
	}

	hash, err := f.request(ctx, path, address, amount)
	if f.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		f.metrics.RecordFriendbotRequest(action, status)
	}
	if err != nil {
		return "", err
	}

	f.logger.InfoContext(ctx, "friendbot request completed",
		"action", action,
		"address", address,
		"amount", amount.String(),
		"transaction", hash,
	)
	return hash, nil
}

func (f *Friendbot) request(ctx context.Context, path string, address blockchain.Address, amount blockchain.Amount) (blockchain.TransactionID, error) {
	op := "friendbot " + strings.TrimPrefix(path, "/")
	if path == "/" {
		op = "friendbot create"
	}

	q := url.Values{}
	q.Set("addr", address)
	q.Set("amount", amount.Decimal().String())
	u := f.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", &blockchain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &blockchain.NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", blockchain.ClassifyError(op, horizon.ParseProblem(resp.StatusCode, body))
	}

	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Hash == "" {
		return "", &blockchain.ProtocolError{
			Op:  op,
			Err: fmt.Errorf("%w: missing transaction hash in %q", horizon.ErrMalformedResponse, truncate(string(body), 128)),
		}
	}
	return out.Hash, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
