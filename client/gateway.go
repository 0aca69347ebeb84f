package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/kinclient/service/blockchain"
)

// WatchedAddress is an address the gateway relays payments for.
type WatchedAddress struct {
	Address       string     `json:"address"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PaymentEvent is a payment relayed by the gateway for one watched address.
type PaymentEvent struct {
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
	PublishedAt    time.Time         `json:"published_at"`
}

// Gateway is the HTTP client for the kin gateway service.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGateway creates a new gateway client.
func NewGateway(baseURL string, httpClient *http.Client, logger *slog.Logger) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health checks that the gateway is up.
func (g *Gateway) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.parseErrorResponse(resp)
	}
	return nil
}

// Watch tells the gateway to start relaying payments for an address.
func (g *Gateway) Watch(ctx context.Context, address string) error {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/api/v1/watched-addresses", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return g.parseErrorResponse(resp)
	}

	g.logger.Debug("address watched", "address", address)
	return nil
}

// Unwatch tells the gateway to stop relaying payments for an address.
func (g *Gateway) Unwatch(ctx context.Context, address string) error {
	u := fmt.Sprintf("%s/api/v1/watched-addresses/%s", g.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return g.parseErrorResponse(resp)
	}

	g.logger.Debug("address unwatched", "address", address)
	return nil
}

// Watched retrieves a single watched address.
func (g *Gateway) Watched(ctx context.Context, address string) (*WatchedAddress, error) {
	u := fmt.Sprintf("%s/api/v1/watched-addresses/%s", g.baseURL, url.PathEscape(address))
	var out WatchedAddress
	if err := g.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWatched retrieves every watched address.
func (g *Gateway) ListWatched(ctx context.Context) ([]WatchedAddress, error) {
	var response struct {
		Addresses []WatchedAddress `json:"addresses"`
	}
	if err := g.getJSON(ctx, g.baseURL+"/api/v1/watched-addresses", &response); err != nil {
		return nil, err
	}
	if response.Addresses == nil {
		return []WatchedAddress{}, nil
	}
	return response.Addresses, nil
}

func (g *Gateway) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Await subscribes to the gateway's payment stream for address and blocks
// until matcher accepts a payment or ctx is done. Only payments relayed after
// the subscription starts are considered.
func (g *Gateway) Await(ctx context.Context, address string, matcher func(*PaymentEvent) bool) (*PaymentEvent, error) {
	var found *PaymentEvent
	err := g.Stream(ctx, address, func(p *PaymentEvent) bool {
		if matcher(p) {
			found = p
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	if err == nil {
		err = fmt.Errorf("payment stream closed by server: %w", io.ErrUnexpectedEOF)
	}
	return nil, err
}

// Stream calls fn with every payment the gateway relays for address until fn
// returns false, ctx is done or the server ends the stream. An empty address
// streams every watched address. Stream returns nil when fn stops it or the
// server closes the stream cleanly.
func (g *Gateway) Stream(ctx context.Context, address string, fn func(*PaymentEvent) bool) error {
	u := g.baseURL + "/api/v1/stream/payments"
	if address != "" {
		u += "/" + url.PathEscape(address)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open indefinitely, so the client timeout must not apply.
	streamClient := *g.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect to payment stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return g.parseErrorResponse(resp)
	}

	g.logger.DebugContext(ctx, "payment stream connected", "address", address)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if data != "" && (event == "" || event == "payment") {
				var p PaymentEvent
				if err := json.Unmarshal([]byte(data), &p); err != nil {
					g.logger.WarnContext(ctx, "skipping undecodable payment event", "error", err)
				} else if !fn(&p) {
					return nil
				}
			}
			event, data = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading payment stream: %w", err)
	}
	return nil
}

// ArchivedPayment is a relayed payment as kept in the gateway's archive.
type ArchivedPayment struct {
	PaymentEvent
	ArchivedAt time.Time `json:"archived_at"`
}

// Payments lists archived payments of a watched address, newest first.
func (g *Gateway) Payments(ctx context.Context, address string, limit, offset int) ([]ArchivedPayment, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u := fmt.Sprintf("%s/api/v1/accounts/%s/payments", g.baseURL, url.PathEscape(address))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var response struct {
		Payments []ArchivedPayment `json:"payments"`
	}
	if err := g.getJSON(ctx, u, &response); err != nil {
		return nil, err
	}
	if response.Payments == nil {
		return []ArchivedPayment{}, nil
	}
	return response.Payments, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (g *Gateway) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
