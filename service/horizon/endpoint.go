package horizon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellar/go-stellar-sdk/clients/horizonclient"

	"github.com/brojonat/kinclient/service/metrics"
)

// Endpoint is the subset of the Horizon API the ledger components need.
// This allows us to fake the node in tests without hitting a real network.
type Endpoint interface {
	Root(ctx context.Context) (*Root, error)
	Account(ctx context.Context, id string) (*Account, error)
	Transaction(ctx context.Context, hash string) (*Transaction, error)
	TransactionOperations(ctx context.Context, hash string) ([]Operation, error)
	AccountTransactions(ctx context.Context, id string, req PageRequest) ([]Transaction, error)
	FeeStats(ctx context.Context) (*FeeStats, error)
	// StreamPayments opens the multiplexed payments event stream starting at cursor.
	StreamPayments(ctx context.Context, cursor string) (PaymentStream, error)
}

// PaymentStream yields payment operations in ledger order.
type PaymentStream interface {
	// Next blocks until the next operation arrives. It returns ErrStreamClosed
	// after Close, and an error wrapping ErrMalformedResponse for an
	// undecodable event, after which the stream is still usable. Any other
	// error means the connection is lost.
	Next() (Operation, error)
	Close() error
}

// maxOperationsPerTransaction is the protocol cap on operations in one transaction.
const maxOperationsPerTransaction = 100

// HTTPEndpoint adapts horizonclient to Endpoint.
type HTTPEndpoint struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	label        string // endpoint identifier for metrics, the Horizon host
}

// Option configures an HTTPEndpoint.
type Option func(*HTTPEndpoint)

// WithHTTPClient sets the client used for request/response queries.
func WithHTTPClient(c *http.Client) Option {
	return func(e *HTTPEndpoint) {
		e.httpClient = c
	}
}

// WithStreamClient sets the client used for the event stream. It must not
// have a timeout, since the stream is long-lived.
func WithStreamClient(c *http.Client) Option {
	return func(e *HTTPEndpoint) {
		e.streamClient = c
	}
}

// WithTimeout sets the per-request timeout of queries.
func WithTimeout(d time.Duration) Option {
	return func(e *HTTPEndpoint) {
		e.timeout = d
		e.httpClient = &http.Client{Timeout: d}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *HTTPEndpoint) {
		e.logger = l
	}
}

// WithMetrics enables Horizon call metrics. If m is nil, no metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *HTTPEndpoint) {
		e.metrics = m
	}
}

// NewHTTPEndpoint creates an Endpoint for the Horizon node at baseURL.
func NewHTTPEndpoint(baseURL string, opts ...Option) *HTTPEndpoint {
	e := &HTTPEndpoint{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e.label = e.baseURL
	if u, err := url.Parse(e.baseURL); err == nil && u.Host != "" {
		e.label = u.Host
	}
	return e
}

// BaseURL returns the Horizon base URL without a trailing slash.
func (e *HTTPEndpoint) BaseURL() string {
	return e.baseURL
}

// client returns a horizonclient bound to ctx. horizonclient queries take no
// context, so cancellation travels through the HTTP doer.
func (e *HTTPEndpoint) client(ctx context.Context, hc *http.Client) *horizonclient.Client {
	c := &horizonclient.Client{
		HorizonURL: e.baseURL + "/",
		HTTP:       &contextDoer{ctx: ctx, client: hc},
		AppName:    "kinclient",
	}
	if e.timeout > 0 {
		c.SetHorizonTimeout(e.timeout)
	}
	return c
}

func (e *HTTPEndpoint) Root(ctx context.Context) (*Root, error) {
	start := time.Now()
	root, err := e.client(ctx, e.httpClient).Root()
	if err := e.finish(ctx, "root", start, err); err != nil {
		return nil, err
	}
	return &root, nil
}

func (e *HTTPEndpoint) Account(ctx context.Context, id string) (*Account, error) {
	start := time.Now()
	acc, err := e.client(ctx, e.httpClient).AccountDetail(horizonclient.AccountRequest{AccountID: id})
	if err := e.finish(ctx, "account", start, err); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (e *HTTPEndpoint) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	start := time.Now()
	tx, err := e.client(ctx, e.httpClient).TransactionDetail(hash)
	if err := e.finish(ctx, "transaction", start, err); err != nil {
		return nil, err
	}
	return &tx, nil
}

// TransactionOperations returns every operation of a transaction in application order.
func (e *HTTPEndpoint) TransactionOperations(ctx context.Context, hash string) ([]Operation, error) {
	start := time.Now()
	page, err := e.client(ctx, e.httpClient).Operations(horizonclient.OperationRequest{
		ForTransaction: hash,
		Order:          horizonclient.OrderAsc,
		Limit:          maxOperationsPerTransaction,
	})
	if err := e.finish(ctx, "transaction_operations", start, err); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

func (e *HTTPEndpoint) AccountTransactions(ctx context.Context, id string, req PageRequest) ([]Transaction, error) {
	request := horizonclient.TransactionRequest{
		ForAccount: id,
		Cursor:     req.Cursor,
	}
	if req.Limit > 0 {
		request.Limit = uint(req.Limit)
	}
	switch req.Order {
	case "asc":
		request.Order = horizonclient.OrderAsc
	case "desc":
		request.Order = horizonclient.OrderDesc
	}

	start := time.Now()
	page, err := e.client(ctx, e.httpClient).Transactions(request)
	if err := e.finish(ctx, "account_transactions", start, err); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

func (e *HTTPEndpoint) FeeStats(ctx context.Context) (*FeeStats, error) {
	start := time.Now()
	fs, err := e.client(ctx, e.httpClient).FeeStats()
	if err := e.finish(ctx, "fee_stats", start, err); err != nil {
		return nil, err
	}
	return &fs, nil
}

// finish records the outcome of one query and normalizes its error.
func (e *HTTPEndpoint) finish(ctx context.Context, resource string, start time.Time, err error) error {
	if err == nil {
		e.record(resource, "success", start)
		return nil
	}

	status := "error"
	if code, ok := StatusCode(err); ok {
		if code == http.StatusNotFound {
			status = "not_found"
		}
		if code == http.StatusTooManyRequests && e.metrics != nil {
			e.metrics.RecordRateLimitHit(e.label)
		}
	}
	e.record(resource, status, start)

	if IsProblem(err) {
		return err
	}
	e.logger.DebugContext(ctx, "horizon request failed",
		"resource", resource,
		"endpoint", e.label,
		"error", err,
	)
	if isDecodeError(err) {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, resource, err)
	}
	return fmt.Errorf("%s: %w", resource, err)
}

func (e *HTTPEndpoint) record(resource, status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordHorizonCall(resource, status, e.label, time.Since(start).Seconds())
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// contextDoer implements horizonclient.HTTP, attaching ctx to every request.
type contextDoer struct {
	ctx    context.Context
	client *http.Client

	// opened, when set, receives the outcome of the first request.
	opened chan<- error
}

func (d *contextDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req.WithContext(d.ctx))
	outcome := err
	if err == nil && resp.StatusCode >= 400 {
		outcome = normalizeProblem(resp)
	}
	if d.opened != nil {
		select {
		case d.opened <- outcome:
		default:
		}
	}
	return resp, err
}

func (d *contextDoer) Get(u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return d.Do(req)
}

func (d *contextDoer) PostForm(u string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, u, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.Do(req)
}

// normalizeProblem replaces an error body that is not a problem document,
// such as a proxy's HTML page, with one carrying the status, so that
// horizonclient always reports the failure as a *horizonclient.Error.
func normalizeProblem(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	err := ParseProblem(resp.StatusCode, body)
	var herr *horizonclient.Error
	if errors.As(err, &herr) {
		if b, merr := json.Marshal(herr.Problem); merr == nil {
			body = b
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return err
}
