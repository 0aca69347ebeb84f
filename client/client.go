// Package client is the entry point for applications talking to a Kin
// network. Client forwards to the retrievers, the payment listener and the
// friendbot of service/blockchain and service/friendbot, all bound to one
// Environment.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/config"
	"github.com/brojonat/kinclient/service/friendbot"
	"github.com/brojonat/kinclient/service/horizon"
	"github.com/brojonat/kinclient/service/metrics"
)

// TransactionHistoryParams selects a page of an account's transactions.
type TransactionHistoryParams = blockchain.HistoryParams

// PaymentListenerParams configures CreatePaymentListener.
type PaymentListenerParams struct {
	OnPayment blockchain.OnPaymentListener
	Addresses []blockchain.Address
}

// FriendbotParams configures Friendbot.
type FriendbotParams struct {
	Address blockchain.Address
	Amount  blockchain.Amount
}

type options struct {
	httpClient *http.Client
	endpoint   horizon.Endpoint
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for queries and friendbot calls.
// Payment streams always use a client without a global timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithEndpoint replaces the Horizon endpoint built from the environment.
func WithEndpoint(e horizon.Endpoint) Option {
	return func(o *options) {
		o.endpoint = e
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus metrics for every component of the client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithBackOff sets the reconnect policy factory of payment listeners.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = newBackOff
	}
}

// WithTimeout bounds every query request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Client is a handle to one Kin network. It is safe for concurrent use.
type Client struct {
	env       config.Environment
	endpoint  horizon.Endpoint
	accounts  *blockchain.AccountDataRetriever
	txs       *blockchain.TransactionRetriever
	info      *blockchain.BlockchainInfoRetriever
	listener  *blockchain.BlockchainListener
	friendbot *friendbot.Friendbot
	logger    *slog.Logger
}

// New creates a Client for env without contacting the network.
func New(env config.Environment, opts ...Option) (*Client, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", blockchain.ErrInvalidArgument, err)
	}

	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	endpoint := o.endpoint
	if endpoint == nil {
		hopts := []horizon.Option{
			horizon.WithLogger(o.logger),
			horizon.WithMetrics(o.metrics),
			horizon.WithTimeout(o.timeout),
		}
		if o.httpClient != nil {
			hopts = append(hopts, horizon.WithHTTPClient(o.httpClient))
		}
		endpoint = horizon.NewHTTPEndpoint(env.HorizonURL, hopts...)
	}

	lopts := []blockchain.ListenerOption{blockchain.WithListenerMetrics(o.metrics)}
	if o.newBackOff != nil {
		lopts = append(lopts, blockchain.WithBackOff(o.newBackOff))
	}

	accounts := blockchain.NewAccountDataRetriever(endpoint, o.logger)

	fopts := []friendbot.Option{friendbot.WithLogger(o.logger), friendbot.WithMetrics(o.metrics)}
	if o.httpClient != nil {
		fopts = append(fopts, friendbot.WithHTTPClient(o.httpClient))
	}

	return &Client{
		env:       env,
		endpoint:  endpoint,
		accounts:  accounts,
		txs:       blockchain.NewTransactionRetriever(endpoint, o.logger),
		info:      blockchain.NewBlockchainInfoRetriever(endpoint, o.logger),
		listener:  blockchain.NewBlockchainListener(endpoint, o.logger, lopts...),
		friendbot: friendbot.New(env.FriendbotURL, accounts, fopts...),
		logger:    o.logger,
	}, nil
}

// Dial creates a Client and checks that the Horizon node serves env's
// network. A node on another network fails with ErrNetworkMismatch.
func Dial(ctx context.Context, env config.Environment, opts ...Option) (*Client, error) {
	c, err := New(env, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.info.VerifyNetwork(ctx, env.NetworkPassphrase); err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "connected to network", "environment", env.Name, "horizon", env.HorizonURL)
	return c, nil
}

func (c *Client) Environment() config.Environment {
	return c.env
}

// GetMinimumFee returns the current minimum fee per operation in stroops.
func (c *Client) GetMinimumFee(ctx context.Context) (int64, error) {
	return c.info.GetMinimumFee(ctx)
}

// GetAccountBalance returns the KIN balance of address. A missing account
// fails with ErrAccountNotFound.
func (c *Client) GetAccountBalance(ctx context.Context, address blockchain.Address) (blockchain.Amount, error) {
	return c.accounts.FetchKinBalance(ctx, address)
}

func (c *Client) IsAccountExisting(ctx context.Context, address blockchain.Address) (bool, error) {
	return c.accounts.IsAccountExisting(ctx, address)
}

// GetAccountData returns a snapshot of address, or nil without an error when
// the account does not exist.
func (c *Client) GetAccountData(ctx context.Context, address blockchain.Address) (*blockchain.AccountData, error) {
	return c.accounts.FetchAccountData(ctx, address)
}

func (c *Client) GetTransactionData(ctx context.Context, id blockchain.TransactionID) (*blockchain.Transaction, error) {
	return c.txs.FetchTransaction(ctx, id)
}

func (c *Client) GetTransactionHistory(ctx context.Context, params TransactionHistoryParams) ([]blockchain.Transaction, error) {
	return c.txs.FetchTransactionHistory(ctx, params)
}

// CreatePaymentListener starts delivering the payments of params.Addresses to
// params.OnPayment. ctx bounds only opening the stream; call Close on the
// returned listener to stop it.
func (c *Client) CreatePaymentListener(ctx context.Context, params PaymentListenerParams) (*blockchain.PaymentListener, error) {
	return c.listener.CreatePaymentsListener(ctx, params.OnPayment, params.Addresses...)
}

// PaymentsListener returns the listener behind CreatePaymentListener, for
// callers that manage the address set themselves.
func (c *Client) PaymentsListener() *blockchain.BlockchainListener {
	return c.listener
}

// Friendbot creates or funds params.Address on networks with a faucet.
// Elsewhere it fails with ErrFriendbotUnavailable.
func (c *Client) Friendbot(ctx context.Context, params FriendbotParams) (blockchain.TransactionID, error) {
	return c.friendbot.CreateOrFund(ctx, params.Address, params.Amount)
}
