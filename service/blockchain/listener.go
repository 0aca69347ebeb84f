package blockchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brojonat/kinclient/service/horizon"
	"github.com/brojonat/kinclient/service/metrics"
)

// StreamState is the connection state of a PaymentListener.
type StreamState int

const (
	StateConnected StreamState = iota
	StateReconnecting
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default reconnect policy.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxReconnects  = 10
)

// NewExponentialBackOff returns the reconnect policy used by listeners: an
// exponential backoff between initial and maxInterval, giving up after
// maxRetries consecutive failed attempts.
func NewExponentialBackOff(initial, maxInterval time.Duration, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

// ListenerOption configures a BlockchainListener.
type ListenerOption func(*BlockchainListener)

// WithBackOff sets the factory for the reconnect policy. A fresh policy is
// created for every disconnect.
func WithBackOff(newBackOff func() backoff.BackOff) ListenerOption {
	return func(b *BlockchainListener) {
		b.newBackOff = newBackOff
	}
}

// WithListenerMetrics enables stream metrics. If m is nil, no metrics are recorded.
func WithListenerMetrics(m *metrics.Metrics) ListenerOption {
	return func(b *BlockchainListener) {
		b.metrics = m
	}
}

// BlockchainListener creates payment listeners over the node's payment stream.
type BlockchainListener struct {
	endpoint   horizon.Endpoint
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
}

func NewBlockchainListener(endpoint horizon.Endpoint, logger *slog.Logger, opts ...ListenerOption) *BlockchainListener {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &BlockchainListener{
		endpoint: endpoint,
		logger:   logger,
		newBackOff: func() backoff.BackOff {
			return NewExponentialBackOff(DefaultInitialBackoff, DefaultMaxBackoff, DefaultMaxReconnects)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreatePaymentsListener opens one payment stream shared by all addresses
// and returns a listener delivering the payments of the watched addresses to
// onPayment. Failing to open the stream is returned here; ctx only bounds
// that setup, the listener then lives until Close.
func (b *BlockchainListener) CreatePaymentsListener(ctx context.Context, onPayment OnPaymentListener, addresses ...Address) (*PaymentListener, error) {
	if onPayment == nil {
		return nil, fmt.Errorf("%w: onPayment callback is required", ErrInvalidArgument)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	stream, err := b.endpoint.StreamPayments(runCtx, "now")
	stopped := stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ClassifyError("create payments listener", err)
	}
	if !stopped {
		stream.Close()
		cancel()
		return nil, ctx.Err()
	}

	l := &PaymentListener{
		endpoint:   b.endpoint,
		onPayment:  onPayment,
		logger:     b.logger,
		metrics:    b.metrics,
		newBackOff: b.newBackOff,
		addresses:  make(map[Address]struct{}, len(addresses)),
		stream:     stream,
		state:      StateConnected,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, a := range addresses {
		if a != "" {
			l.addresses[a] = struct{}{}
		}
	}
	if l.metrics != nil {
		l.metrics.RecordStreamStateChange("", StateConnected.String())
	}

	b.logger.InfoContext(ctx, "payment listener started", "addresses", len(l.addresses))
	go l.run(runCtx, stream)
	return l, nil
}

// PaymentListener delivers payments touching a dynamic set of addresses.
//
// The callback runs on the goroutine reading the stream, so the stream is not
// read while a callback runs. A slow callback holds back the node's stream
// rather than growing a buffer.
//
// After a disconnect the listener reconnects at the paging token of the last
// event it read, so payments settled while it was disconnected are still
// delivered, each at most once. Until it has read an event it reconnects at
// the current ledger head.
type PaymentListener struct {
	endpoint   horizon.Endpoint
	onPayment  OnPaymentListener
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff

	mu        sync.RWMutex
	addresses map[Address]struct{}

	// deliverMu is held while onPayment runs.
	deliverMu sync.Mutex
	closed    atomic.Bool

	stateMu sync.Mutex
	state   StreamState
	stream  horizon.PaymentStream
	err     error

	// lastToken is only touched by the delivery goroutine.
	lastToken int64

	cancel context.CancelFunc
	done   chan struct{}
}

// AddAddress starts delivering payments touching address. Payments settled
// before the call are not delivered.
func (l *PaymentListener) AddAddress(address Address) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidArgument)
	}
	if l.closed.Load() {
		return ErrListenerClosed
	}
	l.mu.Lock()
	l.addresses[address] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Addresses returns the watched addresses, sorted.
func (l *PaymentListener) Addresses() []Address {
	l.mu.RLock()
	out := make([]Address, 0, len(l.addresses))
	for a := range l.addresses {
		out = append(out, a)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (l *PaymentListener) State() StreamState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

// Done is closed when the delivery goroutine has exited, after Close or
// after reconnecting failed for good.
func (l *PaymentListener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the listener, or nil if it is running
// or was closed by Close.
func (l *PaymentListener) Err() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.err
}

// Close stops the listener. No callback starts after Close returns, and a
// callback in progress finishes first. Close may be called from any
// goroutine except from inside the callback, which would deadlock; a
// callback that needs to stop its listener can call go l.Close().
func (l *PaymentListener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.cancel()

		l.stateMu.Lock()
		stream := l.stream
		l.setStateLocked(StateClosed)
		l.stateMu.Unlock()

		if stream != nil {
			stream.Close()
		}
	}

	// wait for an in-flight callback, then for the goroutine
	l.deliverMu.Lock()
	l.deliverMu.Unlock()
	<-l.done
	return nil
}

func (l *PaymentListener) run(ctx context.Context, stream horizon.PaymentStream) {
	defer close(l.done)

	for {
		cause := l.consume(ctx, stream)
		stream.Close()
		if l.closed.Load() {
			return
		}

		var err error
		stream, err = l.reconnect(ctx, cause)
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.fail(ctx, err)
			return
		}
	}
}

// consume delivers events until the stream fails.
func (l *PaymentListener) consume(ctx context.Context, stream horizon.PaymentStream) error {
	for {
		rec, err := stream.Next()
		if err != nil {
			if errors.Is(err, horizon.ErrMalformedResponse) {
				l.logger.WarnContext(ctx, "skipping malformed payment event", "error", err)
				l.recordDropped("malformed")
				continue
			}
			return err
		}
		l.handle(ctx, rec)
	}
}

func (l *PaymentListener) handle(ctx context.Context, rec horizon.Operation) {
	base := horizon.OperationBase(rec)
	if token, err := strconv.ParseInt(base.PT, 10, 64); err == nil {
		if token <= l.lastToken {
			l.recordDropped("duplicate")
			return
		}
		l.lastToken = token
	}

	if !base.TransactionSuccessful {
		return
	}

	switch base.Type {
	case OperationPayment, OperationCreateAccount,
		OperationPathPayment, OperationPathPaymentStrictReceive, OperationPathPaymentStrictSend:
	default:
		return
	}

	op, err := decodeOperation(rec)
	if err != nil {
		l.logger.WarnContext(ctx, "skipping undecodable payment", "operation_id", base.ID, "error", err)
		l.recordDropped("malformed")
		return
	}

	tx := base.Transaction
	if tx == nil && l.watchesAny(op) {
		// the node did not join the transaction; fetch it for the memo
		tx, err = l.endpoint.Transaction(ctx, base.TransactionHash)
		if err != nil {
			l.logger.WarnContext(ctx, "failed to fetch payment transaction",
				"transaction", base.TransactionHash,
				"error", err,
			)
			tx = nil
		}
	}

	p, ok := newPayment(op, base, tx)
	if !ok || !l.watches(p.Source, p.Destination) {
		return
	}
	l.deliver(p)
}

func (l *PaymentListener) watchesAny(op Operation) bool {
	switch o := op.(type) {
	case PaymentOperation:
		return l.watches(o.Source, o.Destination)
	case CreateAccountOperation:
		return l.watches(o.Source, o.Destination)
	case PathPaymentOperation:
		return l.watches(o.Source, o.Destination)
	}
	return false
}

func (l *PaymentListener) watches(source, destination Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, src := l.addresses[source]
	_, dst := l.addresses[destination]
	return src || dst
}

func (l *PaymentListener) deliver(p Payment) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	if l.closed.Load() {
		l.recordDropped("closed")
		return
	}
	l.onPayment(p)
	if l.metrics != nil {
		l.metrics.RecordPaymentDelivered(p.Kind)
	}
}

// reconnect opens a new stream after the last event read, retrying with the
// listener's backoff policy until it succeeds, gives up, or ctx is cancelled.
func (l *PaymentListener) reconnect(ctx context.Context, cause error) (horizon.PaymentStream, error) {
	l.stateMu.Lock()
	l.setStateLocked(StateReconnecting)
	l.stream = nil
	l.stateMu.Unlock()

	cursor := "now"
	if l.lastToken > 0 {
		cursor = strconv.FormatInt(l.lastToken, 10)
	}
	l.logger.WarnContext(ctx, "payment stream disconnected, reconnecting", "error", cause, "cursor", cursor)

	var stream horizon.PaymentStream
	operation := func() error {
		s, err := l.endpoint.StreamPayments(ctx, cursor)
		if err != nil {
			if l.metrics != nil {
				l.metrics.RecordStreamReconnect("error")
			}
			if horizon.IsProblem(err) && !horizon.Temporary(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.WarnContext(ctx, "payment stream reconnect failed",
			"error", err,
			"retry_in", wait,
		)
	}

	policy := backoff.WithContext(l.newBackOff(), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, ClassifyError("reconnect payment stream", err)
	}
	if l.metrics != nil {
		l.metrics.RecordStreamReconnect("success")
	}

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.closed.Load() {
		stream.Close()
		return nil, ErrListenerClosed
	}
	l.stream = stream
	l.setStateLocked(StateConnected)
	l.logger.InfoContext(ctx, "payment stream reconnected")
	return stream, nil
}

func (l *PaymentListener) fail(ctx context.Context, err error) {
	l.closed.Store(true)
	l.cancel()

	l.stateMu.Lock()
	l.err = err
	l.setStateLocked(StateClosed)
	l.stateMu.Unlock()

	l.logger.ErrorContext(ctx, "payment listener stopped", "error", err)
}

func (l *PaymentListener) setStateLocked(s StreamState) {
	if l.state == s {
		return
	}
	if l.metrics != nil {
		l.metrics.RecordStreamStateChange(l.state.String(), s.String())
	}
	l.state = s
}

func (l *PaymentListener) recordDropped(reason string) {
	if l.metrics != nil {
		l.metrics.RecordPaymentDropped(reason)
	}
}
