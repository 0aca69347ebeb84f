// Package relay runs a single payment listener over every watched address,
// archiving each payment and publishing it to NATS once per watched party.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/db"
	"github.com/brojonat/kinclient/service/metrics"
	natspkg "github.com/brojonat/kinclient/service/nats"
)

// ErrNotStarted is returned by Watch before Start has succeeded.
var ErrNotStarted = errors.New("relay: not started")

const archiveTimeout = 10 * time.Second

// Relay fans payments of watched addresses out to the archive and to NATS.
//
// Unwatched addresses stay in the underlying listener, which cannot shrink;
// their payments are filtered out here.
type Relay struct {
	network   string
	listener  *blockchain.BlockchainListener
	store     db.Repository
	publisher natspkg.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	restart   func() backoff.BackOff

	mu      sync.RWMutex
	watched map[string]struct{}
	pl      *blockchain.PaymentListener
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Relay)

// WithPublisher publishes every relayed payment. Without it payments are
// only archived.
func WithPublisher(p natspkg.Publisher) Option {
	return func(r *Relay) {
		r.publisher = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithRestartBackOff sets the policy for recreating the payment listener
// after it gave up reconnecting. The default retries until Close.
func WithRestartBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Relay) {
		r.restart = newBackOff
	}
}

// New creates a relay for network. store holds the watched addresses and the
// payment archive.
func New(network string, listener *blockchain.BlockchainListener, store db.Repository, opts ...Option) *Relay {
	r := &Relay{
		network:  network,
		listener: listener,
		store:    store,
		watched:  make(map[string]struct{}),
		done:     make(chan struct{}),
		restart: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return r
}

// Start loads the watched addresses and opens the payment listener. ctx only
// bounds startup; the relay runs until Close.
func (r *Relay) Start(ctx context.Context) error {
	rows, err := r.store.ListWatchedAddresses(ctx, r.network)
	if err != nil {
		return fmt.Errorf("failed to load watched addresses: %w", err)
	}

	r.mu.Lock()
	for _, wa := range rows {
		r.watched[wa.Address] = struct{}{}
	}
	addresses := r.addressesLocked()
	r.mu.Unlock()

	pl, err := r.listener.CreatePaymentsListener(ctx, r.onPayment, addresses...)
	if err != nil {
		return fmt.Errorf("failed to start payment listener: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.pl = pl
	r.ctx = runCtx
	r.cancel = cancel
	r.mu.Unlock()
	r.recordWatched()

	r.logger.InfoContext(ctx, "relay started", "network", r.network, "addresses", len(addresses))
	go r.supervise(runCtx, pl)
	return nil
}

// supervise recreates the payment listener whenever it fails for good.
func (r *Relay) supervise(ctx context.Context, pl *blockchain.PaymentListener) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.Done():
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.ErrorContext(ctx, "payment listener failed, restarting", "error", pl.Err())

		err := backoff.RetryNotify(func() error {
			r.mu.RLock()
			addresses := r.addressesLocked()
			r.mu.RUnlock()

			next, err := r.listener.CreatePaymentsListener(ctx, r.onPayment, addresses...)
			if err != nil {
				return err
			}
			r.mu.Lock()
			r.pl = next
			r.mu.Unlock()
			pl = next
			return nil
		}, backoff.WithContext(r.restart(), ctx), func(err error, wait time.Duration) {
			r.logger.WarnContext(ctx, "failed to restart payment listener", "error", err, "retry_in", wait)
		})
		if err != nil {
			if ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "giving up on payment listener", "error", err)
			}
			return
		}

		// Addresses watched while no listener was running.
		r.mu.RLock()
		for a := range r.watched {
			pl.AddAddress(a)
		}
		r.mu.RUnlock()
		r.logger.InfoContext(ctx, "payment listener restarted")
	}
}

// Watch starts relaying payments for address. It fails with
// db.ErrAlreadyExists if address is already watched.
func (r *Relay) Watch(ctx context.Context, address string) (*db.WatchedAddress, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", blockchain.ErrInvalidArgument)
	}

	r.mu.RLock()
	pl := r.pl
	r.mu.RUnlock()
	if pl == nil {
		return nil, ErrNotStarted
	}

	wa, err := r.store.CreateWatchedAddress(ctx, address, r.network)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.watched[address] = struct{}{}
	pl = r.pl
	r.mu.Unlock()

	if err := pl.AddAddress(address); err != nil && !errors.Is(err, blockchain.ErrListenerClosed) {
		return nil, err
	}
	r.recordWatched()

	r.logger.InfoContext(ctx, "watching address", "address", address)
	return wa, nil
}

// Unwatch stops relaying payments for address. It fails with db.ErrNotFound
// if address is not watched.
func (r *Relay) Unwatch(ctx context.Context, address string) error {
	if err := r.store.DeleteWatchedAddress(ctx, address, r.network); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.watched, address)
	r.mu.Unlock()
	r.recordWatched()

	r.logger.InfoContext(ctx, "stopped watching address", "address", address)
	return nil
}

// Get returns the watched address row, or db.ErrNotFound.
func (r *Relay) Get(ctx context.Context, address string) (*db.WatchedAddress, error) {
	return r.store.GetWatchedAddress(ctx, address, r.network)
}

// List returns every watched address.
func (r *Relay) List(ctx context.Context) ([]*db.WatchedAddress, error) {
	return r.store.ListWatchedAddresses(ctx, r.network)
}

// Payments returns archived payments of address, most recent first.
func (r *Relay) Payments(ctx context.Context, address string, limit, offset int32) ([]*db.Payment, error) {
	return r.store.ListPaymentsByAddress(ctx, db.ListPaymentsParams{
		WatchedAddress: address,
		Network:        r.network,
		Limit:          limit,
		Offset:         offset,
	})
}

// IsWatched reports whether payments of address are relayed.
func (r *Relay) IsWatched(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.watched[address]
	return ok
}

// State reports the state of the current payment stream.
func (r *Relay) State() blockchain.StreamState {
	r.mu.RLock()
	pl := r.pl
	r.mu.RUnlock()
	if pl == nil {
		return blockchain.StateClosed
	}
	return pl.State()
}

// Close stops the relay and waits for its listener to finish.
func (r *Relay) Close() error {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-r.done

	r.mu.RLock()
	pl := r.pl
	r.mu.RUnlock()
	return pl.Close()
}

func (r *Relay) onPayment(p blockchain.Payment) {
	parties := []string{p.Destination}
	if p.Source != p.Destination {
		parties = append(parties, p.Source)
	}

	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for _, party := range parties {
		if !r.IsWatched(party) {
			continue
		}
		r.relay(ctx, natspkg.FromPayment(p, party))
	}
}

func (r *Relay) relay(ctx context.Context, event *natspkg.PaymentEvent) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	inserted, err := r.store.CreatePayment(ctx, db.CreatePaymentParams{
		Network:        r.network,
		OperationID:    event.OperationID,
		WatchedAddress: event.WatchedAddress,
		TransactionID:  event.TransactionID,
		PagingToken:    event.PagingToken,
		Ledger:         event.Ledger,
		Kind:           event.Kind,
		Direction:      event.Direction,
		Source:         event.Source,
		Destination:    event.Destination,
		Asset:          event.Asset,
		Amount:         event.Amount,
		Memo:           event.Memo,
		BlockTime:      event.Timestamp,
	})
	if err != nil {
		// Publishing does not depend on the archive.
		r.logger.ErrorContext(ctx, "failed to archive payment",
			"operation", event.OperationID,
			"address", event.WatchedAddress,
			"error", err,
		)
	} else if !inserted {
		r.logger.DebugContext(ctx, "payment already relayed",
			"operation", event.OperationID,
			"address", event.WatchedAddress,
		)
		return
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishPayment(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish payment",
			"operation", event.OperationID,
			"address", event.WatchedAddress,
			"error", err,
		)
		return
	}

	r.logger.DebugContext(ctx, "relayed payment",
		"transaction", event.TransactionID,
		"operation", event.OperationID,
		"address", event.WatchedAddress,
		"direction", event.Direction,
		"amount", event.Amount.String(),
	)
}

func (r *Relay) addressesLocked() []string {
	out := make([]string, 0, len(r.watched))
	for a := range r.watched {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) recordWatched() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	n := len(r.watched)
	r.mu.RUnlock()
	r.metrics.SetWatchedAddresses(n)
}
