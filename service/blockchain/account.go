package blockchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/kinclient/service/horizon"
)

// AccountDataRetriever resolves addresses into account state.
type AccountDataRetriever struct {
	endpoint horizon.Endpoint
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccountDataRetriever(endpoint horizon.Endpoint, logger *slog.Logger) *AccountDataRetriever {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &AccountDataRetriever{
		endpoint: endpoint,
		logger:   logger,
		now:      time.Now,
	}
}

// FetchAccountData returns the current state of address, or nil with a nil
// error when the address has no ledger entry.
func (r *AccountDataRetriever) FetchAccountData(ctx context.Context, address Address) (*AccountData, error) {
	rec, err := r.endpoint.Account(ctx, address)
	if err != nil {
		if horizon.IsNotFound(err) {
			r.logger.DebugContext(ctx, "account does not exist", "address", address)
			return nil, nil
		}
		return nil, ClassifyError("fetch account data", err)
	}

	data, err := decodeAccount(rec, r.now())
	if err != nil {
		return nil, &ProtocolError{Op: "fetch account data", Err: err}
	}
	return data, nil
}

// FetchKinBalance returns the native balance of address. It fails with
// ErrAccountNotFound when the address has no ledger entry.
func (r *AccountDataRetriever) FetchKinBalance(ctx context.Context, address Address) (Amount, error) {
	data, err := r.FetchAccountData(ctx, address)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	balance, _ := data.KinBalance()
	return balance, nil
}

// IsAccountExisting reports whether address has a ledger entry.
func (r *AccountDataRetriever) IsAccountExisting(ctx context.Context, address Address) (bool, error) {
	data, err := r.FetchAccountData(ctx, address)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}
