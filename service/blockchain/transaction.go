package blockchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/brojonat/kinclient/service/horizon"
)

// Order is the direction of a history query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 200

	// operationFetchConcurrency bounds concurrent operation lookups per page.
	operationFetchConcurrency = 8
)

// HistoryParams selects a page of an account's transaction history.
// Cursor is the PagingToken of the last transaction of the previous page.
type HistoryParams struct {
	Address Address
	Limit   int    // defaults to DefaultHistoryLimit
	Order   Order  // defaults to OrderDesc
	Cursor  string // empty starts at the newest (desc) or oldest (asc) transaction
}

// TransactionRetriever resolves transaction ids and account histories.
type TransactionRetriever struct {
	endpoint horizon.Endpoint
	logger   *slog.Logger
}

func NewTransactionRetriever(endpoint horizon.Endpoint, logger *slog.Logger) *TransactionRetriever {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &TransactionRetriever{endpoint: endpoint, logger: logger}
}

// FetchTransaction returns the transaction with its decoded operations.
// It fails with ErrTransactionNotFound when id is unknown.
func (r *TransactionRetriever) FetchTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	var (
		rec    *horizon.Transaction
		opRecs []horizon.Operation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = r.endpoint.Transaction(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		opRecs, err = r.endpoint.TransactionOperations(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		if horizon.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, ClassifyError("fetch transaction", err)
	}

	tx, err := decodeTransaction(rec, opRecs)
	if err != nil {
		return nil, &ProtocolError{Op: "fetch transaction", Err: err}
	}
	return tx, nil
}

// FetchTransactionHistory returns one page of the transactions that touch
// params.Address. An address with no ledger entry has an empty history.
//
// Pages are keyed by paging token, which is a fixed ledger position, so
// following each page's last PagingToken with the same Order yields the
// next contiguous page even while new transactions are being appended.
func (r *TransactionRetriever) FetchTransactionHistory(ctx context.Context, params HistoryParams) ([]Transaction, error) {
	params, err := normalizeHistoryParams(params)
	if err != nil {
		return nil, err
	}

	recs, err := r.endpoint.AccountTransactions(ctx, params.Address, horizon.PageRequest{
		Cursor: params.Cursor,
		Order:  string(params.Order),
		Limit:  params.Limit,
	})
	if err != nil {
		if horizon.IsNotFound(err) {
			r.logger.DebugContext(ctx, "no history for address", "address", params.Address)
			return []Transaction{}, nil
		}
		return nil, ClassifyError("fetch transaction history", err)
	}

	// Operations are fetched concurrently and reassembled in record order.
	txs := make([]Transaction, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(operationFetchConcurrency)
	for i := range recs {
		g.Go(func() error {
			rec := &recs[i]
			opRecs, err := r.endpoint.TransactionOperations(gctx, transactionID(rec))
			if err != nil {
				return err
			}
			tx, err := decodeTransaction(rec, opRecs)
			if err != nil {
				return &ProtocolError{Op: "fetch transaction history", Err: err}
			}
			txs[i] = *tx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, ClassifyError("fetch transaction history", err)
	}

	r.logger.DebugContext(ctx, "fetched transaction history",
		"address", params.Address,
		"count", len(txs),
		"order", params.Order,
		"cursor", params.Cursor,
	)
	return txs, nil
}

func normalizeHistoryParams(p HistoryParams) (HistoryParams, error) {
	if p.Address == "" {
		return p, fmt.Errorf("%w: address is required", ErrInvalidArgument)
	}
	if p.Limit == 0 {
		p.Limit = DefaultHistoryLimit
	}
	if p.Limit < 1 || p.Limit > MaxHistoryLimit {
		return p, fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidArgument, MaxHistoryLimit, p.Limit)
	}
	switch p.Order {
	case "":
		p.Order = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return p, fmt.Errorf("%w: order must be %q or %q, got %q", ErrInvalidArgument, OrderAsc, OrderDesc, p.Order)
	}
	return p, nil
}
