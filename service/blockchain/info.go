package blockchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/kinclient/service/horizon"
)

// BlockchainInfoRetriever queries network-wide state.
type BlockchainInfoRetriever struct {
	endpoint horizon.Endpoint
	logger   *slog.Logger
}

func NewBlockchainInfoRetriever(endpoint horizon.Endpoint, logger *slog.Logger) *BlockchainInfoRetriever {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &BlockchainInfoRetriever{endpoint: endpoint, logger: logger}
}

// GetMinimumFee returns the current minimum fee per operation in stroops.
// Every call queries the node.
func (r *BlockchainInfoRetriever) GetMinimumFee(ctx context.Context) (int64, error) {
	stats, err := r.endpoint.FeeStats(ctx)
	if err != nil {
		return 0, ClassifyError("get minimum fee", err)
	}

	fee := stats.LastLedgerBaseFee
	if fee <= 0 {
		fee = stats.FeeCharged.Min
	}
	if fee < 0 {
		return 0, &ProtocolError{Op: "get minimum fee", Err: fmt.Errorf("negative fee %d", fee)}
	}

	r.logger.DebugContext(ctx, "fetched minimum fee", "fee", fee, "ledger", stats.LastLedger)
	return fee, nil
}

// VerifyNetwork checks that the node serves the network named by passphrase.
func (r *BlockchainInfoRetriever) VerifyNetwork(ctx context.Context, passphrase string) error {
	root, err := r.endpoint.Root(ctx)
	if err != nil {
		return ClassifyError("verify network", err)
	}
	if root.NetworkPassphrase != passphrase {
		return &ProtocolError{
			Op:  "verify network",
			Err: fmt.Errorf("%w: node serves %q, configured %q", ErrNetworkMismatch, root.NetworkPassphrase, passphrase),
		}
	}
	return nil
}
