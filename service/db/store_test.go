package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/service/blockchain"
)

const testNetwork = "testnet"

func paymentParams(op, watched string, blockTime time.Time) CreatePaymentParams {
	return CreatePaymentParams{
		Network:        testNetwork,
		OperationID:    op,
		WatchedAddress: watched,
		TransactionID:  "tx-" + op,
		PagingToken:    op,
		Ledger:         100,
		Kind:           blockchain.OperationPayment,
		Direction:      "incoming",
		Source:         "GSOURCE",
		Destination:    watched,
		Asset:          blockchain.Asset{Type: blockchain.AssetTypeNative},
		Amount:         blockchain.Kin(12),
		Memo:           blockchain.Memo{Type: "text", Value: "order-" + op},
		BlockTime:      blockTime,
	}
}

// repositories runs fn against every Repository implementation available.
func repositories(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		SkipIfNoTestDB(t)

		store := NewTestStore(t)
		defer store.Close()
		store.Cleanup(t)
		defer store.Cleanup(t)

		fn(t, store)
	})
}

func TestWatchedAddresses(t *testing.T) {
	repositories(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		wa, err := repo.CreateWatchedAddress(ctx, "GA", testNetwork)
		require.NoError(t, err)
		assert.Equal(t, "GA", wa.Address)
		assert.Nil(t, wa.LastPaymentAt)
		assert.WithinDuration(t, time.Now(), wa.CreatedAt, 5*time.Second)

		_, err = repo.CreateWatchedAddress(ctx, "GA", testNetwork)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		// Same address on another network is a separate row.
		_, err = repo.CreateWatchedAddress(ctx, "GA", "production")
		require.NoError(t, err)

		_, err = repo.CreateWatchedAddress(ctx, "GB", testNetwork)
		require.NoError(t, err)

		list, err := repo.ListWatchedAddresses(ctx, testNetwork)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "GA", list[0].Address)
		assert.Equal(t, "GB", list[1].Address)

		got, err := repo.GetWatchedAddress(ctx, "GB", testNetwork)
		require.NoError(t, err)
		assert.Equal(t, "GB", got.Address)

		require.NoError(t, repo.DeleteWatchedAddress(ctx, "GB", testNetwork))
		assert.ErrorIs(t, repo.DeleteWatchedAddress(ctx, "GB", testNetwork), ErrNotFound)

		_, err = repo.GetWatchedAddress(ctx, "GB", testNetwork)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreatePayment(t *testing.T) {
	repositories(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		_, err := repo.CreateWatchedAddress(ctx, "GA", testNetwork)
		require.NoError(t, err)

		inserted, err := repo.CreatePayment(ctx, paymentParams("1", "GA", now))
		require.NoError(t, err)
		assert.True(t, inserted)

		// Archiving the same operation again is a no-op.
		inserted, err = repo.CreatePayment(ctx, paymentParams("1", "GA", now))
		require.NoError(t, err)
		assert.False(t, inserted)

		wa, err := repo.GetWatchedAddress(ctx, "GA", testNetwork)
		require.NoError(t, err)
		require.NotNil(t, wa.LastPaymentAt)
		assert.WithinDuration(t, now, *wa.LastPaymentAt, time.Microsecond)

		// An older payment does not move last_payment_at back.
		_, err = repo.CreatePayment(ctx, paymentParams("0", "GA", now.Add(-time.Hour)))
		require.NoError(t, err)
		wa, err = repo.GetWatchedAddress(ctx, "GA", testNetwork)
		require.NoError(t, err)
		assert.WithinDuration(t, now, *wa.LastPaymentAt, time.Microsecond)

		payments, err := repo.ListPaymentsByAddress(ctx, ListPaymentsParams{
			WatchedAddress: "GA",
			Network:        testNetwork,
			Limit:          10,
		})
		require.NoError(t, err)
		require.Len(t, payments, 2)

		p := payments[0]
		assert.Equal(t, "1", p.OperationID)
		assert.Equal(t, blockchain.Kin(12), p.Amount)
		assert.Equal(t, blockchain.Memo{Type: "text", Value: "order-1"}, p.Memo)
		assert.True(t, p.Asset.IsNative())
		assert.Empty(t, p.Asset.Code)
		assert.WithinDuration(t, now, p.BlockTime, time.Microsecond)
	})
}

func TestListPaymentsByAddress_Pagination(t *testing.T) {
	repositories(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		for i := 0; i < 5; i++ {
			_, err := repo.CreatePayment(ctx, paymentParams(fmt.Sprintf("%d", i), "GA", base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
		_, err := repo.CreatePayment(ctx, paymentParams("9", "GOTHER", base))
		require.NoError(t, err)

		first, err := repo.ListPaymentsByAddress(ctx, ListPaymentsParams{WatchedAddress: "GA", Network: testNetwork, Limit: 2})
		require.NoError(t, err)
		second, err := repo.ListPaymentsByAddress(ctx, ListPaymentsParams{WatchedAddress: "GA", Network: testNetwork, Limit: 2, Offset: 2})
		require.NoError(t, err)
		rest, err := repo.ListPaymentsByAddress(ctx, ListPaymentsParams{WatchedAddress: "GA", Network: testNetwork, Limit: 10, Offset: 4})
		require.NoError(t, err)

		var ops []string
		for _, page := range [][]*Payment{first, second, rest} {
			for _, p := range page {
				ops = append(ops, p.OperationID)
			}
		}
		assert.Equal(t, []string{"4", "3", "2", "1", "0"}, ops)
	})
}

func TestMemoryStore_Error(t *testing.T) {
	m := NewMemoryStore()
	m.SetError(assert.AnError)

	_, err := m.ListWatchedAddresses(context.Background(), testNetwork)
	assert.ErrorIs(t, err, assert.AnError)

	m.SetError(nil)
	_, err = m.ListWatchedAddresses(context.Background(), testNetwork)
	assert.NoError(t, err)
}
