package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/service/blockchain"
)

func samplePayment() blockchain.Payment {
	return blockchain.Payment{
		TransactionID: "tx1",
		OperationID:   "op1",
		PagingToken:   "101",
		Ledger:        9,
		Kind:          blockchain.OperationPayment,
		Source:        "GFROM",
		Destination:   "GTO",
		Asset:         blockchain.Asset{Type: blockchain.AssetTypeNative},
		Amount:        blockchain.Kin(25),
		Memo:          blockchain.Memo{Type: "text", Value: "hi"},
		Timestamp:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFromPayment_Direction(t *testing.T) {
	p := samplePayment()

	in := FromPayment(p, "GTO")
	assert.Equal(t, DirectionIncoming, in.Direction)
	assert.Equal(t, "GTO", in.WatchedAddress)

	out := FromPayment(p, "GFROM")
	assert.Equal(t, DirectionOutgoing, out.Direction)
	assert.Equal(t, "op1", out.OperationID)
	assert.Equal(t, blockchain.Kin(25), out.Amount)
	assert.False(t, out.PublishedAt.IsZero())
}

func TestPaymentEvent_JSONAmountIsDecimal(t *testing.T) {
	data, err := json.Marshal(FromPayment(samplePayment(), "GTO"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "25.0000000", raw["amount"])
	assert.Equal(t, "incoming", raw["direction"])
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "payments.GABC", Subject("GABC"))
	assert.Equal(t, "payments.*", Subject(""))
	assert.Equal(t, StreamSubjects, Subject(""))
}

func TestMockPublisher_FanOut(t *testing.T) {
	m := NewMockPublisher()
	ctx, cancel := context.WithCancel(context.Background())

	one, err := m.Subscribe(ctx, "GTO")
	require.NoError(t, err)
	all, err := m.Subscribe(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, m.SubscriberCount())

	p := samplePayment()
	require.NoError(t, m.PublishPayment(ctx, FromPayment(p, "GFROM")))
	require.NoError(t, m.PublishPayment(ctx, FromPayment(p, "GTO")))

	got := <-one
	assert.Equal(t, "GTO", got.WatchedAddress)
	assert.Equal(t, "GFROM", (<-all).WatchedAddress)
	assert.Equal(t, "GTO", (<-all).WatchedAddress)

	assert.Len(t, m.GetPublishedEventsForAddress("GTO"), 1)
	assert.Equal(t, 2, m.GetPublishedEventCount())

	cancel()
	require.Eventually(t, func() bool { return m.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
	_, open := <-one
	assert.False(t, open)
}

func TestMockPublisher_Errors(t *testing.T) {
	m := NewMockPublisher()
	boom := errors.New("boom")

	m.SetPublishError(boom)
	assert.ErrorIs(t, m.PublishPayment(context.Background(), &PaymentEvent{}), boom)

	m.SetSubscribeError(boom)
	_, err := m.Subscribe(context.Background(), "GA")
	assert.ErrorIs(t, err, boom)

	m.Reset()
	assert.NoError(t, m.PublishPayment(context.Background(), &PaymentEvent{}))
	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
