package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/service/blockchain"
)

func TestWatch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/watched-addresses", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)
		assert.Equal(t, "GADDR", body["address"])

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	err := gw.Watch(context.Background(), "GADDR")
	assert.NoError(t, err)
}

func TestWatch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "address is required",
		})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	err := gw.Watch(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestUnwatch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/watched-addresses/GADDR", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	assert.NoError(t, gw.Unwatch(context.Background(), "GADDR"))
}

func TestUnwatch_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "address not watched",
		})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	err := gw.Unwatch(context.Background(), "GNOPE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address not watched")
}

func TestWatched_Success(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/watched-addresses/GADDR", r.URL.Path)
		json.NewEncoder(w).Encode(WatchedAddress{Address: "GADDR", CreatedAt: created})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	wa, err := gw.Watched(context.Background(), "GADDR")
	require.NoError(t, err)
	assert.Equal(t, "GADDR", wa.Address)
	assert.True(t, created.Equal(wa.CreatedAt))
	assert.Nil(t, wa.LastPaymentAt)
}

func TestListWatched(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "two addresses", body: `{"addresses":[{"address":"GA"},{"address":"GB"}]}`, want: 2},
		{name: "empty", body: `{"addresses":[]}`, want: 0},
		{name: "null", body: `{}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			gw := NewGateway(server.URL, nil, nil)
			got, err := gw.ListWatched(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestListWatched_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"database connection failed"}`))
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	got, err := gw.ListWatched(context.Background())
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "database connection failed")
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	assert.NoError(t, NewGateway(server.URL+"/", nil, nil).Health(context.Background()))
}

func writeEvent(t *testing.T, w http.ResponseWriter, event string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
	w.(http.Flusher).Flush()
}

func TestAwait_MatchingPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/payments/GADDR", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")

		writeEvent(t, w, "connected", map[string]string{"address": "GADDR"})
		writeEvent(t, w, "payment", PaymentEvent{
			TransactionID: "wrong-amount",
			Amount:        blockchain.Kin(1),
			Memo:          blockchain.Memo{Type: "text", Value: "order-7"},
		})
		writeEvent(t, w, "payment", PaymentEvent{
			TransactionID: "match",
			Amount:        blockchain.Kin(50),
			Memo:          blockchain.Memo{Type: "text", Value: "order-7"},
		})
		<-r.Context().Done()
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := gw.Await(ctx, "GADDR", func(p *PaymentEvent) bool {
		return p.Amount == blockchain.Kin(50) && p.Memo.Value == "order-7"
	})
	require.NoError(t, err)
	assert.Equal(t, "match", p.TransactionID)
}

func TestAwait_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	p, err := gw.Await(ctx, "GADDR", func(*PaymentEvent) bool { return true })
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestAwait_StreamEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, "payment", PaymentEvent{TransactionID: "other"})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	_, err := gw.Await(context.Background(), "GADDR", func(*PaymentEvent) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed by server")
}

func TestStream_AllAddresses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/payments", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, "connected", map[string]string{"address": "all"})
		writeEvent(t, w, "payment", PaymentEvent{TransactionID: "a", WatchedAddress: "GONE"})
		writeEvent(t, w, "payment", PaymentEvent{TransactionID: "b", WatchedAddress: "GTWO"})
		writeEvent(t, w, "payment", PaymentEvent{TransactionID: "c", WatchedAddress: "GONE"})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)

	var seen []string
	err := gw.Stream(context.Background(), "", func(p *PaymentEvent) bool {
		seen = append(seen, p.TransactionID)
		return len(seen) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)

	seen = nil
	err = gw.Stream(context.Background(), "", func(p *PaymentEvent) bool {
		seen = append(seen, p.TransactionID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestStream_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to subscribe"})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	err := gw.Stream(context.Background(), "GADDR", func(*PaymentEvent) bool { return true })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestPayments(t *testing.T) {
	archived := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/GADDR/payments", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "10", r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]any{
			"payments": []map[string]any{
				{
					"transaction_id":  "tx-1",
					"watched_address": "GADDR",
					"amount":          "2.5000000",
					"archived_at":     archived,
				},
			},
			"limit":  5,
			"offset": 10,
		})
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	payments, err := gw.Payments(context.Background(), "GADDR", 5, 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "tx-1", payments[0].TransactionID)
	assert.Equal(t, blockchain.Amount(25_000_000), payments[0].Amount)
	assert.True(t, archived.Equal(payments[0].ArchivedAt))
}

func TestPayments_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`{"payments":null,"limit":50,"offset":0}`))
	}))
	defer server.Close()

	gw := NewGateway(server.URL, nil, nil)
	payments, err := gw.Payments(context.Background(), "GADDR", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.NotNil(t, payments)
}
