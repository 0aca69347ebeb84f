package friendbot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stellar/go-stellar-sdk/protocols/horizon/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/horizon"
)

// fakeFaucet keeps balances in memory and answers like the Kin friendbot.
type fakeFaucet struct {
	mu       sync.Mutex
	endpoint *horizon.MockEndpoint
	balances map[string]blockchain.Amount
	paths    []string
}

func newFakeFaucet(endpoint *horizon.MockEndpoint) *fakeFaucet {
	return &fakeFaucet{endpoint: endpoint, balances: make(map[string]blockchain.Amount)}
}

func (f *fakeFaucet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := r.URL.Query().Get("addr")
	amount, err := blockchain.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"title":"Bad Request","status":400}`))
		return
	}
	f.paths = append(f.paths, r.URL.Path)

	_, exists := f.balances[addr]
	switch r.URL.Path {
	case "/":
		if exists {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"title":"Account already exists","status":400}`))
			return
		}
	case "/fund":
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"title":"Resource Missing","status":404}`))
			return
		}
	}

	f.balances[addr] += amount
	f.endpoint.SetAccount(horizon.Account{
		AccountID: addr,
		Balances:  []horizon.Balance{{Balance: f.balances[addr].String(), Asset: base.Asset{Type: "native"}}},
	})
	w.Write([]byte(`{"hash":"hash-` + r.URL.Path + `"}`))
}

func TestCreateOrFund_CreatesThenFunds(t *testing.T) {
	endpoint := horizon.NewMockEndpoint("Kin Testnet ; December 2018")
	faucet := newFakeFaucet(endpoint)
	server := httptest.NewServer(faucet)
	defer server.Close()

	accounts := blockchain.NewAccountDataRetriever(endpoint, nil)
	fb := New(server.URL, accounts)
	ctx := context.Background()

	hash, err := fb.CreateOrFund(ctx, "GNEW", blockchain.Kin(1000))
	require.NoError(t, err)
	assert.Equal(t, "hash-/", hash)

	balance, err := accounts.FetchKinBalance(ctx, "GNEW")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(balance), int64(blockchain.Kin(1000)))

	hash, err = fb.CreateOrFund(ctx, "GNEW", blockchain.Kin(500))
	require.NoError(t, err)
	assert.Equal(t, "hash-/fund", hash)

	balance, err = accounts.FetchKinBalance(ctx, "GNEW")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(balance), int64(blockchain.Kin(1500)))

	assert.Equal(t, []string{"/", "/fund"}, faucet.paths)
}

func TestCreateOrFund_SendsAmountInKin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GA", r.URL.Query().Get("addr"))
		assert.Equal(t, "12.5", r.URL.Query().Get("amount"))
		w.Write([]byte(`{"hash":"abc"}`))
	}))
	defer server.Close()

	fb := New(server.URL+"/", blockchain.NewAccountDataRetriever(horizon.NewMockEndpoint("p"), nil))
	hash, err := fb.CreateOrFund(context.Background(), "GA", blockchain.Amount(125_000_000))
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)
}

func TestCreateOrFund_Unavailable(t *testing.T) {
	fb := New("", blockchain.NewAccountDataRetriever(horizon.NewMockEndpoint("p"), nil))
	assert.False(t, fb.Available())

	_, err := fb.CreateOrFund(context.Background(), "GA", blockchain.Kin(1))
	assert.ErrorIs(t, err, blockchain.ErrFriendbotUnavailable)

	var nilBot *Friendbot
	_, err = nilBot.CreateOrFund(context.Background(), "GA", blockchain.Kin(1))
	assert.ErrorIs(t, err, blockchain.ErrFriendbotUnavailable)
}

func TestCreateOrFund_InvalidArguments(t *testing.T) {
	fb := New("http://faucet.invalid", blockchain.NewAccountDataRetriever(horizon.NewMockEndpoint("p"), nil))

	_, err := fb.CreateOrFund(context.Background(), "", blockchain.Kin(1))
	assert.ErrorIs(t, err, blockchain.ErrInvalidArgument)

	_, err = fb.CreateOrFund(context.Background(), "GA", 0)
	assert.ErrorIs(t, err, blockchain.ErrInvalidArgument)
}

func TestCreateOrFund_AccountLookupFailure(t *testing.T) {
	endpoint := horizon.NewMockEndpoint("p")
	endpoint.SetError("Account", errors.New("connection reset"))
	fb := New("http://faucet.invalid", blockchain.NewAccountDataRetriever(endpoint, nil))

	_, err := fb.CreateOrFund(context.Background(), "GA", blockchain.Kin(1))
	require.Error(t, err)
	var nerr *blockchain.NetworkError
	assert.ErrorAs(t, err, &nerr)
}

func TestCreateOrFund_FaucetErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantNetwork bool
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantNetwork: true},
		{name: "rejected", status: http.StatusBadRequest, body: `{"title":"Transaction Failed","status":400}`},
		{name: "no hash", status: http.StatusOK, body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			fb := New(server.URL, blockchain.NewAccountDataRetriever(horizon.NewMockEndpoint("p"), nil))
			_, err := fb.CreateOrFund(context.Background(), "GA", blockchain.Kin(1))
			require.Error(t, err)

			var nerr *blockchain.NetworkError
			var perr *blockchain.ProtocolError
			if tt.wantNetwork {
				assert.ErrorAs(t, err, &nerr)
			} else {
				assert.ErrorAs(t, err, &perr)
			}
		})
	}
}
