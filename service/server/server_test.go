package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/base"
	"github.com/stellar/go-stellar-sdk/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/config"
	"github.com/brojonat/kinclient/service/db"
	"github.com/brojonat/kinclient/service/horizon"
	natspkg "github.com/brojonat/kinclient/service/nats"
	"github.com/brojonat/kinclient/service/relay"
)

// testAddress returns a valid account id whose key is c repeated.
func testAddress(c string) string {
	return strkey.MustEncode(strkey.VersionByteAccountID, []byte(strings.Repeat(c, 32)))
}

var (
	alice = testAddress("A")
	bob   = testAddress("B")
)

type fixture struct {
	env       config.Environment
	endpoint  *horizon.MockEndpoint
	store     *db.MemoryStore
	publisher *natspkg.MockPublisher
	relay     *relay.Relay
	server    *httptest.Server
}

func newFixture(t *testing.T, env config.Environment) *fixture {
	t.Helper()

	endpoint := horizon.NewMockEndpoint(env.NetworkPassphrase)
	noRetry := func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 0) }
	kin, err := client.New(env, client.WithEndpoint(endpoint), client.WithBackOff(noRetry))
	require.NoError(t, err)

	store := db.NewMemoryStore()
	publisher := natspkg.NewMockPublisher()
	rly := relay.New(env.Name, kin.PaymentsListener(), store, relay.WithPublisher(publisher))
	require.NoError(t, rly.Start(context.Background()))
	t.Cleanup(func() { rly.Close() })

	srv := New(":0", kin, rly, publisher, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		env:       env,
		endpoint:  endpoint,
		store:     store,
		publisher: publisher,
		relay:     rly,
		server:    ts,
	}
}

func testnetWithoutFaucet() config.Environment {
	env := config.Testnet()
	env.FriendbotURL = ""
	return env
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

// stream returns the payment stream the relay's listener opened.
func (f *fixture) stream(t *testing.T) *horizon.MockStream {
	t.Helper()
	select {
	case s := <-f.endpoint.Streams():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payment stream")
		return nil
	}
}

func txHash(n int) string {
	return fmt.Sprintf("%064x", n)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())

	status, body := f.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())

	req, err := http.NewRequest("OPTIONS", f.server.URL+"/api/v1/watched-addresses", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestGetAccount(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	f.endpoint.SetAccount(horizon.Account{
		AccountID: alice,
		Sequence:  42,
		Balances:  []horizon.Balance{{Balance: "150.5000000", Asset: base.Asset{Type: "native"}}},
	})

	t.Run("existing account", func(t *testing.T) {
		status, body := f.do(t, "GET", "/api/v1/accounts/"+alice, "")
		require.Equal(t, http.StatusOK, status, body)

		var data blockchain.AccountData
		require.NoError(t, json.Unmarshal([]byte(body), &data))
		assert.Equal(t, alice, data.Address)
		assert.Equal(t, int64(42), data.Sequence)
		require.Len(t, data.Balances, 1)
		assert.Equal(t, blockchain.Amount(1_505_000_000), data.Balances[0].Amount)
	})

	t.Run("missing account", func(t *testing.T) {
		status, body := f.do(t, "GET", "/api/v1/accounts/"+bob, "")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, body, "account not found")
	})

	t.Run("malformed address", func(t *testing.T) {
		seed := strkey.MustEncode(strkey.VersionByteSeed, []byte(strings.Repeat("A", 32)))
		for _, address := range []string{"GSHORT", "g" + strings.Repeat("a", 55), "S" + strings.Repeat("A", 55), seed} {
			status, body := f.do(t, "GET", "/api/v1/accounts/"+address, "")
			assert.Equal(t, http.StatusBadRequest, status, address)
			assert.Contains(t, body, "invalid address format")
		}
	})

	t.Run("bad checksum", func(t *testing.T) {
		// right length, alphabet and version byte, wrong checksum
		address := "G" + strings.Repeat("A", 55)
		calls := f.endpoint.Calls("Account")
		status, body := f.do(t, "GET", "/api/v1/accounts/"+address, "")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, body, "invalid address format")
		assert.Equal(t, calls, f.endpoint.Calls("Account"))
	})

	t.Run("horizon unavailable", func(t *testing.T) {
		f.endpoint.SetError("Account", horizon.NewProblem(503, "Service Unavailable"))
		defer f.endpoint.SetError("Account", nil)

		status, _ := f.do(t, "GET", "/api/v1/accounts/"+alice, "")
		assert.Equal(t, http.StatusBadGateway, status)
	})
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	f.endpoint.SetAccount(horizon.Account{
		AccountID: alice,
		Balances:  []horizon.Balance{{Balance: "7.0000001", Asset: base.Asset{Type: "native"}}},
	})

	status, body := f.do(t, "GET", "/api/v1/accounts/"+alice+"/balance", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, fmt.Sprintf(`{"address":%q,"balance":"7.0000001"}`, alice), body)

	status, _ = f.do(t, "GET", "/api/v1/accounts/"+bob+"/balance", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	for i := 1; i <= 3; i++ {
		f.endpoint.AddTransaction(
			horizon.Transaction{
				ID:         txHash(i),
				Hash:       txHash(i),
				PT:         fmt.Sprintf("%d", i*10),
				Ledger:     int32(i),
				Account:    alice,
				Successful: true,
			},
			[]horizon.Operation{
				horizon.PaymentRecord(fmt.Sprintf("%d", i*10+1), alice, bob, "1.0000000", nil),
			},
			alice, bob,
		)
	}

	// Operations do not decode back into their interface, so only the page
	// envelope is checked structurally.
	var page struct {
		Transactions []json.RawMessage `json:"transactions"`
		NextCursor   string            `json:"next_cursor"`
	}
	status, body := f.do(t, "GET", "/api/v1/accounts/"+alice+"/transactions?limit=2", "")
	require.Equal(t, http.StatusOK, status, body)
	require.NoError(t, json.Unmarshal([]byte(body), &page))
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, "20", page.NextCursor)
	assert.Contains(t, body, txHash(3))
	assert.Contains(t, body, txHash(2))
	assert.NotContains(t, body, txHash(1))

	status, body = f.do(t, "GET", "/api/v1/accounts/"+alice+"/transactions?limit=2&cursor=20", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, txHash(1))
	assert.NotContains(t, body, txHash(2))

	status, body = f.do(t, "GET", "/api/v1/accounts/"+alice+"/transactions?order=asc&limit=1", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, txHash(1))

	tests := []struct {
		name  string
		query string
	}{
		{"non numeric limit", "?limit=ten"},
		{"limit too large", "?limit=201"},
		{"unknown order", "?order=sideways"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.do(t, "GET", "/api/v1/accounts/"+alice+"/transactions"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	f.endpoint.AddTransaction(
		horizon.Transaction{ID: txHash(9), Hash: txHash(9), PT: "90", Ledger: 9, Account: alice, Successful: true, MemoType: "text", Memo: "order-9"},
		[]horizon.Operation{horizon.PaymentRecord("91", alice, bob, "5.0000000", nil)},
		alice, bob,
	)

	status, body := f.do(t, "GET", "/api/v1/transactions/"+txHash(9), "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"memo":{"type":"text","value":"order-9"}`)
	assert.Contains(t, body, `"amount":"5.0000000"`)

	status, _ = f.do(t, "GET", "/api/v1/transactions/"+txHash(10), "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, "GET", "/api/v1/transactions/not-a-hash", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetFee(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	f.endpoint.SetFeeStats(horizon.FeeStats{LastLedgerBaseFee: 100})

	status, body := f.do(t, "GET", "/api/v1/fee", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"minimum_fee":100}`, body)
}

func TestFriendbot(t *testing.T) {
	t.Run("unavailable without faucet", func(t *testing.T) {
		f := newFixture(t, testnetWithoutFaucet())
		status, body := f.do(t, "POST", "/api/v1/friendbot", fmt.Sprintf(`{"address":%q,"amount":"10"}`, alice))
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Contains(t, body, "friendbot")
	})

	t.Run("creates account", func(t *testing.T) {
		faucet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/", r.URL.Path)
			assert.Equal(t, alice, r.URL.Query().Get("addr"))
			assert.Equal(t, "10", r.URL.Query().Get("amount"))
			w.Write([]byte(`{"hash":"` + txHash(1) + `"}`))
		}))
		defer faucet.Close()

		env := config.Testnet()
		env.FriendbotURL = faucet.URL
		f := newFixture(t, env)

		status, body := f.do(t, "POST", "/api/v1/friendbot", fmt.Sprintf(`{"address":%q,"amount":"10"}`, alice))
		require.Equal(t, http.StatusOK, status, body)
		assert.JSONEq(t, fmt.Sprintf(`{"transaction_id":%q}`, txHash(1)), body)
	})

	t.Run("invalid requests", func(t *testing.T) {
		env := config.Testnet()
		env.FriendbotURL = "http://127.0.0.1:1"
		f := newFixture(t, env)

		tests := []struct {
			name string
			body string
		}{
			{"malformed json", `{"address":`},
			{"bad address", `{"address":"GNOPE","amount":"10"}`},
			{"missing amount", fmt.Sprintf(`{"address":%q}`, alice)},
			{"too many decimals", fmt.Sprintf(`{"address":%q,"amount":"0.00000001"}`, alice)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				status, _ := f.do(t, "POST", "/api/v1/friendbot", tt.body)
				assert.Equal(t, http.StatusBadRequest, status)
			})
		}
	})
}

func TestWatchedAddresses(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())

	status, body := f.do(t, "POST", "/api/v1/watched-addresses", fmt.Sprintf(`{"address":%q}`, alice))
	require.Equal(t, http.StatusCreated, status, body)
	assert.Contains(t, body, alice)
	assert.True(t, f.relay.IsWatched(alice))

	status, _ = f.do(t, "POST", "/api/v1/watched-addresses", fmt.Sprintf(`{"address":%q}`, alice))
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, "POST", "/api/v1/watched-addresses", `{"address":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, "POST", "/api/v1/watched-addresses", `{"address":"`+strings.Repeat("A", 2<<20)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "request body too large")

	status, body = f.do(t, "GET", "/api/v1/watched-addresses/"+alice, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"address":"`+alice+`"`)
	assert.NotContains(t, body, "last_payment_at")

	status, _ = f.do(t, "GET", "/api/v1/watched-addresses/"+bob, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, "GET", "/api/v1/watched-addresses", "")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Addresses []watchedAddressResponse `json:"addresses"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Addresses, 1)
	assert.Equal(t, alice, list.Addresses[0].Address)

	status, _ = f.do(t, "DELETE", "/api/v1/watched-addresses/"+alice, "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.False(t, f.relay.IsWatched(alice))

	status, _ = f.do(t, "DELETE", "/api/v1/watched-addresses/"+alice, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, "GET", "/api/v1/watched-addresses", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"addresses":[]}`, body)
}

func TestWatchedAddresses_StoreFailure(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	f.store.SetError(errors.New("connection reset by peer"))

	status, body := f.do(t, "GET", "/api/v1/watched-addresses", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "failed to list watched addresses")
	assert.NotContains(t, body, "connection reset")
}

func TestListPayments(t *testing.T) {
	f := newFixture(t, testnetWithoutFaucet())
	s := f.stream(t)

	status, body := f.do(t, "POST", "/api/v1/watched-addresses", fmt.Sprintf(`{"address":%q}`, bob))
	require.Equal(t, http.StatusCreated, status, body)

	require.True(t, s.Send(horizon.PaymentRecord("501", alice, bob, "2.5000000", &horizon.Transaction{
		Hash:            txHash(5),
		Ledger:          5,
		LedgerCloseTime: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Successful:      true,
		MemoType:        "text",
		Memo:            "invoice-5",
	})))

	require.Eventually(t, func() bool {
		return f.publisher.GetPublishedEventCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	status, body = f.do(t, "GET", "/api/v1/accounts/"+bob+"/payments", "")
	require.Equal(t, http.StatusOK, status, body)

	var resp struct {
		Payments []paymentResponse `json:"payments"`
		Limit    int               `json:"limit"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, defaultPaymentLimit, resp.Limit)
	require.Len(t, resp.Payments, 1)
	p := resp.Payments[0]
	assert.Equal(t, txHash(5), p.TransactionID)
	assert.Equal(t, natspkg.DirectionIncoming, p.Direction)
	assert.Equal(t, blockchain.Amount(25_000_000), p.Amount)
	assert.Equal(t, "invoice-5", p.Memo.Value)

	status, _ = f.do(t, "GET", "/api/v1/accounts/"+bob+"/payments?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, "GET", "/api/v1/accounts/"+bob+"/payments?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStreamingDisabledWithoutSubscriber(t *testing.T) {
	env := testnetWithoutFaucet()
	kin, err := client.New(env, client.WithEndpoint(horizon.NewMockEndpoint(env.NetworkPassphrase)))
	require.NoError(t, err)

	ts := httptest.NewServer(New(":0", kin, nil, nil, nil, nil).Handler())
	defer ts.Close()

	for _, path := range []string{"/api/v1/stream/payments", "/api/v1/ws/payments/" + alice, "/api/v1/watched-addresses"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: limit", blockchain.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: %s", blockchain.ErrAccountNotFound, alice), http.StatusNotFound},
		{blockchain.ErrTransactionNotFound, http.StatusNotFound},
		{db.ErrNotFound, http.StatusNotFound},
		{db.ErrAlreadyExists, http.StatusConflict},
		{blockchain.ErrFriendbotUnavailable, http.StatusServiceUnavailable},
		{relay.ErrNotStarted, http.StatusServiceUnavailable},
		{&blockchain.NetworkError{Op: "fetch", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{&blockchain.ProtocolError{Op: "fetch", Err: horizon.ErrMalformedResponse}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}
