package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellar/go-stellar-sdk/protocols/horizon/base"
	"github.com/stellar/go-stellar-sdk/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/kinclient/service/horizon"
)

var (
	aliceAddress = strkey.MustEncode(strkey.VersionByteAccountID, []byte(strings.Repeat("a", 32)))
	bobAddress   = strkey.MustEncode(strkey.VersionByteAccountID, []byte(strings.Repeat("b", 32)))
)

// newFakeHorizon serves alice's account and fee stats; every other account
// is missing.
func newFakeHorizon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != aliceAddress {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"https://stellar.org/horizon-errors/not_found","title":"Resource Missing","status":404}`))
			return
		}
		json.NewEncoder(w).Encode(horizon.Account{
			ID:        aliceAddress,
			AccountID: aliceAddress,
			Sequence:  42,
			Balances: []horizon.Balance{
				{Balance: "1234.5000000", Asset: base.Asset{Type: "native"}},
			},
			Signers: []horizon.Signer{
				{Key: aliceAddress, Weight: 1, Type: "ed25519_public_key"},
			},
		})
	})
	mux.HandleFunc("GET /fee_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"last_ledger":"100","last_ledger_base_fee":"100","fee_charged":{"min":"100","max":"100","mode":"100"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAccountGetCommand(t *testing.T) {
	hz := newFakeHorizon(t)

	out, err := runApp(t, "--horizon-url", hz.URL, "account", "get", aliceAddress)
	require.NoError(t, err)
	assert.Contains(t, out, "Address:   "+aliceAddress)
	assert.Contains(t, out, "Sequence:  42")
	assert.Contains(t, out, "1234.5000000")
	assert.Contains(t, out, "KIN")
	assert.Contains(t, out, "(weight 1)")
}

func TestAccountGetCommand_JSON(t *testing.T) {
	hz := newFakeHorizon(t)

	out, err := runApp(t, "--horizon-url", hz.URL, "--json", "account", "get", aliceAddress)
	require.NoError(t, err)

	var data struct {
		Address  string `json:"address"`
		Sequence int64  `json:"sequence"`
		Balances []struct {
			Amount string `json:"amount"`
		} `json:"balances"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Equal(t, aliceAddress, data.Address)
	assert.Equal(t, int64(42), data.Sequence)
	require.Len(t, data.Balances, 1)
	assert.Equal(t, "1234.5000000", data.Balances[0].Amount)
}

func TestAccountGetCommand_Missing(t *testing.T) {
	hz := newFakeHorizon(t)

	_, err := runApp(t, "--horizon-url", hz.URL, "account", "get", bobAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestAccountGetCommand_RequiresAddress(t *testing.T) {
	_, err := runApp(t, "account", "get")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestAccountBalanceCommand(t *testing.T) {
	hz := newFakeHorizon(t)

	out, err := runApp(t, "--horizon-url", hz.URL, "account", "balance", aliceAddress)
	require.NoError(t, err)
	assert.Equal(t, "1234.5000000 KIN\n", out)

	_, err = runApp(t, "--horizon-url", hz.URL, "account", "balance", bobAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get balance")
}

func TestAccountExistsCommand(t *testing.T) {
	hz := newFakeHorizon(t)

	out, err := runApp(t, "--horizon-url", hz.URL, "account", "exists", aliceAddress)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = runApp(t, "--horizon-url", hz.URL, "--json", "account", "exists", bobAddress)
	require.NoError(t, err)
	assert.JSONEq(t, `{"address":"`+bobAddress+`","exists":false}`, out)
}

func TestFeeCommand(t *testing.T) {
	hz := newFakeHorizon(t)

	out, err := runApp(t, "--horizon-url", hz.URL, "fee")
	require.NoError(t, err)
	assert.Equal(t, "100 stroops\n", out)

	out, err = runApp(t, "--horizon-url", hz.URL, "-j", "fee")
	require.NoError(t, err)
	assert.JSONEq(t, `{"minimum_fee":100}`, out)
}

func TestFriendbotCommand_InvalidAmount(t *testing.T) {
	_, err := runApp(t, "friendbot", "--amount", "lots", aliceAddress)
	require.Error(t, err)
}

func TestUnknownEnvironment(t *testing.T) {
	_, err := runApp(t, "--environment", "mainnet", "fee")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown environment")
}
