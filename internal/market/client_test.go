package market

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/web3/ledger"
)

func TestQuoteAndAssess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/quote":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ETH", body["input_asset"])
			_, _ = w.Write([]byte(`{"id":"q-1","input_asset":"ETH","output_asset":"USDC","input_amount":0.2,"output_amount":640,"price_impact_pct":0.4}`))
		case "/assess":
			assert.Equal(t, "PEPE", r.URL.Query().Get("asset"))
			_, _ = w.Write([]byte(`{"score":720,"classification":"high"}`))
		case "/prices":
			assert.Equal(t, "ETH,USDC", r.URL.Query().Get("assets"))
			_, _ = w.Write([]byte(`{"prices":{"ETH":3200,"USDC":1}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{QuoteURL: srv.URL, RiskURL: srv.URL, PriceURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	quote, err := client.Quote(ctx, "ETH", "USDC", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "q-1", quote.ID)
	assert.Equal(t, 0.4, quote.PriceImpactPct)

	risk, err := client.Assess(ctx, "PEPE")
	require.NoError(t, err)
	assert.Equal(t, RiskAssessment{Asset: "PEPE", Score: 720, Classification: "high"}, risk)

	prices, err := client.Prices(ctx, []string{"ETH", "USDC"})
	require.NoError(t, err)
	assert.Equal(t, 3200.0, prices["ETH"])
}

func TestFailuresAreServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{QuoteURL: srv.URL})
	_, err := client.Quote(context.Background(), "ETH", "USDC", 1)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeServiceUnavailable, xerrors.CodeOf(err))

	_, err = client.Assess(context.Background(), "ETH")
	assert.Equal(t, xerrors.CodeServiceUnavailable, xerrors.CodeOf(err))
}

func TestExecuteSubmitsPreparedTransaction(t *testing.T) {
	router := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	prepared := types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(1337),
		To:      &router,
		Value:   big.NewInt(100_000_000_000_000_000),
		Gas:     150_000,
	})
	raw, err := prepared.MarshalBinary()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"transaction": hexutil.Encode(raw)})
	}))
	defer srv.Close()

	l := ledger.New()
	l.Fund("0xagent", ledger.NativeAsset, 1)
	client := NewClient(Config{QuoteURL: srv.URL})

	hash, err := client.Execute(context.Background(), l.Wallet("0xagent"), Quote{ID: "q-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.InDelta(t, 0.9, l.BalanceOf("0xagent", ledger.NativeAsset), 1e-12)
	assert.InDelta(t, 0.1, l.BalanceOf(router.Hex(), ledger.NativeAsset), 1e-12)
}
