package fiat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/fiatrates/internal/clock"
)

func fixedServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAggregatorMergesFirstWins(t *testing.T) {
	gecko := fixedServer(t, http.StatusOK, `{"bitcoin":{"usd":42000}}`)
	cc := fixedServer(t, http.StatusOK, `{"BTC":{"USD":41000,"EUR":38000}}`)

	a := NewAggregator(
		newTestClient(t, NewCoinGecko(gecko.URL, ""), Options{HTTPClient: gecko.Client(), Clock: clock.NewManual(start)}),
		newTestClient(t, NewCryptoCompare(cc.URL, ""), Options{HTTPClient: cc.Client(), Clock: clock.NewManual(start)}),
	)

	rates, err := a.Rates(context.Background(), Query{Coins: []string{"btc"}, Vs: []string{"usd", "eur"}})
	require.NoError(t, err)
	require.Equal(t, Rates{"btc": {"usd": 42000, "eur": 38000}}, rates)

	c, ok := a.Client("cryptocompare")
	require.True(t, ok)
	require.Equal(t, "cryptocompare", c.Name())
	_, ok = a.Client("binance")
	require.False(t, ok)
}

func TestAggregatorPartialFailure(t *testing.T) {
	gecko := fixedServer(t, http.StatusInternalServerError, ``)
	cc := fixedServer(t, http.StatusOK, `{"ETH":{"USD":2500}}`)

	a := NewAggregator(
		newTestClient(t, NewCoinGecko(gecko.URL, ""), Options{HTTPClient: gecko.Client(), Clock: clock.NewManual(start)}),
		newTestClient(t, NewCryptoCompare(cc.URL, ""), Options{HTTPClient: cc.Client(), Clock: clock.NewManual(start)}),
	)

	rates, err := a.Rates(context.Background(), Query{Coins: []string{"eth"}, Vs: []string{"usd"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "coingecko")
	require.Equal(t, Rates{"eth": {"usd": 2500}}, rates)
}

func TestAggregatorAllFail(t *testing.T) {
	gecko := fixedServer(t, http.StatusBadGateway, ``)
	a := NewAggregator(
		newTestClient(t, NewCoinGecko(gecko.URL, ""), Options{HTTPClient: gecko.Client(), Clock: clock.NewManual(start)}),
	)

	rates, err := a.Rates(context.Background(), Query{Coins: []string{"btc"}, Vs: []string{"usd"}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Nil(t, rates)

	_, err = a.Rates(context.Background(), Query{})
	require.ErrorIs(t, err, ErrEmptyQuery)
}
