package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/fiatrates/internal/fiat"
)

func TestPrintRates(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRates(&buf, fiat.Rates{
		"eth": {"usd": 2500.5},
		"btc": {"usd": 42000, "eur": 39000},
	}))
	require.Equal(t, "COIN  VS   PRICE\n"+
		"btc   eur  39000\n"+
		"btc   usd  42000\n"+
		"eth   usd  2500.5\n", buf.String())
}
