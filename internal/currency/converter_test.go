package currency

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func embeddedConverter(t *testing.T) *Converter {
	t.Helper()
	snap, err := EmbeddedSnapshot()
	require.NoError(t, err)
	require.Equal(t, "EUR", snap.Base)
	return New(snap)
}

func TestIsValid(t *testing.T) {
	c := embeddedConverter(t)
	require.True(t, c.IsValid("EUR"))
	require.True(t, c.IsValid("USD"))
	require.True(t, c.IsValid("usd")) // case-insensitive input is normalized
	require.False(t, c.IsValid("ZZZ"))
}

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	c := embeddedConverter(t)
	amt := decimal.RequireFromString("42.1234")
	out, err := c.Convert("USD", amt, "USD")
	require.NoError(t, err)
	require.True(t, amt.Equal(out))
}

func TestConvertFromBase(t *testing.T) {
	c := embeddedConverter(t)
	out, err := c.Convert("EUR", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	// 100 * 1.03455 = 103.455
	require.True(t, out.Equal(decimal.RequireFromString("103.455")), out.String())
}

func TestConvertToBase(t *testing.T) {
	c := embeddedConverter(t)
	out, err := c.Convert("USD", decimal.RequireFromString("103.455"), "EUR")
	require.NoError(t, err)
	require.True(t, out.Equal(decimal.NewFromInt(100)), out.String())
}

func TestConvertCrossRate(t *testing.T) {
	c := embeddedConverter(t)
	// USD -> GBP via EUR: amount * rate[GBP] / rate[USD]
	out, err := c.Convert("USD", decimal.NewFromInt(100), "GBP")
	require.NoError(t, err)
	expected := decimal.NewFromInt(100).Mul(decimal.RequireFromString("0.870211")).
		DivRound(decimal.RequireFromString("1.03455"), workingScale).RoundBank(finalScale)
	require.True(t, out.Equal(expected), out.String())
}

func TestConvertUnknownCurrency(t *testing.T) {
	c := embeddedConverter(t)
	_, err := c.Convert("ZZZ", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestRefreshSwapsAtomically(t *testing.T) {
	c := embeddedConverter(t)
	before := c.LastRefreshed()

	c.Refresh(Snapshot{
		Base:  "USD",
		Rates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("0.9")},
	})

	require.True(t, c.IsValid("USD"))
	require.True(t, c.IsValid("EUR"))
	require.False(t, c.IsValid("GBP")) // old snapshot's rates are gone
	require.True(t, c.LastRefreshed().After(before) || c.LastRefreshed().Equal(before))
}
