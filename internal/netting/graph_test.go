package netting

import (
	"testing"

	"github.com/clearrail/netting-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obligation(debtor, creditor, currency, amount string) types.Obligation {
	return types.Obligation{
		DebtorBank:   debtor,
		CreditorBank: creditor,
		Currency:     currency,
		Amount:       decimal.RequireFromString(amount),
	}
}

func TestBuildGraphAggregatesOrderedPairs(t *testing.T) {
	obligations := []types.Obligation{
		obligation("BANK_A", "BANK_B", "USD", "100.50"),
		obligation("BANK_A", "BANK_B", "USD", "49.50"),
		obligation("BANK_B", "BANK_A", "USD", "25"),
	}

	g, err := BuildGraph("USD", obligations)
	require.NoError(t, err)

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, 3, g.ObligationCount())

	a := g.index["BANK_A"]
	b := g.index["BANK_B"]
	assert.True(t, g.Weight(a, b).Equal(decimal.RequireFromString("150")))
	assert.True(t, g.Weight(b, a).Equal(decimal.RequireFromString("25")))
}

func TestBuildGraphTotalVolumeIsExact(t *testing.T) {
	obligations := []types.Obligation{
		obligation("BANK_A", "BANK_B", "USD", "0.1"),
		obligation("BANK_B", "BANK_C", "USD", "0.2"),
		obligation("BANK_C", "BANK_A", "USD", "0.3"),
	}

	g, err := BuildGraph("USD", obligations)
	require.NoError(t, err)

	// 0.1 + 0.2 + 0.3 must be exactly 0.6, not a float approximation
	assert.True(t, g.TotalVolume().Equal(decimal.RequireFromString("0.6")))
}

func TestBuildGraphRejectsCurrencyMismatch(t *testing.T) {
	obligations := []types.Obligation{
		obligation("BANK_A", "BANK_B", "AED", "100"),
	}

	_, err := BuildGraph("USD", obligations)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, "USD", graphErr.Currency)
}

func TestBuildGraphRejectsNonPositiveAmount(t *testing.T) {
	obligations := []types.Obligation{
		obligation("BANK_A", "BANK_B", "USD", "0"),
	}

	_, err := BuildGraph("USD", obligations)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestBuildGraphRejectsSelfObligation(t *testing.T) {
	obligations := []types.Obligation{
		obligation("BANK_A", "BANK_A", "USD", "100"),
	}

	_, err := BuildGraph("USD", obligations)
	assert.ErrorIs(t, err, ErrSelfObligation)
}

func TestBuildGraphEmptyBatch(t *testing.T) {
	g, err := BuildGraph("USD", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.NodeCount())
	assert.True(t, g.TotalVolume().IsZero())
}
