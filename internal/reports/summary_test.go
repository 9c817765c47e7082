package reports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUSDTotal(t *testing.T) {
	rows := []map[string]any{
		{"ticket": 2.0, "to_usd_net_turnover": 100.0, "to_usd_net_winloss": 10.0},
		{"ticket": 3.0, "to_usd_net_turnover": 50.0, "to_usd_net_winloss": -5.0},
	}

	total := USDTotal(rows)

	assert.Equal(t, "USD TOTAL", total["_summary"])
	assert.Equal(t, 5.0, total["ticket"])
	assert.Equal(t, 150.0, total["net_turnover_usd"])
	assert.Equal(t, 5.0, total["net_winloss_usd"])
	assert.Equal(t, 3.33, total["margin_pct"])
}

func TestUSDTotalZeroTurnover(t *testing.T) {
	rows := []map[string]any{
		{"ticket": 1.0, "to_usd_net_winloss": 10.0},
	}

	total := USDTotal(rows)
	assert.Equal(t, 0.0, total["margin_pct"], "zero turnover must not divide by zero")
}

func TestUSDTotalEmptyRows(t *testing.T) {
	total := USDTotal(nil)
	assert.Equal(t, 0.0, total["ticket"])
	assert.Equal(t, 0.0, total["margin_pct"])
}

func TestUSDTotalIgnoresNonNumericCells(t *testing.T) {
	rows := []map[string]any{
		{"ticket": "n/a", "to_usd_net_turnover": 40.0, "to_usd_net_winloss": 4.0},
	}

	total := USDTotal(rows)
	assert.Equal(t, 0.0, total["ticket"])
	assert.Equal(t, 40.0, total["net_turnover_usd"])
	assert.Equal(t, 10.0, total["margin_pct"])
}

func TestUSDTotalSumsAllMonetaryFields(t *testing.T) {
	rows := []map[string]any{
		{
			"to_usd_stake":           10.0,
			"to_usd_price":           1.0,
			"to_usd_payout":          12.0,
			"to_usd_winloss":         2.0,
			"to_usd_cashout_stake":   3.0,
			"to_usd_cashout":         4.0,
			"to_usd_cashout_winloss": 1.0,
		},
	}

	total := USDTotal(rows)
	assert.Equal(t, 10.0, total["stake_usd"])
	assert.Equal(t, 1.0, total["price_usd"])
	assert.Equal(t, 12.0, total["payout_usd"])
	assert.Equal(t, 2.0, total["winloss_usd"])
	assert.Equal(t, 3.0, total["cashout_stake_usd"])
	assert.Equal(t, 4.0, total["cashout_usd"])
	assert.Equal(t, 1.0, total["cashout_winloss_usd"])
}
