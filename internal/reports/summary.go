// Package reports implements the win/loss aggregation the back-office web
// UI computes client-side, so report tools can return the same USD total
// footer the operators are used to seeing.
package reports

import "math"

// USDTotal sums the to_usd_* monetary fields across report rows and derives
// the margin percentage. Rows are the decoded JSON objects returned by the
// winloss report endpoint; missing or non-numeric fields count as zero.
func USDTotal(rows []map[string]any) map[string]any {
	total := map[string]any{
		"_summary":            "USD TOTAL",
		"ticket":              sumField(rows, "ticket"),
		"net_turnover_usd":    sumField(rows, "to_usd_net_turnover"),
		"stake_usd":           sumField(rows, "to_usd_stake"),
		"price_usd":           sumField(rows, "to_usd_price"),
		"payout_usd":          sumField(rows, "to_usd_payout"),
		"winloss_usd":         sumField(rows, "to_usd_winloss"),
		"net_winloss_usd":     sumField(rows, "to_usd_net_winloss"),
		"cashout_stake_usd":   sumField(rows, "to_usd_cashout_stake"),
		"cashout_usd":         sumField(rows, "to_usd_cashout"),
		"cashout_winloss_usd": sumField(rows, "to_usd_cashout_winloss"),
	}

	netTurnover := total["net_turnover_usd"].(float64)
	netWinloss := total["net_winloss_usd"].(float64)
	if netTurnover == 0 {
		total["margin_pct"] = float64(0)
	} else {
		total["margin_pct"] = round2(netWinloss / netTurnover * 100)
	}
	return total
}

func sumField(rows []map[string]any, field string) float64 {
	var sum float64
	for _, row := range rows {
		sum += asFloat(row[field])
	}
	return sum
}

// asFloat coerces the numeric types encoding/json can produce. Anything
// else counts as zero, matching the web UI which ignores non-numeric cells.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
