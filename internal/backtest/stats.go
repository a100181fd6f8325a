package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

// barsPerYear is the annualization factor applied to per-bar return moments.
// Statistics are comparative across runs of the same timeframe, so a single
// daily-equivalent factor keeps them stable.
const barsPerYear = 252

// ComputeStats derives the final run statistics from the equity curve and
// the realized trade log.
func ComputeStats(initialCash decimal.Decimal, curve []types.EquityPoint, trades []decimal.Decimal, totalCommission, totalSlippage decimal.Decimal, totalFills int) *types.RunStats {
	stats := &types.RunStats{
		TotalCommission: totalCommission,
		TotalSlippage:   totalSlippage,
		TotalFills:      totalFills,
	}
	if len(curve) > 0 {
		stats.FinalEquity = curve[len(curve)-1].Equity
		if !initialCash.IsZero() {
			stats.TotalReturn = stats.FinalEquity.Sub(initialCash).Div(initialCash)
		}
	} else {
		stats.FinalEquity = initialCash
	}

	// Win rate and profit factor from realized trade pnl.
	var wins, losses int
	var grossWin, grossLoss decimal.Decimal
	for _, pnl := range trades {
		switch {
		case pnl.IsPositive():
			wins++
			grossWin = grossWin.Add(pnl)
		case pnl.IsNegative():
			losses++
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}
	if total := wins + losses; total > 0 {
		stats.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total)))
	}
	if !grossLoss.IsZero() {
		stats.ProfitFactor = grossWin.Div(grossLoss)
	}

	// Return moments from the equity curve.
	returns := barReturns(curve)
	if len(returns) > 1 {
		mean := meanOf(returns)
		if sd := stdDev(returns, mean); sd > 0 {
			stats.Sharpe = decimal.NewFromFloat(mean / sd * math.Sqrt(barsPerYear))
		}
		if dd := downsideDev(returns); dd > 0 {
			stats.Sortino = decimal.NewFromFloat(mean / dd * math.Sqrt(barsPerYear))
		}
	}
	stats.MaxDrawdown = maxDrawdown(curve)
	return stats
}

func barReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func downsideDev(xs []float64) float64 {
	var ss float64
	var n int
	for _, x := range xs {
		if x < 0 {
			ss += x * x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(ss / float64(n))
}

func maxDrawdown(curve []types.EquityPoint) decimal.Decimal {
	var peak, maxDD decimal.Decimal
	for i, p := range curve {
		if i == 0 || p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}
