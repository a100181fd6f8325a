package backtest

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/pkg/types"
)

// Book tracks cash and simulated positions for one run. Quantities are
// signed: positive long, negative short.
type Book struct {
	mu          sync.RWMutex
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*bookPosition
	peakEquity  decimal.Decimal
}

type bookPosition struct {
	qty         decimal.Decimal
	avgEntry    decimal.Decimal
	mark        decimal.Decimal
	realizedPnL decimal.Decimal
}

// NewBook creates a book with the given starting cash.
func NewBook(initialCash decimal.Decimal) *Book {
	return &Book{
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*bookPosition),
		peakEquity:  initialCash,
	}
}

// ApplyFill updates cash and the position for a fill. It returns the pnl
// realized by this fill and whether the fill reduced an existing position.
func (b *Book) ApplyFill(symbol string, side types.OrderSide, fill *types.Fill) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &bookPosition{mark: fill.Price}
		b.positions[symbol] = pos
	}

	signed := fill.Quantity
	if side == types.OrderSideSell {
		signed = signed.Neg()
	}

	// Reducing or flipping the position realizes pnl against avg entry.
	var realized decimal.Decimal
	var closed bool
	if !pos.qty.IsZero() && pos.qty.Sign() != signed.Sign() {
		closing := decimal.Min(pos.qty.Abs(), signed.Abs())
		pnlPerUnit := fill.Price.Sub(pos.avgEntry)
		if pos.qty.Sign() < 0 {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		realized = pnlPerUnit.Mul(closing)
		pos.realizedPnL = pos.realizedPnL.Add(realized)
		closed = true
	}

	newQty := pos.qty.Add(signed)
	switch {
	case newQty.IsZero():
		pos.avgEntry = decimal.Zero
	case pos.qty.IsZero() || pos.qty.Sign() != newQty.Sign():
		// Opened fresh or flipped through flat.
		pos.avgEntry = fill.Price
	case pos.qty.Sign() == signed.Sign():
		// Increasing: weighted average entry.
		oldNotional := pos.avgEntry.Mul(pos.qty.Abs())
		addNotional := fill.Price.Mul(signed.Abs())
		pos.avgEntry = oldNotional.Add(addNotional).Div(newQty.Abs())
	}
	pos.qty = newQty
	pos.mark = fill.Price

	// Cash moves by the signed notional plus commission.
	notional := fill.Price.Mul(fill.Quantity)
	if side == types.OrderSideBuy {
		b.cash = b.cash.Sub(notional)
	} else {
		b.cash = b.cash.Add(notional)
	}
	b.cash = b.cash.Sub(fill.Commission)
	return realized, closed
}

// Remark updates the mark price for a symbol, used for unrealized pnl and
// equity.
func (b *Book) Remark(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok {
		pos.mark = price
	}
	eq := b.equityLocked()
	if eq.GreaterThan(b.peakEquity) {
		b.peakEquity = eq
	}
}

// Equity returns cash plus the marked value of open positions.
func (b *Book) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

func (b *Book) equityLocked() decimal.Decimal {
	eq := b.cash
	for _, pos := range b.positions {
		eq = eq.Add(pos.mark.Mul(pos.qty))
	}
	return eq
}

// Cash returns the current cash balance.
func (b *Book) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// Drawdown returns the fractional drawdown from peak equity.
func (b *Book) Drawdown() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.peakEquity.IsZero() {
		return decimal.Zero
	}
	return b.peakEquity.Sub(b.equityLocked()).Div(b.peakEquity)
}

// Position returns the simulated position for a symbol.
func (b *Book) Position(symbol string) types.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[symbol]
	if !ok || pos.qty.IsZero() {
		return types.Position{Symbol: symbol, Side: types.PositionSideFlat}
	}
	side := types.PositionSideLong
	if pos.qty.Sign() < 0 {
		side = types.PositionSideShort
	}
	unrealized := pos.mark.Sub(pos.avgEntry).Mul(pos.qty)
	return types.Position{
		Symbol:        symbol,
		Side:          side,
		Quantity:      pos.qty.Abs(),
		AvgEntryPrice: pos.avgEntry,
		MarketValue:   pos.mark.Mul(pos.qty),
		RealizedPnL:   pos.realizedPnL,
		UnrealizedPnL: unrealized,
	}
}

// Positions returns all non-flat positions.
func (b *Book) Positions() []types.Position {
	b.mu.RLock()
	symbols := make([]string, 0, len(b.positions))
	for sym, pos := range b.positions {
		if !pos.qty.IsZero() {
			symbols = append(symbols, sym)
		}
	}
	b.mu.RUnlock()

	out := make([]types.Position, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, b.Position(sym))
	}
	return out
}
