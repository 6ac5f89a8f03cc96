package sim

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/pkg/app/core/engagement"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
)

// ActionKind is what a simulated trader does on one step.
type ActionKind int

const (
	ActOrder ActionKind = iota
	ActCancel
	ActEngage
)

// Action is one generated step. Price is nil for market-price orders.
type Action struct {
	Kind         ActionKind
	Party        string
	InstrumentID string
	Side         orderbook.Side
	Quantity     int64
	Price        *decimal.Decimal
	Engagement   engagement.Action
	Comment      string
}

// Generator creates random trader actions inside each instrument's trading band.
type Generator struct {
	traders []string
	rng     *rand.Rand
}

func NewGenerator(numTraders int, seed int64) *Generator {
	traders := make([]string, numTraders)
	for i := range traders {
		traders[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &Generator{traders: traders, rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Traders() []string { return g.traders }

// Next picks a trader and an instrument: 85% orders, 10% cancels, 5% engagement.
func (g *Generator) Next(inst *instrument.Instrument, band valuation.Band) Action {
	a := Action{
		Party:        g.traders[g.rng.Intn(len(g.traders))],
		InstrumentID: inst.ID,
	}

	r := g.rng.Intn(100)
	switch {
	case r < 85:
		a.Kind = ActOrder
		a.Side = orderbook.Buy
		if g.rng.Intn(2) == 1 {
			a.Side = orderbook.Sell
		}
		a.Quantity = int64(g.rng.Intn(20) + 1)
		// 20% trade at market, the rest quote within ±5% of the current price
		if g.rng.Intn(100) >= 20 {
			p := g.quote(inst.CurrentPrice, band)
			a.Price = &p
		}
	case r < 95:
		a.Kind = ActCancel
	default:
		a.Kind = ActEngage
		switch g.rng.Intn(4) {
		case 0:
			a.Engagement = engagement.Downvote
		case 1:
			a.Engagement = engagement.Comment
			a.Comment = fmt.Sprintf("to the moon #%d", g.rng.Intn(1000))
		default:
			a.Engagement = engagement.Upvote
		}
	}
	return a
}

// quote returns a 4-dp price near mid, clamped to the band.
func (g *Generator) quote(mid decimal.Decimal, band valuation.Band) decimal.Decimal {
	bps := int64(g.rng.Intn(1001) - 500) // ±5%
	p := mid.Add(mid.Mul(decimal.New(bps, -4))).Round(instrument.PriceScale)
	if p.LessThan(band.Min) {
		p = band.Min
	}
	if p.GreaterThan(band.Max) {
		p = band.Max
	}
	return instrument.ClampPrice(p)
}

// Pick returns a random element index in [0, n).
func (g *Generator) Pick(n int) int { return g.rng.Intn(n) }
