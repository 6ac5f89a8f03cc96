package exchange

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
)

var hundred = decimal.NewFromInt(100)

// PortfolioHolding is one free holding valued at the instrument's current price.
type PortfolioHolding struct {
	InstrumentID      string          `json:"instrument_id"`
	Ticker            string          `json:"ticker"`
	Name              string          `json:"name"`
	Quantity          int64           `json:"quantity"`
	AverageBuyPrice   decimal.Decimal `json:"average_buy_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	Invested          decimal.Decimal `json:"invested"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
}

// Portfolio marks a party's free holdings to market. Shares listed in open sell
// orders are out of the holding and show up in the party's open orders instead.
type Portfolio struct {
	Party             string             `json:"party"`
	Cash              decimal.Decimal    `json:"cash"`
	Reserved          decimal.Decimal    `json:"reserved"`
	HoldingsValue     decimal.Decimal    `json:"holdings_value"`
	Invested          decimal.Decimal    `json:"invested"`
	ProfitLoss        decimal.Decimal    `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal    `json:"profit_loss_percent"`
	TotalValue        decimal.Decimal    `json:"total_value"`
	Holdings          []PortfolioHolding `json:"holdings"`
}

// Portfolio values party's holdings at current prices. It reads committed snapshots
// only and takes no engine.
func (x *Exchange) Portfolio(party string) (*Portfolio, error) {
	acc, err := x.accounts.Get(party)
	if err != nil {
		return nil, err
	}
	open, err := x.ListOpenOrders(party)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		Party:         party,
		Cash:          acc.Balance,
		Reserved:      decimal.Zero,
		HoldingsValue: decimal.Zero,
		Invested:      decimal.Zero,
		Holdings:      []PortfolioHolding{},
	}
	for _, o := range open {
		if o.Side == orderbook.Buy {
			p.Reserved = p.Reserved.Add(o.ReservedAmount)
		}
	}

	for id, h := range acc.Holdings {
		inst, err := x.Instrument(id)
		if err != nil {
			return nil, err
		}
		qty := decimal.NewFromInt(h.Quantity)
		ph := PortfolioHolding{
			InstrumentID:    id,
			Ticker:          inst.Ticker,
			Name:            inst.Name,
			Quantity:        h.Quantity,
			AverageBuyPrice: h.AverageBuyPrice,
			CurrentPrice:    inst.CurrentPrice,
			CurrentValue:    inst.CurrentPrice.Mul(qty),
			Invested:        h.AverageBuyPrice.Mul(qty),
		}
		ph.ProfitLoss = ph.CurrentValue.Sub(ph.Invested)
		ph.ProfitLossPercent = percentOf(ph.ProfitLoss, ph.Invested)

		p.HoldingsValue = p.HoldingsValue.Add(ph.CurrentValue)
		p.Invested = p.Invested.Add(ph.Invested)
		p.Holdings = append(p.Holdings, ph)
	}
	sort.Slice(p.Holdings, func(i, j int) bool { return p.Holdings[i].Ticker < p.Holdings[j].Ticker })

	p.ProfitLoss = p.HoldingsValue.Sub(p.Invested)
	p.ProfitLossPercent = percentOf(p.ProfitLoss, p.Invested)
	p.TotalValue = p.Cash.Add(p.Reserved).Add(p.HoldingsValue)
	return p, nil
}

// percentOf returns part/whole as a percentage to 2 dp, zero when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
