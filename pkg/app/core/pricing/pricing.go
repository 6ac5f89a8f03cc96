// Package pricing moves an instrument's price. Two paths exist and stay separate:
// trade-driven (demand, supply and engagement impact applied to the last fill price)
// and engagement-driven (price reset to intrinsic value).
package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
)

const window = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// TradeImpact describes one submission's effect on the book.
type TradeImpact struct {
	// BasePrice is the price the adjustment is applied to: the last fill price, or the
	// current price for a listing that only added supply.
	BasePrice decimal.Decimal

	// Matched against DepthBefore (visible opposite-side depth before matching) drives demand.
	Matched     int64
	DepthBefore int64

	// SupplyAdded against SupplyBefore (resting ask depth before the listing) drives supply pressure.
	SupplyAdded  int64
	SupplyBefore int64
}

// DemandBoost is 0 until matched exceeds half the prior depth, then rises linearly to 1 at full depth.
func DemandBoost(matched, depthBefore int64) float64 {
	if matched <= 0 || depthBefore <= 0 {
		return 0
	}
	ratio := clamp(float64(matched)/float64(depthBefore), 0, 1)
	return math.Max(0, 2*ratio-1)
}

// SupplyPressure is the added resting supply relative to the prior depth, capped at 1.
// Adding supply to an empty side counts as full pressure.
func SupplyPressure(added, before int64) float64 {
	if added <= 0 {
		return 0
	}
	if before <= 0 {
		return 1
	}
	return clamp(float64(added)/float64(before), 0, 1)
}

// EngagementScore is net sentiment in [-1, 1]; comments count as a weighted positive signal.
func EngagementScore(inst *instrument.Instrument, commentWeight float64) float64 {
	up := float64(inst.Upvotes)
	down := float64(inst.Downvotes)
	comments := float64(inst.CommentsCount)

	denom := math.Max(1, up+down+comments)
	return clamp(((up-down)+commentWeight*comments)/denom, -1, 1)
}

// Adjustment returns the fractional price move. Each term is bounded by its factor, so
// |adj| never exceeds DemandFactor+SupplyFactor+EngagementFactor.
func Adjustment(im TradeImpact, inst *instrument.Instrument, cfg params.Impact) float64 {
	return cfg.DemandFactor*DemandBoost(im.Matched, im.DepthBefore) -
		cfg.SupplyFactor*SupplyPressure(im.SupplyAdded, im.SupplyBefore) +
		cfg.EngagementFactor*EngagementScore(inst, cfg.CommentWeight)
}

// TradePrice = max(0.01, round4(base × (1 + adj))).
func TradePrice(im TradeImpact, inst *instrument.Instrument, cfg params.Impact) decimal.Decimal {
	adj := Adjustment(im, inst, cfg)
	return instrument.ClampPrice(im.BasePrice.Mul(decimal.NewFromFloat(1 + adj)))
}

// IntrinsicPrice is the engagement-driven target: the current intrinsic value.
func IntrinsicPrice(inst *instrument.Instrument, cfg params.Valuation) decimal.Decimal {
	return valuation.Intrinsic(inst, cfg)
}

// Move is the outcome of one price update.
type Move struct {
	OldPrice     decimal.Decimal `json:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	Delta        decimal.Decimal `json:"delta"`
	DeltaPercent decimal.Decimal `json:"delta_percent"`
}

// Apply sets newPrice on inst and refreshes every derived field: previous price, 24h
// change, all-time high/low, bounded history, market cap, rolling volume and trend.
// volume is the share count traded by the update (0 for engagement repricing).
func Apply(inst *instrument.Instrument, newPrice decimal.Decimal, volume int64, now time.Time) Move {
	old := inst.CurrentPrice
	ref := reference(inst, old, now)

	inst.PreviousPrice = old
	inst.CurrentPrice = newPrice

	inst.PriceChange24h = newPrice.Sub(ref)
	inst.PriceChangePercent24h = percent(ref, newPrice)

	if newPrice.GreaterThan(inst.AllTimeHigh) {
		inst.AllTimeHigh = newPrice
	}
	if inst.AllTimeLow.IsZero() || newPrice.LessThan(inst.AllTimeLow) {
		inst.AllTimeLow = newPrice
	}

	inst.PriceHistory = append(inst.PriceHistory, instrument.PricePoint{At: now, Price: newPrice})
	if n := len(inst.PriceHistory); n > instrument.HistoryLimit {
		inst.PriceHistory = append([]instrument.PricePoint(nil), inst.PriceHistory[n-instrument.HistoryLimit:]...)
	}

	inst.MarketCap = newPrice.Mul(decimal.NewFromInt(inst.TotalShares))
	RecordVolume(inst, volume, now)
	inst.TrendStatus = Trend(inst.PriceChangePercent24h)
	inst.UpdatedAt = now

	return Move{
		OldPrice:     old,
		NewPrice:     newPrice,
		Delta:        newPrice.Sub(old),
		DeltaPercent: percent(old, newPrice),
	}
}

// RecordVolume adds qty to the rolling 24h window and drops samples older than a day.
func RecordVolume(inst *instrument.Instrument, qty int64, now time.Time) {
	cutoff := now.Add(-window)
	kept := inst.VolumeWindow[:0]
	var total int64
	for _, s := range inst.VolumeWindow {
		if s.At.After(cutoff) {
			kept = append(kept, s)
			total += s.Qty
		}
	}
	if qty > 0 {
		kept = append(kept, instrument.VolumeSample{At: now, Qty: qty})
		total += qty
	}
	inst.VolumeWindow = kept
	inst.Volume24h = total
}

// Trend classifies a 24h percent change: beyond ±10 is HOT/COLD, beyond ±5 VOLATILE.
func Trend(changePercent decimal.Decimal) instrument.TrendStatus {
	abs := changePercent.Abs()
	switch {
	case abs.GreaterThan(decimal.NewFromInt(10)):
		if changePercent.IsPositive() {
			return instrument.TrendHot
		}
		return instrument.TrendCold
	case abs.GreaterThan(decimal.NewFromInt(5)):
		return instrument.TrendVolatile
	default:
		return instrument.TrendStable
	}
}

// reference is the oldest recorded price inside the last 24h, or fallback when the
// history has nothing that recent.
func reference(inst *instrument.Instrument, fallback decimal.Decimal, now time.Time) decimal.Decimal {
	cutoff := now.Add(-window)
	for _, p := range inst.PriceHistory {
		if !p.At.Before(cutoff) {
			return p.Price
		}
	}
	return fallback
}

func percent(from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(hundred).Round(4)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Then chains a later move onto m, reporting the net change from m's starting price.
func (m Move) Then(next Move) Move {
	return Move{
		OldPrice:     m.OldPrice,
		NewPrice:     next.NewPrice,
		Delta:        next.NewPrice.Sub(m.OldPrice),
		DeltaPercent: percent(m.OldPrice, next.NewPrice),
	}
}
