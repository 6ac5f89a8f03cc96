// Package valuation derives an instrument's intrinsic value from engagement and the
// trading band every secondary order price must fall inside.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
)

// Band is the inclusive price range accepted for secondary orders.
type Band struct {
	Intrinsic decimal.Decimal `json:"intrinsic"`
	Min       decimal.Decimal `json:"min_price"`
	Max       decimal.Decimal `json:"max_price"`
}

// Intrinsic = max(0.01, base + upvotes×upvote_weight + comments×comment_weight).
func Intrinsic(inst *instrument.Instrument, cfg params.Valuation) decimal.Decimal {
	v := cfg.Base.
		Add(decimal.NewFromInt(inst.Upvotes).Mul(cfg.UpvoteWeight)).
		Add(decimal.NewFromInt(inst.CommentsCount).Mul(cfg.CommentWeight))
	return instrument.ClampPrice(v)
}

// TradingBand computes the band from the current intrinsic value and hype score.
// The upper edge widens with every completed trade.
func TradingBand(inst *instrument.Instrument, cfg params.Valuation) Band {
	intrinsic := Intrinsic(inst, cfg)

	lo := instrument.ClampPrice(intrinsic.Mul(cfg.MinMultiplier))
	maxMul := cfg.BaseMaxMultiplier.Add(decimal.NewFromInt(inst.TotalTrades).Mul(cfg.HypeFactor))
	hi := decimal.Max(lo, intrinsic.Mul(maxMul).Round(instrument.PriceScale))

	return Band{Intrinsic: intrinsic, Min: lo, Max: hi}
}

func (b Band) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Min) && price.LessThanOrEqual(b.Max)
}

// Check returns ErrOutOfBand when price falls outside the band.
func (b Band) Check(price decimal.Decimal) error {
	if b.Contains(price) {
		return nil
	}
	return apperr.Errorf(apperr.ErrOutOfBand,
		"price %s must be between %s and %s", price, b.Min, b.Max)
}
