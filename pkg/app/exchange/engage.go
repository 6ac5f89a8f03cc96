package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/engagement"
	"github.com/uhyunpark/hypestock/pkg/app/core/pricing"
)

type EngagementResult struct {
	Action       engagement.Action `json:"action"`
	Active       bool              `json:"active"`
	NewPrice     decimal.Decimal   `json:"new_price"`
	Delta        decimal.Decimal   `json:"delta"`
	DeltaPercent decimal.Decimal   `json:"delta_percent"`
}

// ApplyEngagement records a vote, comment or report. Upvotes and comments move the
// price to the new intrinsic value; downvotes and reports only update counters.
func (x *Exchange) ApplyEngagement(ctx context.Context, instrumentID, party string, action engagement.Action, content string) (*EngagementResult, error) {
	e, err := x.engine(instrumentID)
	if err != nil {
		return nil, err
	}
	if !x.accounts.Exists(party) {
		return nil, apperr.Errorf(apperr.ErrNotFound, "party %s not found", party)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	now := x.clock.Now()
	inst := e.snapshot()
	out, err := engagement.Apply(inst, party, action, content)
	if err != nil {
		return nil, err
	}

	res := &EngagementResult{
		Action:       action,
		Active:       out.Active,
		NewPrice:     inst.CurrentPrice,
		Delta:        decimal.Zero,
		DeltaPercent: decimal.Zero,
	}
	if !out.Changed {
		return res, nil
	}

	var move *pricing.Move
	if out.Reprice {
		mv := pricing.Apply(inst, pricing.IntrinsicPrice(inst, x.cfg.Valuation), 0, now)
		move = &mv
		res.NewPrice, res.Delta, res.DeltaPercent = mv.NewPrice, mv.Delta, mv.DeltaPercent
	} else {
		inst.UpdatedAt = now
	}

	u := &unit{inst: inst}
	if err := x.accounts.Commit(x.accounts.Begin(), u.write); err != nil {
		return nil, err
	}
	e.swap(inst)

	x.log.Info("engagement_applied",
		zap.String("instrument_id", instrumentID),
		zap.String("party", party),
		zap.String("action", string(action)),
		zap.Bool("active", out.Active),
		zap.String("price", res.NewPrice.String()))
	if move != nil {
		x.pub.Publish(Event{Type: EventPrice, InstrumentID: instrumentID, Data: PriceUpdate{Instrument: e.snapshot().View(), Move: *move}})
	}
	return res, nil
}
