package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/ipo"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/pricing"
	"github.com/uhyunpark/hypestock/pkg/app/core/settlement"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
)

type OrderRequest struct {
	InstrumentID string
	Party        string
	Side         orderbook.Side
	Quantity     int64
	// LimitPrice defaults to the instrument's current price when nil.
	LimitPrice *decimal.Decimal
}

type SubmitResult struct {
	OrderID      string               `json:"order_id,omitempty"`
	FilledQty    int64                `json:"filled_qty"`
	AvgFillPrice decimal.Decimal      `json:"avg_fill_price"`
	RestingOrder *orderbook.Order     `json:"resting_order,omitempty"`
	Status       settlement.TxnStatus `json:"status"`
	Refunded     decimal.Decimal      `json:"refunded"`
	// CancelledQty is the remainder dropped because matching stopped at the inspect cap
	// with crossing orders still on the book.
	CancelledQty int64              `json:"cancelled_qty,omitempty"`
	Price        decimal.Decimal    `json:"price"`
	Primary      bool               `json:"primary"`
	Trades       []settlement.Trade `json:"trades,omitempty"`
}

// SubmitOrder validates and executes one order. While the instrument's offering is
// active, buys fill at the offering price and sells are refused; afterwards orders go
// to the book. The whole effect commits atomically or fails with nothing applied.
func (x *Exchange) SubmitOrder(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	if !req.Side.Valid() {
		return nil, apperr.Errorf(apperr.ErrInvalidArgument, "side must be buy or sell, got %q", req.Side)
	}
	if req.Quantity <= 0 {
		return nil, apperr.Errorf(apperr.ErrInvalidQuantity, "quantity must be positive: %d", req.Quantity)
	}
	if req.LimitPrice != nil {
		if err := validPrice(*req.LimitPrice); err != nil {
			return nil, err
		}
	}
	e, err := x.engine(req.InstrumentID)
	if err != nil {
		return nil, err
	}
	if !x.accounts.Exists(req.Party) {
		return nil, apperr.Errorf(apperr.ErrNotFound, "party %s not found", req.Party)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	now := x.clock.Now()
	inst := e.snapshot()
	ipo.Settle(inst, now)

	var res *SubmitResult
	switch {
	case ipo.IsActive(inst, now) && req.Side == orderbook.Buy:
		res, err = x.primaryBuy(e, inst, req, now)
	case ipo.IsActive(inst, now):
		return nil, apperr.Errorf(apperr.ErrPrimaryOfferingSellDisabled,
			"$%s offering runs until %s", inst.Ticker, inst.IPOEndAt.Format(time.RFC3339))
	case req.Side == orderbook.Buy:
		res, err = x.secondaryBuy(e, inst, req, now)
	default:
		res, err = x.secondarySell(e, inst, req, now)
	}
	if err != nil {
		x.log.Info("order_rejected",
			zap.String("instrument_id", req.InstrumentID),
			zap.String("party", req.Party),
			zap.String("side", string(req.Side)),
			zap.Int64("qty", req.Quantity),
			zap.Error(err))
		return nil, err
	}

	x.log.Info("order_submitted",
		zap.String("instrument_id", req.InstrumentID),
		zap.String("order_id", res.OrderID),
		zap.String("party", req.Party),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity),
		zap.Int64("filled", res.FilledQty),
		zap.String("status", string(res.Status)),
		zap.Bool("primary", res.Primary))
	return res, nil
}

func (x *Exchange) primaryBuy(e *engine, inst *instrument.Instrument, req OrderRequest, now time.Time) (*SubmitResult, error) {
	if req.LimitPrice != nil && req.LimitPrice.LessThan(inst.IPOPrice) {
		return nil, apperr.Errorf(apperr.ErrInvalidPrice,
			"offering price is %s, limit %s is below it", inst.IPOPrice, *req.LimitPrice)
	}

	tx := x.accounts.Begin()
	fill, err := ipo.Buy(tx, inst, req.Party, req.Quantity, now)
	if err != nil {
		return nil, err
	}

	inst.TotalTrades++
	pricing.RecordVolume(inst, fill.Quantity, now)
	inst.UpdatedAt = now

	trade := settlement.Trade{
		ID:           uuid.NewString(),
		InstrumentID: inst.ID,
		Kind:         settlement.KindIPO,
		TakerSide:    orderbook.Buy,
		Buyer:        req.Party,
		Seller:       inst.CreatorID,
		Price:        fill.Price,
		Quantity:     fill.Quantity,
		Fees:         settlement.Split(fill.Total, params.Fees{}),
		At:           now,
	}
	txn := settlement.Transaction{
		ID:            uuid.NewString(),
		Party:         req.Party,
		InstrumentID:  inst.ID,
		Kind:          settlement.KindIPO,
		Side:          orderbook.Buy,
		Quantity:      fill.Quantity,
		PricePerShare: fill.Price,
		TotalValue:    fill.Total,
		FeeTotal:      decimal.Zero,
		FeeBurned:     decimal.Zero,
		FeeToCreator:  decimal.Zero,
		FeeToTreasury: decimal.Zero,
		Status:        settlement.TxnCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	u := &unit{inst: inst, txns: []settlement.Transaction{txn}, trades: []settlement.Trade{trade}}
	if !fill.CreatorPaid {
		u.recons = append(u.recons, settlement.ReconciliationFailure{
			ID:           uuid.NewString(),
			InstrumentID: inst.ID,
			TradeID:      trade.ID,
			Party:        inst.CreatorID,
			Kind:         settlement.ReconIPOProceeds,
			Amount:       fill.Total,
			Reason:       "creator account does not resolve",
			At:           now,
		})
	}

	if err := x.accounts.Commit(tx, u.write); err != nil {
		return nil, err
	}
	e.swap(inst)
	x.audit(u)
	x.publishInstrument(e, nil)

	return &SubmitResult{
		FilledQty:    fill.Quantity,
		AvgFillPrice: fill.Price,
		Status:       settlement.TxnCompleted,
		Refunded:     decimal.Zero,
		Price:        inst.CurrentPrice,
		Primary:      true,
		Trades:       u.trades,
	}, nil
}

// execution accumulates the per-match effects of one secondary submission.
type execution struct {
	order    *orderbook.Order
	makers   []*orderbook.Order
	u        *unit
	filled   int64
	notional decimal.Decimal
	refunded decimal.Decimal
	last     decimal.Decimal
	capped   bool
}

func (x *Exchange) newOrder(inst *instrument.Instrument, req OrderRequest, price decimal.Decimal, now time.Time) *orderbook.Order {
	o := &orderbook.Order{
		ID:                uuid.NewString(),
		Party:             req.Party,
		InstrumentID:      inst.ID,
		Side:              req.Side,
		Status:            orderbook.StatusOpen,
		Price:             price,
		QuantityTotal:     req.Quantity,
		QuantityRemaining: req.Quantity,
		ReservedAmount:    decimal.Zero,
		Seq:               x.nextSeq(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if o.Side == orderbook.Buy {
		o.ReservedAmount = o.ReserveFor(req.Quantity)
	}
	return o
}

func (x *Exchange) limitPrice(inst *instrument.Instrument, req OrderRequest) (decimal.Decimal, error) {
	price := inst.CurrentPrice
	if req.LimitPrice != nil {
		price = *req.LimitPrice
	}
	band := valuation.TradingBand(inst, x.cfg.Valuation)
	if err := band.Check(price); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// settleMatches stages every planned match on tx and updates order copies in ex.
func (x *Exchange) settleMatches(tx *account.Tx, inst *instrument.Instrument, ex *execution, plan []orderbook.Match, now time.Time) error {
	for _, m := range plan {
		maker := m.Maker.Clone()

		f := settlement.Fill{
			InstrumentID: inst.ID,
			CreatorID:    inst.CreatorID,
			TakerSide:    ex.order.Side,
			Price:        m.Price,
			Quantity:     m.Qty,
			At:           now,
		}
		buy, sell := ex.order, maker
		if ex.order.Side == orderbook.Sell {
			buy, sell = maker, ex.order
		}
		f.Buyer, f.BuyOrderID, f.BidPrice = buy.Party, buy.ID, buy.Price
		f.Seller, f.SellOrderID = sell.Party, sell.ID

		res, err := settlement.Settle(tx, f, x.cfg.Fees)
		if err != nil {
			return err
		}

		buy.ReservedAmount = buy.ReservedAmount.Sub(res.Released)
		for _, o := range []*orderbook.Order{ex.order, maker} {
			o.QuantityRemaining -= m.Qty
			o.UpdatedAt = now
			if o.QuantityRemaining == 0 {
				o.Status = orderbook.StatusFilled
			}
		}
		if maker.Status == orderbook.StatusFilled && maker.TxnID != "" {
			ex.u.txns = append(ex.u.txns, settlement.OrderRecord(maker, settlement.TxnCompleted, now))
		}

		ex.makers = append(ex.makers, maker)
		ex.u.trades = append(ex.u.trades, res.Trade)
		ex.u.txns = append(ex.u.txns, res.BuyerTxn, res.SellerTxn)
		if res.Recon != nil {
			ex.u.recons = append(ex.u.recons, *res.Recon)
		}

		ex.filled += m.Qty
		ex.notional = ex.notional.Add(m.Price.Mul(decimal.NewFromInt(m.Qty)))
		ex.refunded = ex.refunded.Add(res.Refund)
		ex.last = m.Price
	}
	return nil
}

// secondaryBuy escrows the full notional, walks asks ≤ bid and rests any remainder.
func (x *Exchange) secondaryBuy(e *engine, inst *instrument.Instrument, req OrderRequest, now time.Time) (*SubmitResult, error) {
	price, err := x.limitPrice(inst, req)
	if err != nil {
		return nil, err
	}

	order := x.newOrder(inst, req, price, now)
	tx := x.accounts.Begin()
	if err := tx.Debit(req.Party, order.ReservedAmount); err != nil {
		return nil, err
	}

	depthBefore := e.book.Depth(orderbook.Sell)
	plan, capped := e.book.MatchBuy(price, req.Quantity, x.cfg.Matching.MaxInspect)

	ex := &execution{order: order, u: &unit{inst: inst}, notional: decimal.Zero, refunded: decimal.Zero, capped: capped}
	if err := x.settleMatches(tx, inst, ex, plan, now); err != nil {
		return nil, err
	}
	if err := x.dropRemainder(tx, inst, ex); err != nil {
		return nil, err
	}

	var move *pricing.Move
	if ex.filled > 0 {
		inst.TotalTrades++
		next := pricing.TradePrice(pricing.TradeImpact{
			BasePrice:   ex.last,
			Matched:     ex.filled,
			DepthBefore: depthBefore,
		}, inst, x.cfg.Impact)
		mv := pricing.Apply(inst, next, ex.filled, now)
		move = &mv
	}

	return x.finish(e, tx, ex, move, now)
}

// secondarySell escrows the shares, walks bids ≥ ask and rests any remainder. A fill moves
// the price from the last fill; a resting remainder then adds supply pressure.
func (x *Exchange) secondarySell(e *engine, inst *instrument.Instrument, req OrderRequest, now time.Time) (*SubmitResult, error) {
	price, err := x.limitPrice(inst, req)
	if err != nil {
		return nil, err
	}

	order := x.newOrder(inst, req, price, now)
	tx := x.accounts.Begin()
	if err := tx.DecrementHolding(req.Party, inst.ID, req.Quantity); err != nil {
		return nil, err
	}

	supplyBefore := e.book.Depth(orderbook.Sell)
	plan, capped := e.book.MatchSell(price, req.Quantity, x.cfg.Matching.MaxInspect)

	ex := &execution{order: order, u: &unit{inst: inst}, notional: decimal.Zero, refunded: decimal.Zero, capped: capped}
	if err := x.settleMatches(tx, inst, ex, plan, now); err != nil {
		return nil, err
	}
	if err := x.dropRemainder(tx, inst, ex); err != nil {
		return nil, err
	}

	var move *pricing.Move
	if ex.filled > 0 {
		inst.TotalTrades++
		next := pricing.TradePrice(pricing.TradeImpact{BasePrice: ex.last}, inst, x.cfg.Impact)
		mv := pricing.Apply(inst, next, ex.filled, now)
		move = &mv
	}
	if order.QuantityRemaining > 0 && !order.IsTerminal() {
		next := pricing.TradePrice(pricing.TradeImpact{
			BasePrice:    inst.CurrentPrice,
			SupplyAdded:  order.QuantityRemaining,
			SupplyBefore: supplyBefore,
		}, inst, x.cfg.Impact)
		mv := pricing.Apply(inst, next, 0, now)
		if move != nil {
			mv = move.Then(mv)
		}
		move = &mv
	}

	return x.finish(e, tx, ex, move, now)
}

// dropRemainder cancels the unfilled part of a capped taker instead of resting it at a
// crossing price, returning its escrow or shares on the same tx.
func (x *Exchange) dropRemainder(tx *account.Tx, inst *instrument.Instrument, ex *execution) error {
	o := ex.order
	if !ex.capped || o.QuantityRemaining == 0 {
		return nil
	}
	switch o.Side {
	case orderbook.Buy:
		if o.ReservedAmount.IsPositive() {
			if err := tx.Credit(o.Party, o.ReservedAmount); err != nil {
				return err
			}
		}
		o.ReservedAmount = decimal.Zero
	case orderbook.Sell:
		if err := tx.RestoreHolding(o.Party, inst.ID, o.QuantityRemaining, inst.CurrentPrice); err != nil {
			return err
		}
	}
	o.Status = orderbook.StatusCancelled
	x.log.Warn("taker_remainder_cancelled",
		zap.String("order_id", o.ID),
		zap.String("instrument_id", inst.ID),
		zap.Int64("filled", o.Filled()),
		zap.Int64("cancelled", o.QuantityRemaining),
		zap.Int("max_inspect", x.cfg.Matching.MaxInspect))
	return nil
}

// finish persists the taker, makers, records and instrument in one commit, then
// applies the book changes and publishes.
func (x *Exchange) finish(e *engine, tx *account.Tx, ex *execution, move *pricing.Move, now time.Time) (*SubmitResult, error) {
	order := ex.order
	resting := order.QuantityRemaining > 0 && !order.IsTerminal()
	if resting {
		order.TxnID = uuid.NewString()
		ex.u.txns = append(ex.u.txns, settlement.OrderRecord(order, settlement.TxnPending, now))
	}
	ex.u.orders = append(ex.u.orders, order)
	ex.u.orders = append(ex.u.orders, ex.makers...)

	if err := x.accounts.Commit(tx, ex.u.write); err != nil {
		return nil, err
	}

	e.swap(ex.u.inst)
	for _, m := range ex.makers {
		if err := e.book.Update(m); err != nil {
			x.log.Error("book_update_failed", zap.String("order_id", m.ID), zap.Error(err))
		}
	}
	res := &SubmitResult{
		OrderID:      order.ID,
		FilledQty:    ex.filled,
		AvgFillPrice: decimal.Zero,
		Status:       settlement.TxnCompleted,
		Refunded:     ex.refunded,
		Price:        ex.u.inst.CurrentPrice,
		Trades:       ex.u.trades,
	}
	if ex.filled > 0 {
		res.AvgFillPrice = ex.notional.Div(decimal.NewFromInt(ex.filled)).Round(instrument.PriceScale)
	}
	if order.Status == orderbook.StatusCancelled {
		res.CancelledQty = order.QuantityRemaining
	}
	if resting {
		if err := e.book.Rest(order); err != nil {
			x.log.Error("book_rest_failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		res.RestingOrder = order.Clone()
		res.Status = settlement.TxnPending
	}

	x.audit(ex.u)
	x.publishInstrument(e, move)
	return res, nil
}

func (x *Exchange) publishInstrument(e *engine, move *pricing.Move) {
	inst := e.snapshot()
	if move != nil {
		x.pub.Publish(Event{Type: EventPrice, InstrumentID: inst.ID, Data: PriceUpdate{Instrument: inst.View(), Move: *move}})
	}
	x.pub.Publish(Event{Type: EventOrderBook, InstrumentID: inst.ID, Data: Depth{
		InstrumentID: inst.ID,
		Bids:         e.book.GetBidLevels(),
		Asks:         e.book.GetAskLevels(),
	}})
}

// PriceUpdate is the payload of a price event.
type PriceUpdate struct {
	Instrument instrument.View `json:"instrument"`
	Move       pricing.Move    `json:"move"`
}
