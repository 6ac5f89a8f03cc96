package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/settlement"
	"github.com/uhyunpark/hypestock/pkg/storage"
)

// CancelOrder cancels party's open order. A buy releases its remaining escrow; a sell
// returns its remaining shares to the seller's holding. Filled or cancelled orders are
// left untouched and reported as ErrAlreadyTerminal.
func (x *Exchange) CancelOrder(ctx context.Context, party, orderID string) (*orderbook.Order, error) {
	var ref OrderRef
	found, err := x.store.Get(storage.OrderIndexKey(orderID), &ref)
	if err != nil {
		return nil, apperr.System("lookup order", err)
	}
	if !found {
		return nil, apperr.Errorf(apperr.ErrNotFound, "order %s not found", orderID)
	}
	if ref.Party != party {
		return nil, apperr.Errorf(apperr.ErrUnauthorized, "order %s belongs to another party", orderID)
	}

	e, err := x.engine(ref.InstrumentID)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	// re-read under the engine: a fill may have completed the order meanwhile
	var o orderbook.Order
	found, err = x.store.Get(storage.OrderKey(party, orderID), &o)
	if err != nil {
		return nil, apperr.System("load order", err)
	}
	if !found {
		return nil, apperr.Errorf(apperr.ErrNotFound, "order %s not found", orderID)
	}
	if o.IsTerminal() {
		return nil, apperr.Errorf(apperr.ErrAlreadyTerminal, "order %s is %s", orderID, o.Status)
	}

	now := x.clock.Now()
	inst := e.snapshot()
	tx := x.accounts.Begin()
	switch o.Side {
	case orderbook.Buy:
		if o.ReservedAmount.IsPositive() {
			if err := tx.Credit(party, o.ReservedAmount); err != nil {
				return nil, err
			}
		}
		o.ReservedAmount = decimal.Zero
	case orderbook.Sell:
		if o.QuantityRemaining > 0 {
			if err := tx.RestoreHolding(party, o.InstrumentID, o.QuantityRemaining, inst.CurrentPrice); err != nil {
				return nil, err
			}
		}
	}
	o.Status = orderbook.StatusCancelled
	o.UpdatedAt = now

	u := &unit{orders: []*orderbook.Order{&o}}
	if o.TxnID != "" {
		u.txns = append(u.txns, settlement.OrderRecord(&o, settlement.TxnCancelled, now))
	}
	if err := x.accounts.Commit(tx, u.write); err != nil {
		return nil, err
	}

	e.book.Remove(o.ID)
	x.journal.Append("cancel", o)
	x.log.Info("order_cancelled",
		zap.String("order_id", o.ID),
		zap.String("instrument_id", o.InstrumentID),
		zap.String("party", party),
		zap.String("side", string(o.Side)),
		zap.Int64("filled", o.Filled()),
		zap.Int64("remaining", o.QuantityRemaining))
	x.publishInstrument(e, nil)
	return o.Clone(), nil
}
