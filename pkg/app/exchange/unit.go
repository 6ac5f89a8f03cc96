package exchange

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/settlement"
	"github.com/uhyunpark/hypestock/pkg/storage"
)

// unit collects the non-ledger records of one operation. They are written into the same
// Pebble batch as the ledger changes, so they commit together or not at all.
type unit struct {
	inst   *instrument.Instrument
	orders []*orderbook.Order
	txns   []settlement.Transaction
	trades []settlement.Trade
	recons []settlement.ReconciliationFailure
}

func (u *unit) write(b *storage.Batch) error {
	if u.inst != nil {
		if err := b.Put(storage.InstrumentKey(u.inst.ID), u.inst); err != nil {
			return err
		}
	}
	for _, o := range u.orders {
		if err := b.Put(storage.OrderKey(o.Party, o.ID), o); err != nil {
			return err
		}
		ref := OrderRef{Party: o.Party, InstrumentID: o.InstrumentID}
		if err := b.Put(storage.OrderIndexKey(o.ID), ref); err != nil {
			return err
		}
	}
	for _, txn := range u.txns {
		if err := b.Put(storage.TxnKey(txn.Party, txn.CreatedAt, txn.ID), txn); err != nil {
			return err
		}
	}
	for _, tr := range u.trades {
		if err := b.Put(storage.TradeKey(tr.InstrumentID, tr.At, tr.ID), tr); err != nil {
			return err
		}
	}
	for _, rf := range u.recons {
		if err := b.Put(storage.ReconKey(rf.At, rf.ID), rf); err != nil {
			return err
		}
	}
	return nil
}

// audit runs after a successful commit: journal, logs and push events.
func (x *Exchange) audit(u *unit) {
	for _, tr := range u.trades {
		x.journal.Append("fill", tr)
		x.log.Info("fill_settled",
			zap.String("trade_id", tr.ID),
			zap.String("instrument_id", tr.InstrumentID),
			zap.String("kind", string(tr.Kind)),
			zap.String("buyer", tr.Buyer),
			zap.String("seller", tr.Seller),
			zap.String("price", tr.Price.String()),
			zap.Int64("qty", tr.Quantity),
			zap.String("fee_total", tr.Fees.Total.String()))
		x.pub.Publish(Event{Type: EventTrade, InstrumentID: tr.InstrumentID, Data: tr})
	}
	for _, rf := range u.recons {
		x.journal.Append("reconciliation_failure", rf)
		x.log.Warn("reconciliation_failure",
			zap.String("id", rf.ID),
			zap.String("kind", rf.Kind),
			zap.String("party", rf.Party),
			zap.String("amount", rf.Amount.String()),
			zap.String("trade_id", rf.TradeID),
			zap.String("reason", rf.Reason))
	}
}
