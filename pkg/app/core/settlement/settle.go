// Package settlement splits fees and stages the ledger effects of each fill.
package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
)

// Fill is one secondary execution between a bid and an ask.
type Fill struct {
	InstrumentID string
	CreatorID    string
	TakerSide    orderbook.Side

	Buyer       string
	BuyOrderID  string
	Seller      string
	SellOrderID string

	// BidPrice is the buyer's limit; the escrow was taken at this price.
	BidPrice decimal.Decimal
	Price    decimal.Decimal
	Quantity int64
	At       time.Time
}

// Result carries everything a fill produced. Recon is set when the creator fee could not be paid.
type Result struct {
	Fees Breakdown
	// Refund is the price improvement returned to the buyer: (bid − fill) × qty.
	Refund decimal.Decimal
	// Released is the escrow consumed from the bid: bid × qty.
	Released decimal.Decimal

	Trade     Trade
	BuyerTxn  Transaction
	SellerTxn Transaction
	Recon     *ReconciliationFailure
}

// Settle stages one fill onto tx: buyer refund and holding, seller payout, creator fee,
// treasury share and burn. The buyer's notional is already escrowed and the seller's
// shares already removed from their holding; Settle only moves proceeds.
func Settle(tx *account.Tx, f Fill, fees params.Fees) (Result, error) {
	qty := decimal.NewFromInt(f.Quantity)
	gross := f.Price.Mul(qty)
	bd := Split(gross, fees)

	res := Result{
		Fees:     bd,
		Refund:   f.BidPrice.Sub(f.Price).Mul(qty),
		Released: f.BidPrice.Mul(qty),
	}

	if res.Refund.IsPositive() {
		if err := tx.Credit(f.Buyer, res.Refund); err != nil {
			return Result{}, err
		}
	}
	if err := tx.UpsertHolding(f.Buyer, f.InstrumentID, f.Quantity, f.Price); err != nil {
		return Result{}, err
	}
	if err := tx.Credit(f.Seller, bd.PayoutNet); err != nil {
		return Result{}, err
	}

	tradeID := uuid.NewString()
	if bd.Creator.IsPositive() {
		if f.CreatorID != "" && tx.Exists(f.CreatorID) {
			if err := tx.Credit(f.CreatorID, bd.Creator); err != nil {
				return Result{}, err
			}
		} else {
			res.Recon = &ReconciliationFailure{
				ID:           uuid.NewString(),
				InstrumentID: f.InstrumentID,
				TradeID:      tradeID,
				Party:        f.CreatorID,
				Kind:         ReconCreatorFee,
				Amount:       bd.Creator,
				Reason:       "creator account does not resolve",
				At:           f.At,
			}
		}
	}
	if err := tx.CreditTreasury(bd.Treasury); err != nil {
		return Result{}, err
	}
	if err := tx.RecordBurn(bd.Burn); err != nil {
		return Result{}, err
	}

	res.Trade = Trade{
		ID:           tradeID,
		InstrumentID: f.InstrumentID,
		Kind:         KindSecondary,
		TakerSide:    f.TakerSide,
		BuyOrderID:   f.BuyOrderID,
		SellOrderID:  f.SellOrderID,
		Buyer:        f.Buyer,
		Seller:       f.Seller,
		Price:        f.Price,
		Quantity:     f.Quantity,
		Fees:         bd,
		At:           f.At,
	}
	res.BuyerTxn = completed(f, orderbook.Buy, f.Buyer, f.BuyOrderID, bd)
	res.SellerTxn = completed(f, orderbook.Sell, f.Seller, f.SellOrderID, bd)
	return res, nil
}

func completed(f Fill, side orderbook.Side, party, orderID string, bd Breakdown) Transaction {
	txn := Transaction{
		ID:            uuid.NewString(),
		Party:         party,
		InstrumentID:  f.InstrumentID,
		OrderID:       orderID,
		Kind:          KindSecondary,
		Side:          side,
		Quantity:      f.Quantity,
		PricePerShare: f.Price,
		TotalValue:    bd.Gross,
		FeeTotal:      decimal.Zero,
		FeeBurned:     decimal.Zero,
		FeeToCreator:  decimal.Zero,
		FeeToTreasury: decimal.Zero,
		Status:        TxnCompleted,
		CreatedAt:     f.At,
		UpdatedAt:     f.At,
	}
	// fees come out of the seller's proceeds
	if side == orderbook.Sell {
		txn.TotalValue = bd.PayoutNet
		txn.FeeTotal = bd.Total
		txn.FeeBurned = bd.Burn
		txn.FeeToCreator = bd.Creator
		txn.FeeToTreasury = bd.Treasury
	}
	return txn
}

// OrderRecord builds the transaction that tracks a resting order. Its id is o.TxnID
// and its key time o.CreatedAt, so every status change overwrites the same record.
func OrderRecord(o *orderbook.Order, status TxnStatus, now time.Time) Transaction {
	return Transaction{
		ID:            o.TxnID,
		Party:         o.Party,
		InstrumentID:  o.InstrumentID,
		OrderID:       o.ID,
		Kind:          KindSecondary,
		Side:          o.Side,
		Quantity:      o.QuantityTotal,
		PricePerShare: o.Price,
		TotalValue:    o.Price.Mul(decimal.NewFromInt(o.QuantityTotal)),
		FeeTotal:      decimal.Zero,
		FeeBurned:     decimal.Zero,
		FeeToCreator:  decimal.Zero,
		FeeToTreasury: decimal.Zero,
		Status:        status,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     now,
	}
}
