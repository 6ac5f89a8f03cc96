package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
)

type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnCancelled TxnStatus = "cancelled"
)

type TxnKind string

const (
	KindIPO       TxnKind = "ipo"
	KindSecondary TxnKind = "secondary"
)

// Transaction is a party-facing record: one per side of a fill, plus a pending record
// while an order rests.
type Transaction struct {
	ID            string          `json:"id"`
	Party         string          `json:"party"`
	InstrumentID  string          `json:"instrument_id"`
	OrderID       string          `json:"order_id,omitempty"`
	Kind          TxnKind         `json:"kind"`
	Side          orderbook.Side  `json:"side"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	TotalValue    decimal.Decimal `json:"total_value"`

	FeeTotal      decimal.Decimal `json:"fee_total"`
	FeeBurned     decimal.Decimal `json:"fee_burned"`
	FeeToCreator  decimal.Decimal `json:"fee_to_creator"`
	FeeToTreasury decimal.Decimal `json:"fee_to_treasury"`

	Status    TxnStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is the instrument-facing record of one execution.
type Trade struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Kind         TxnKind         `json:"kind"`
	TakerSide    orderbook.Side  `json:"taker_side"`
	BuyOrderID   string          `json:"buy_order_id,omitempty"`
	SellOrderID  string          `json:"sell_order_id,omitempty"`
	Buyer        string          `json:"buyer"`
	Seller       string          `json:"seller"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity"`
	Fees         Breakdown       `json:"fees"`
	At           time.Time       `json:"at"`
}

// ReconciliationFailure records a low-criticality payout that could not be made.
// The trade that caused it stands; the amount is owed to Party.
type ReconciliationFailure struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	TradeID      string          `json:"trade_id"`
	Party        string          `json:"party"`
	Kind         string          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason"`
	At           time.Time       `json:"at"`
}

const (
	ReconCreatorFee  = "creator_fee"
	ReconIPOProceeds = "ipo_proceeds"
)
