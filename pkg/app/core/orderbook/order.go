package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// Order is a secondary-market limit order. While open:
//   - a buy order's ReservedAmount == Price × QuantityRemaining
//   - a sell order's QuantityRemaining shares are out of the seller's free holding
type Order struct {
	ID           string `json:"id"`
	Party        string `json:"party"`
	InstrumentID string `json:"instrument_id"`
	Side         Side   `json:"side"`
	Status       Status `json:"status"`

	Price             decimal.Decimal `json:"price"`
	QuantityTotal     int64           `json:"quantity_total"`
	QuantityRemaining int64           `json:"quantity_remaining"`
	ReservedAmount    decimal.Decimal `json:"reserved_amount"`

	// Seq orders submissions within one exchange; equal prices fill lowest Seq first.
	Seq uint64 `json:"seq"`

	// TxnID links the pending transaction record kept while the order rests.
	TxnID string `json:"txn_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

func (o *Order) Filled() int64 {
	return o.QuantityTotal - o.QuantityRemaining
}

// ReserveFor returns the escrow a buy order must hold for qty shares.
func (o *Order) ReserveFor(qty int64) decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(qty))
}

// Tick is the integer book key of a 4-dp price.
func Tick(price decimal.Decimal) int64 {
	return price.Shift(4).IntPart()
}
