package api

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/engagement"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints and WebSocket messages.
// Party identity arrives in the X-Party-ID header, never in bodies.

// ==============================
// REST Request Types
// ==============================

type CreateInstrumentRequest struct {
	Ticker       string          `json:"ticker"`
	Name         string          `json:"name"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	TotalShares  int64           `json:"total_shares"`

	IPOPercent         *decimal.Decimal `json:"ipo_percent,omitempty"`
	IPODurationMinutes *int64           `json:"ipo_duration_minutes,omitempty"`
}

// SubmitOrderRequest omits price to trade at the current market price.
type SubmitOrderRequest struct {
	InstrumentID string           `json:"instrument_id"`
	Side         orderbook.Side   `json:"side"`
	Quantity     int64            `json:"quantity"`
	Price        *decimal.Decimal `json:"price,omitempty"`
}

type EngagementRequest struct {
	Action  engagement.Action `json:"action"`
	Content string            `json:"content,omitempty"`
}

type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

type HoldingInfo struct {
	InstrumentID    string          `json:"instrument_id"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

// AccountInfo is a party's cash balance and portfolio.
type AccountInfo struct {
	Party    string          `json:"party"`
	Balance  decimal.Decimal `json:"balance"`
	Reserved decimal.Decimal `json:"reserved"` // escrowed by open buy orders
	Holdings []HoldingInfo   `json:"holdings"`
}

func accountInfo(acc *account.Account, open []*orderbook.Order) AccountInfo {
	info := AccountInfo{Party: acc.Party, Balance: acc.Balance, Reserved: decimal.Zero, Holdings: []HoldingInfo{}}
	for _, o := range open {
		if o.Side == orderbook.Buy {
			info.Reserved = info.Reserved.Add(o.ReservedAmount)
		}
	}
	for _, h := range acc.Holdings {
		info.Holdings = append(info.Holdings, HoldingInfo{
			InstrumentID:    h.InstrumentID,
			Quantity:        h.Quantity,
			AverageBuyPrice: h.AverageBuyPrice,
		})
	}
	sort.Slice(info.Holdings, func(i, j int) bool {
		return info.Holdings[i].InstrumentID < info.Holdings[j].InstrumentID
	})
	return info
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest subscribes to channels such as "price", "trade:<instrument id>"
// or "orderbook:<instrument id>". A bare type receives every instrument.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
