package account

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a party's cash balance plus the shares it holds per instrument.
type Account struct {
	Party   string          `json:"party"`
	Balance decimal.Decimal `json:"balance"`

	// instrumentID → holding; a holding is removed when its quantity reaches zero
	Holdings map[string]*Holding `json:"holdings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Holding is the free (not escrowed) quantity of one instrument owned by a party.
type Holding struct {
	InstrumentID    string          `json:"instrument_id"`
	Quantity        int64           `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
}

func NewAccount(party string, now time.Time) *Account {
	return &Account{
		Party:     party,
		Balance:   decimal.Zero,
		Holdings:  make(map[string]*Holding),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone deep-copies the account including every holding.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Holdings = make(map[string]*Holding, len(a.Holdings))
	for id, h := range a.Holdings {
		hc := *h
		cp.Holdings[id] = &hc
	}
	return &cp
}

// Holding returns the holding for instrumentID, or nil.
func (a *Account) Holding(instrumentID string) *Holding {
	return a.Holdings[instrumentID]
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Balance.IsNegative() {
		return fmt.Errorf("negative balance for %s: %s", a.Party, a.Balance)
	}
	for id, h := range a.Holdings {
		if h.InstrumentID != id {
			return fmt.Errorf("holding instrument mismatch: map key=%s, holding=%s", id, h.InstrumentID)
		}
		if h.Quantity <= 0 {
			return fmt.Errorf("non-positive holding for %s in %s: %d", a.Party, id, h.Quantity)
		}
	}
	return nil
}

// addShares merges qty at price into the holding using a quantity-weighted average cost.
func (a *Account) addShares(instrumentID string, qty int64, price decimal.Decimal) {
	h, ok := a.Holdings[instrumentID]
	if !ok {
		a.Holdings[instrumentID] = &Holding{
			InstrumentID:    instrumentID,
			Quantity:        qty,
			AverageBuyPrice: price,
		}
		return
	}

	oldCost := h.AverageBuyPrice.Mul(decimal.NewFromInt(h.Quantity))
	newCost := price.Mul(decimal.NewFromInt(qty))
	h.Quantity += qty
	h.AverageBuyPrice = oldCost.Add(newCost).Div(decimal.NewFromInt(h.Quantity)).Round(4)
}

// Treasury accumulates the protocol share of fees. Burned fees are recorded, never paid out.
type Treasury struct {
	Balance decimal.Decimal `json:"balance"`
	Burned  decimal.Decimal `json:"burned"`
}
