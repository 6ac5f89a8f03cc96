package account

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
)

type opKind int8

const (
	opCredit opKind = iota
	opDebit
	opAddShares
	opRemoveShares
	opRestoreShares
	opTreasury
	opBurn
)

type op struct {
	kind       opKind
	party      string
	instrument string
	amount     decimal.Decimal
	qty        int64
	price      decimal.Decimal
}

// Tx stages ledger and portfolio changes for one unit of work. Reads see the staged
// state; nothing is visible to other callers until Manager.Commit succeeds.
// A Tx is not safe for concurrent use.
type Tx struct {
	m        *Manager
	ops      []op
	view     map[string]*Account
	treasury Treasury
	loaded   bool
}

// Begin opens an empty transaction against the manager's current state.
func (m *Manager) Begin() *Tx {
	return &Tx{m: m, view: make(map[string]*Account)}
}

func (tx *Tx) account(party string) (*Account, error) {
	if acc, ok := tx.view[party]; ok {
		return acc, nil
	}
	acc, err := tx.m.snapshot(party)
	if err != nil {
		return nil, err
	}
	tx.view[party] = acc
	return acc, nil
}

// Exists reports whether party resolves to an account.
func (tx *Tx) Exists(party string) bool {
	_, err := tx.account(party)
	return err == nil
}

func (tx *Tx) Balance(party string) (decimal.Decimal, error) {
	acc, err := tx.account(party)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// Holding returns a copy of the staged holding and whether it exists.
func (tx *Tx) Holding(party, instrumentID string) (Holding, bool, error) {
	acc, err := tx.account(party)
	if err != nil {
		return Holding{}, false, err
	}
	h := acc.Holding(instrumentID)
	if h == nil {
		return Holding{}, false, nil
	}
	return *h, true, nil
}

func (tx *Tx) Credit(party string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opCredit, party: party, amount: amount})
}

// Debit fails with ErrInsufficientFunds if the staged balance cannot cover amount.
func (tx *Tx) Debit(party string, amount decimal.Decimal) error {
	return tx.stage(op{kind: opDebit, party: party, amount: amount})
}

// UpsertHolding adds qty at price, creating the holding or re-averaging its cost.
func (tx *Tx) UpsertHolding(party, instrumentID string, qty int64, price decimal.Decimal) error {
	return tx.stage(op{kind: opAddShares, party: party, instrument: instrumentID, qty: qty, price: price})
}

// DecrementHolding fails with ErrInsufficientShares if the free quantity is below qty.
func (tx *Tx) DecrementHolding(party, instrumentID string, qty int64) error {
	return tx.stage(op{kind: opRemoveShares, party: party, instrument: instrumentID, qty: qty})
}

// RestoreHolding returns escrowed shares. The existing average cost is kept; a missing
// holding is recreated at fallbackPrice.
func (tx *Tx) RestoreHolding(party, instrumentID string, qty int64, fallbackPrice decimal.Decimal) error {
	return tx.stage(op{kind: opRestoreShares, party: party, instrument: instrumentID, qty: qty, price: fallbackPrice})
}

// CreditTreasury adds the protocol fee share.
func (tx *Tx) CreditTreasury(amount decimal.Decimal) error {
	return tx.stage(op{kind: opTreasury, amount: amount})
}

// RecordBurn records fees removed from circulation.
func (tx *Tx) RecordBurn(amount decimal.Decimal) error {
	return tx.stage(op{kind: opBurn, amount: amount})
}

func (tx *Tx) stage(o op) error {
	if o.amount.IsNegative() {
		return apperr.Errorf(apperr.ErrInvalidQuantity, "negative amount %s", o.amount)
	}
	if o.kind == opTreasury || o.kind == opBurn {
		if !tx.loaded {
			tx.treasury = tx.m.Treasury()
			tx.loaded = true
		}
		applyTreasury(&tx.treasury, o)
		tx.ops = append(tx.ops, o)
		return nil
	}

	acc, err := tx.account(o.party)
	if err != nil {
		return err
	}
	if err := applyOp(acc, o); err != nil {
		return err
	}
	tx.ops = append(tx.ops, o)
	return nil
}

func applyTreasury(t *Treasury, o op) {
	switch o.kind {
	case opTreasury:
		t.Balance = t.Balance.Add(o.amount)
	case opBurn:
		t.Burned = t.Burned.Add(o.amount)
	}
}

// applyOp mutates acc in place. On error acc is unchanged.
func applyOp(acc *Account, o op) error {
	switch o.kind {
	case opCredit:
		acc.Balance = acc.Balance.Add(o.amount)

	case opDebit:
		if acc.Balance.LessThan(o.amount) {
			return apperr.Errorf(apperr.ErrInsufficientFunds,
				"%s has %s, needs %s", acc.Party, acc.Balance, o.amount)
		}
		acc.Balance = acc.Balance.Sub(o.amount)

	case opAddShares:
		if o.qty <= 0 {
			return apperr.Errorf(apperr.ErrInvalidQuantity, "holding increment must be positive: %d", o.qty)
		}
		acc.addShares(o.instrument, o.qty, o.price)

	case opRemoveShares:
		if o.qty <= 0 {
			return apperr.Errorf(apperr.ErrInvalidQuantity, "holding decrement must be positive: %d", o.qty)
		}
		h := acc.Holdings[o.instrument]
		if h == nil || h.Quantity < o.qty {
			have := int64(0)
			if h != nil {
				have = h.Quantity
			}
			return apperr.Errorf(apperr.ErrInsufficientShares,
				"%s holds %d of %s, needs %d", acc.Party, have, o.instrument, o.qty)
		}
		h.Quantity -= o.qty
		if h.Quantity == 0 {
			delete(acc.Holdings, o.instrument)
		}

	case opRestoreShares:
		if o.qty <= 0 {
			return apperr.Errorf(apperr.ErrInvalidQuantity, "holding restore must be positive: %d", o.qty)
		}
		if h := acc.Holdings[o.instrument]; h != nil {
			h.Quantity += o.qty
		} else {
			acc.Holdings[o.instrument] = &Holding{
				InstrumentID:    o.instrument,
				Quantity:        o.qty,
				AverageBuyPrice: o.price,
			}
		}
	}
	return nil
}
