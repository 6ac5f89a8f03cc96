// Package ipo runs the fixed-price primary offering that opens every instrument.
package ipo

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
)

// Allocation splits total supply between the offering and the creator.
type Allocation struct {
	Offering int64
	Creator  int64
}

// Allocate reserves floor(total×percent) shares (at least one, at most all) for the
// offering. Without a resolvable creator the whole supply goes to the offering.
func Allocate(total int64, percent decimal.Decimal, creatorExists bool) Allocation {
	offered := decimal.NewFromInt(total).Mul(percent).Floor().IntPart()
	if offered < 1 {
		offered = 1
	}
	if offered > total || !creatorExists {
		offered = total
	}
	return Allocation{Offering: offered, Creator: total - offered}
}

// Open stamps the offering fields on a freshly created instrument.
func Open(inst *instrument.Instrument, alloc Allocation, cfg params.IPO, now time.Time) {
	inst.IPOPrice = inst.CurrentPrice
	inst.IPOPercent = cfg.Percent
	inst.IPOSharesTotal = alloc.Offering
	inst.IPOSharesRemaining = alloc.Offering
	inst.IPOStartAt = now
	inst.IPOEndAt = now.Add(cfg.Duration)
}

// IsActive reports whether buys still go to the offering: the window is open and shares remain.
func IsActive(inst *instrument.Instrument, now time.Time) bool {
	return !inst.IPOClosed && now.Before(inst.IPOEndAt) && inst.IPOSharesRemaining > 0
}

// Settle latches the offering closed once it is no longer active. It reports whether
// the latch flipped on this call.
func Settle(inst *instrument.Instrument, now time.Time) bool {
	if inst.IPOClosed || IsActive(inst, now) {
		return false
	}
	inst.IPOClosed = true
	return true
}

// Fill is the result of one primary purchase.
type Fill struct {
	Quantity int64
	Price    decimal.Decimal
	Total    decimal.Decimal

	// CreatorPaid is false when the creator no longer resolves; the proceeds then
	// stay unassigned and must be recorded as a reconciliation failure.
	CreatorPaid bool
}

// Buy fills qty shares at the fixed offering price in full or not at all. Proceeds go
// directly to the creator; there is no fee and no escrow. inst must be the caller's
// working copy. On error both tx and inst must be discarded.
func Buy(tx *account.Tx, inst *instrument.Instrument, party string, qty int64, now time.Time) (Fill, error) {
	if qty <= 0 {
		return Fill{}, apperr.Errorf(apperr.ErrInvalidQuantity, "quantity must be positive: %d", qty)
	}
	if !IsActive(inst, now) {
		return Fill{}, apperr.Errorf(apperr.ErrNotFound, "no active offering for $%s", inst.Ticker)
	}
	if qty > inst.IPOSharesRemaining {
		return Fill{}, apperr.Errorf(apperr.ErrInsufficientShares,
			"only %d shares left in the offering", inst.IPOSharesRemaining)
	}

	total := inst.IPOPrice.Mul(decimal.NewFromInt(qty))
	if err := tx.Debit(party, total); err != nil {
		return Fill{}, err
	}

	fill := Fill{Quantity: qty, Price: inst.IPOPrice, Total: total}
	if inst.CreatorID != "" && tx.Exists(inst.CreatorID) {
		if err := tx.Credit(inst.CreatorID, total); err != nil {
			return Fill{}, err
		}
		fill.CreatorPaid = true
	}

	if err := tx.UpsertHolding(party, inst.ID, qty, inst.IPOPrice); err != nil {
		return Fill{}, err
	}

	inst.IPOSharesRemaining -= qty
	Settle(inst, now)
	return fill, nil
}
