package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/ipo"
)

type CreateRequest struct {
	Ticker       string
	Name         string
	CreatorID    string
	InitialPrice decimal.Decimal
	TotalShares  int64

	// Optional offering overrides; nil uses the configured defaults. The percent is
	// clamped to [0, 1].
	IPOPercent  *decimal.Decimal
	IPODuration *time.Duration
}

// CreateInstrument lists a new instrument and opens its primary offering. The creator
// receives the non-offered supply as a holding at the initial price; when the creator
// does not resolve, the whole supply is offered.
func (x *Exchange) CreateInstrument(ctx context.Context, req CreateRequest) (*instrument.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticker := instrument.NormalizeTicker(req.Ticker)
	if ticker == "" {
		return nil, apperr.Errorf(apperr.ErrInvalidArgument, "ticker required")
	}
	if req.TotalShares <= 0 {
		return nil, apperr.Errorf(apperr.ErrInvalidQuantity, "total shares must be positive: %d", req.TotalShares)
	}
	if err := validPrice(req.InitialPrice); err != nil {
		return nil, err
	}
	offering := x.cfg.IPO
	if req.IPOPercent != nil {
		offering.Percent = decimal.Min(decimal.NewFromInt(1), decimal.Max(decimal.Zero, *req.IPOPercent))
	}
	if req.IPODuration != nil {
		if *req.IPODuration < 0 {
			return nil, apperr.Errorf(apperr.ErrInvalidArgument, "offering duration must not be negative: %s", *req.IPODuration)
		}
		offering.Duration = *req.IPODuration
	}

	id := uuid.NewString()
	if err := x.registry.Reserve(id, ticker); err != nil {
		return nil, err
	}

	now := x.clock.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = ticker
	}
	inst := instrument.New(id, ticker, name, req.CreatorID, req.InitialPrice, req.TotalShares, now)

	creatorExists := req.CreatorID != "" && x.accounts.Exists(req.CreatorID)
	alloc := ipo.Allocate(req.TotalShares, offering.Percent, creatorExists)
	ipo.Open(inst, alloc, offering, now)

	tx := x.accounts.Begin()
	if alloc.Creator > 0 {
		if err := tx.UpsertHolding(req.CreatorID, id, alloc.Creator, req.InitialPrice); err != nil {
			x.registry.Release(id)
			return nil, err
		}
	}
	u := &unit{inst: inst}
	if err := x.accounts.Commit(tx, u.write); err != nil {
		x.registry.Release(id)
		return nil, err
	}

	x.mu.Lock()
	x.engines[id] = newEngine(inst.Clone())
	x.mu.Unlock()

	x.log.Info("instrument_created",
		zap.String("instrument_id", id),
		zap.String("ticker", ticker),
		zap.String("creator", req.CreatorID),
		zap.String("price", req.InitialPrice.String()),
		zap.Int64("ipo_shares", alloc.Offering),
		zap.Int64("creator_shares", alloc.Creator),
		zap.Duration("ipo_duration", offering.Duration))
	return inst, nil
}
