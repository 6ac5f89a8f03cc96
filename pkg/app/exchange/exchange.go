// Package exchange owns one engine per instrument and exposes the market operations.
// All mutations of an instrument (orders, cancels, engagement) run one at a time on its
// engine; different instruments proceed in parallel and meet only in the account ledger.
package exchange

import (
	"cmp"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/settlement"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
	"github.com/uhyunpark/hypestock/pkg/storage"
	"github.com/uhyunpark/hypestock/pkg/util"
)

// engine is the single writer for one instrument.
type engine struct {
	// sem is a one-slot semaphore; holding it grants exclusive mutation rights.
	sem chan struct{}

	mu   sync.RWMutex
	inst *instrument.Instrument // committed state, replaced wholesale after each commit

	book *orderbook.OrderBook
}

func newEngine(inst *instrument.Instrument) *engine {
	return &engine{
		sem:  make(chan struct{}, 1),
		inst: inst,
		book: orderbook.NewOrderBook(),
	}
}

func (e *engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) release() { <-e.sem }

func (e *engine) snapshot() *instrument.Instrument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inst.Clone()
}

func (e *engine) swap(inst *instrument.Instrument) {
	e.mu.Lock()
	e.inst = inst
	e.mu.Unlock()
}

// OrderRef is the owner index stored under oid:{orderID}.
type OrderRef struct {
	Party        string `json:"party"`
	InstrumentID string `json:"instrument_id"`
}

type Exchange struct {
	cfg      params.Config
	accounts *account.Manager
	store    *storage.Store
	journal  storage.Journal
	pub      Publisher
	clock    util.Clock
	log      *zap.Logger

	registry *instrument.Registry

	mu      sync.RWMutex
	engines map[string]*engine

	seq atomic.Uint64
}

type Option func(*Exchange)

func WithClock(c util.Clock) Option        { return func(x *Exchange) { x.clock = c } }
func WithLogger(l *zap.Logger) Option      { return func(x *Exchange) { x.log = l } }
func WithJournal(j storage.Journal) Option { return func(x *Exchange) { x.journal = j } }
func WithPublisher(p Publisher) Option     { return func(x *Exchange) { x.pub = p } }

func New(cfg params.Config, accounts *account.Manager, store *storage.Store, opts ...Option) *Exchange {
	x := &Exchange{
		cfg:      cfg,
		accounts: accounts,
		store:    store,
		journal:  storage.NewNopJournal(),
		pub:      nopPublisher{},
		clock:    util.RealClock{},
		log:      zap.NewNop(),
		registry: instrument.NewRegistry(),
		engines:  make(map[string]*engine),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// SetPublisher replaces the event sink. Call before serving traffic.
func (x *Exchange) SetPublisher(p Publisher) { x.pub = p }

func (x *Exchange) engine(instrumentID string) (*engine, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.engines[instrumentID]
	if !ok {
		return nil, apperr.Errorf(apperr.ErrNotFound, "instrument %s not found", instrumentID)
	}
	return e, nil
}

func (x *Exchange) nextSeq() uint64 { return x.seq.Add(1) }

// Recover rebuilds engines and books from the store. Run once at startup, before traffic.
func (x *Exchange) Recover(ctx context.Context) error {
	if err := x.accounts.Load(); err != nil {
		return err
	}

	var insts []*instrument.Instrument
	err := x.store.Scan(storage.InstrumentPrefix(), func(_, v []byte) error {
		var inst instrument.Instrument
		if err := storage.Decode(v, &inst); err != nil {
			return err
		}
		inst.Normalize()
		insts = append(insts, &inst)
		return nil
	})
	if err != nil {
		return apperr.System("load instruments", err)
	}

	x.mu.Lock()
	for _, inst := range insts {
		if err := x.registry.Reserve(inst.ID, inst.Ticker); err != nil {
			x.mu.Unlock()
			return apperr.System("index instrument", err)
		}
		x.engines[inst.ID] = newEngine(inst)
	}
	x.mu.Unlock()

	var open []*orderbook.Order
	var maxSeq uint64
	err = x.store.Scan(storage.AllOrdersPrefix(), func(_, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var o orderbook.Order
		if err := storage.Decode(v, &o); err != nil {
			return err
		}
		maxSeq = max(maxSeq, o.Seq)
		if !o.IsTerminal() && o.QuantityRemaining > 0 {
			open = append(open, &o)
		}
		return nil
	})
	if err != nil {
		return apperr.System("load orders", err)
	}

	// resting order within a level is FIFO by submission
	sort.Slice(open, func(i, j int) bool { return open[i].Seq < open[j].Seq })
	for _, o := range open {
		e, err := x.engine(o.InstrumentID)
		if err != nil {
			x.log.Warn("orphan_order_skipped", zap.String("order_id", o.ID), zap.String("instrument_id", o.InstrumentID))
			continue
		}
		if err := e.book.Rest(o); err != nil {
			return apperr.System("rest order", err)
		}
	}
	x.seq.Store(maxSeq)

	x.log.Info("exchange_recovered",
		zap.Int("instruments", len(insts)),
		zap.Int("open_orders", len(open)),
		zap.Uint64("seq", maxSeq))
	return nil
}

// Instrument returns a snapshot of one instrument.
func (x *Exchange) Instrument(instrumentID string) (*instrument.Instrument, error) {
	e, err := x.engine(instrumentID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// InstrumentByTicker resolves a ticker (case-insensitive, optional '$').
func (x *Exchange) InstrumentByTicker(ticker string) (*instrument.Instrument, error) {
	id, err := x.registry.Lookup(ticker)
	if err != nil {
		return nil, err
	}
	return x.Instrument(id)
}

// Instruments returns snapshots of every instrument ordered by creation time.
func (x *Exchange) Instruments() []*instrument.Instrument {
	x.mu.RLock()
	out := make([]*instrument.Instrument, 0, len(x.engines))
	for _, e := range x.engines {
		out = append(out, e.snapshot())
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SortKey orders instrument listings. Every key sorts descending.
type SortKey string

const (
	SortNewest      SortKey = "newest"
	SortMarketCap   SortKey = "market_cap"
	SortVolume      SortKey = "volume"
	SortPriceChange SortKey = "price_change"
	SortPrice       SortKey = "price"
	SortUpvotes     SortKey = "upvotes"
	SortHype        SortKey = "hype"
)

// Ranked returns up to limit instruments ordered by key, ties broken newest first.
// A non-positive limit returns all of them.
func (x *Exchange) Ranked(key SortKey, limit int) ([]*instrument.Instrument, error) {
	var greater func(a, b *instrument.Instrument) int
	switch key {
	case SortNewest, "":
		greater = func(a, b *instrument.Instrument) int { return 0 }
	case SortMarketCap:
		greater = func(a, b *instrument.Instrument) int { return a.MarketCap.Cmp(b.MarketCap) }
	case SortVolume:
		greater = func(a, b *instrument.Instrument) int { return cmp.Compare(a.Volume24h, b.Volume24h) }
	case SortPriceChange:
		greater = func(a, b *instrument.Instrument) int { return a.PriceChangePercent24h.Cmp(b.PriceChangePercent24h) }
	case SortPrice:
		greater = func(a, b *instrument.Instrument) int { return a.CurrentPrice.Cmp(b.CurrentPrice) }
	case SortUpvotes:
		greater = func(a, b *instrument.Instrument) int { return cmp.Compare(a.Upvotes, b.Upvotes) }
	case SortHype:
		greater = func(a, b *instrument.Instrument) int { return cmp.Compare(a.TotalTrades, b.TotalTrades) }
	default:
		return nil, apperr.Errorf(apperr.ErrInvalidArgument, "unknown sort %q", key)
	}

	out := x.Instruments()
	sort.SliceStable(out, func(i, j int) bool {
		if c := greater(out[i], out[j]); c != 0 {
			return c > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trending is the most traded instruments of the last 24h.
func (x *Exchange) Trending(limit int) []*instrument.Instrument {
	out, _ := x.Ranked(SortVolume, limit)
	return out
}

// GetTradingBand returns the intrinsic value and the band secondary prices must fall in.
func (x *Exchange) GetTradingBand(instrumentID string) (valuation.Band, error) {
	e, err := x.engine(instrumentID)
	if err != nil {
		return valuation.Band{}, err
	}
	return valuation.TradingBand(e.snapshot(), x.cfg.Valuation), nil
}

// Depth is the aggregated book of one instrument.
type Depth struct {
	InstrumentID string                 `json:"instrument_id"`
	Bids         []orderbook.PriceLevel `json:"bids"`
	Asks         []orderbook.PriceLevel `json:"asks"`
}

func (x *Exchange) Depth(instrumentID string) (Depth, error) {
	e, err := x.engine(instrumentID)
	if err != nil {
		return Depth{}, err
	}
	return Depth{
		InstrumentID: instrumentID,
		Bids:         e.book.GetBidLevels(),
		Asks:         e.book.GetAskLevels(),
	}, nil
}

// ListOpenOrders returns party's open orders, oldest first.
func (x *Exchange) ListOpenOrders(party string) ([]*orderbook.Order, error) {
	var out []*orderbook.Order
	err := x.store.Scan(storage.OrderPrefix(party), func(_, v []byte) error {
		var o orderbook.Order
		if err := storage.Decode(v, &o); err != nil {
			return err
		}
		if o.Party == party && !o.IsTerminal() {
			out = append(out, &o)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.System("list open orders", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RecentTrades returns up to limit trades of one instrument, newest first.
func (x *Exchange) RecentTrades(instrumentID string, limit int) ([]settlement.Trade, error) {
	if _, err := x.engine(instrumentID); err != nil {
		return nil, err
	}
	var out []settlement.Trade
	err := x.store.ScanReverse(storage.TradePrefix(instrumentID), limit, func(v []byte) error {
		var tr settlement.Trade
		if err := storage.Decode(v, &tr); err != nil {
			return err
		}
		out = append(out, tr)
		return nil
	})
	if err != nil {
		return nil, apperr.System("recent trades", err)
	}
	return out, nil
}

// Transactions returns up to limit of party's transaction records, newest first.
func (x *Exchange) Transactions(party string, limit int) ([]settlement.Transaction, error) {
	var out []settlement.Transaction
	err := x.store.ScanReverse(storage.TxnPrefix(party), limit, func(v []byte) error {
		var txn settlement.Transaction
		if err := storage.Decode(v, &txn); err != nil {
			return err
		}
		if txn.Party == party {
			out = append(out, txn)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.System("list transactions", err)
	}
	return out, nil
}

// ReconciliationFailures returns up to limit recorded payout failures, newest first.
func (x *Exchange) ReconciliationFailures(limit int) ([]settlement.ReconciliationFailure, error) {
	var out []settlement.ReconciliationFailure
	err := x.store.ScanReverse(storage.ReconPrefix(), limit, func(v []byte) error {
		var rf settlement.ReconciliationFailure
		if err := storage.Decode(v, &rf); err != nil {
			return err
		}
		out = append(out, rf)
		return nil
	})
	if err != nil {
		return nil, apperr.System("list reconciliation failures", err)
	}
	return out, nil
}

// Treasury returns the accumulated protocol fees and total burned.
func (x *Exchange) Treasury() account.Treasury {
	return x.accounts.Treasury()
}

// validPrice rejects non-positive prices and prices finer than the book tick.
func validPrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return apperr.Errorf(apperr.ErrInvalidPrice, "price must be positive: %s", p)
	}
	if !p.Equal(p.Round(instrument.PriceScale)) {
		return apperr.Errorf(apperr.ErrInvalidPrice, "price %s has more than %d decimal places", p, instrument.PriceScale)
	}
	return nil
}
