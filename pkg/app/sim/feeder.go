// Package sim drives simulated traders against the exchange for demos and load testing.
package sim

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/engagement"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
	"github.com/uhyunpark/hypestock/pkg/app/exchange"
)

// Market is the slice of the exchange the feeder trades against.
type Market interface {
	Instruments() []*instrument.Instrument
	GetTradingBand(instrumentID string) (valuation.Band, error)
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.SubmitResult, error)
	CancelOrder(ctx context.Context, party, orderID string) (*orderbook.Order, error)
	ApplyEngagement(ctx context.Context, instrumentID, party string, action engagement.Action, content string) (*exchange.EngagementResult, error)
	ListOpenOrders(party string) ([]*orderbook.Order, error)
}

type Funder interface {
	Exists(party string) bool
	Deposit(party string, amount decimal.Decimal) error
}

// Stats counts what the feeder did. Rejections are expected: traders quote blindly.
type Stats struct {
	Orders     int
	Fills      int64
	Cancels    int
	Engagement int
	Rejected   int
}

type Feeder struct {
	cfg    params.Sim
	market Market
	funds  Funder
	gen    *Generator
	log    *zap.Logger
	stats  Stats
}

func NewFeeder(cfg params.Sim, market Market, funds Funder, log *zap.Logger) *Feeder {
	return &Feeder{
		cfg:    cfg,
		market: market,
		funds:  funds,
		gen:    NewGenerator(cfg.Traders, cfg.Seed),
		log:    log,
	}
}

// Fund opens and credits every trader that does not exist yet.
func (f *Feeder) Fund() error {
	for _, t := range f.gen.Traders() {
		if f.funds.Exists(t) {
			continue
		}
		if err := f.funds.Deposit(t, f.cfg.StartingBalance); err != nil {
			return err
		}
	}
	return nil
}

// Step generates and executes one action. It returns ctx errors and system failures only.
func (f *Feeder) Step(ctx context.Context) error {
	insts := f.market.Instruments()
	if len(insts) == 0 {
		return nil
	}
	inst := insts[f.gen.Pick(len(insts))]
	band, err := f.market.GetTradingBand(inst.ID)
	if err != nil {
		return f.outcome(err)
	}

	a := f.gen.Next(inst, band)
	switch a.Kind {
	case ActOrder:
		f.stats.Orders++
		res, err := f.market.SubmitOrder(ctx, exchange.OrderRequest{
			InstrumentID: a.InstrumentID,
			Party:        a.Party,
			Side:         a.Side,
			Quantity:     a.Quantity,
			LimitPrice:   a.Price,
		})
		if err != nil {
			return f.outcome(err)
		}
		f.stats.Fills += res.FilledQty

	case ActCancel:
		open, err := f.market.ListOpenOrders(a.Party)
		if err != nil {
			return f.outcome(err)
		}
		if len(open) == 0 {
			return nil
		}
		f.stats.Cancels++
		if _, err := f.market.CancelOrder(ctx, a.Party, open[f.gen.Pick(len(open))].ID); err != nil {
			return f.outcome(err)
		}

	case ActEngage:
		f.stats.Engagement++
		if _, err := f.market.ApplyEngagement(ctx, a.InstrumentID, a.Party, a.Engagement, a.Comment); err != nil {
			return f.outcome(err)
		}
	}
	return nil
}

func (f *Feeder) outcome(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, apperr.ErrSystem) {
		return err
	}
	f.stats.Rejected++
	return nil
}

func (f *Feeder) Stats() Stats { return f.stats }

// Run executes BatchSize steps every Interval until ctx is done.
func (f *Feeder) Run(ctx context.Context) error {
	if err := f.Fund(); err != nil {
		return err
	}
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.log.Info("sim_started",
		zap.Int("traders", f.cfg.Traders),
		zap.Int("batch", f.cfg.BatchSize),
		zap.Duration("interval", f.cfg.Interval))

	lastReport := time.Now()
	for {
		select {
		case <-ctx.Done():
			f.log.Info("sim_stopped", zap.Any("stats", f.stats))
			return nil
		case <-ticker.C:
			for i := 0; i < f.cfg.BatchSize; i++ {
				if err := f.Step(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			if time.Since(lastReport) >= 10*time.Second {
				f.log.Info("sim_stats",
					zap.Int("orders", f.stats.Orders),
					zap.Int64("filled_qty", f.stats.Fills),
					zap.Int("cancels", f.stats.Cancels),
					zap.Int("engagement", f.stats.Engagement),
					zap.Int("rejected", f.stats.Rejected))
				lastReport = time.Now()
			}
		}
	}
}
