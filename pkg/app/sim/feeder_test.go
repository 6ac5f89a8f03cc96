package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/valuation"
	"github.com/uhyunpark/hypestock/pkg/app/exchange"
	"github.com/uhyunpark/hypestock/pkg/storage"
	"github.com/uhyunpark/hypestock/pkg/util"
)

func TestGeneratorQuotesInsideBand(t *testing.T) {
	g := NewGenerator(5, 42)
	inst := instrument.New("i1", "MEME", "Meme", "c", decimal.NewFromInt(10), 1000, time.Now())
	band := valuation.TradingBand(inst, params.Default().Valuation)

	for i := 0; i < 2000; i++ {
		a := g.Next(inst, band)
		assert.Equal(t, "i1", a.InstrumentID)
		assert.Contains(t, g.Traders(), a.Party)
		if a.Kind != ActOrder {
			continue
		}
		assert.True(t, a.Side.Valid())
		assert.Positive(t, a.Quantity)
		if a.Price != nil {
			assert.True(t, band.Contains(*a.Price), "price %s", a.Price)
			assert.True(t, a.Price.Equal(a.Price.Round(instrument.PriceScale)))
		}
	}
}

func TestFeederTradesAgainstExchange(t *testing.T) {
	store, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := util.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := params.Default()
	accounts := account.NewManager(store, clock, zap.NewNop())
	x := exchange.New(cfg, accounts, store, exchange.WithClock(clock))

	require.NoError(t, accounts.Deposit("creator", decimal.NewFromInt(100)))
	_, err = x.CreateInstrument(context.Background(), exchange.CreateRequest{
		Ticker: "SIM", CreatorID: "creator", InitialPrice: decimal.NewFromInt(10), TotalShares: 10000,
	})
	require.NoError(t, err)

	cfg.Sim.Traders = 10
	f := NewFeeder(cfg.Sim, x, accounts, zap.NewNop())
	require.NoError(t, f.Fund())
	require.NoError(t, f.Fund(), "funding twice is a no-op")
	assert.Equal(t, 11, accounts.Count())

	// buy into the offering, then trade on the book
	for i := 0; i < 200; i++ {
		require.NoError(t, f.Step(context.Background()))
	}
	clock.Advance(2 * time.Hour)
	for i := 0; i < 500; i++ {
		require.NoError(t, f.Step(context.Background()))
	}

	st := f.Stats()
	assert.Positive(t, st.Orders)
	assert.Positive(t, st.Fills)

	trades, err := x.RecentTrades(x.Instruments()[0].ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, trades)
}
