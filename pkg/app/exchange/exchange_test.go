package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/engagement"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
	"github.com/uhyunpark/hypestock/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypestock/pkg/app/core/settlement"
	"github.com/uhyunpark/hypestock/pkg/storage"
	"github.com/uhyunpark/hypestock/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	x        *Exchange
	accounts *account.Manager
	store    *storage.Store
	clock    *util.ManualClock
	pub      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, params.Default())
}

func newFixtureWith(t *testing.T, cfg params.Config) *fixture {
	t.Helper()
	store, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := util.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	accounts := account.NewManager(store, clock, zap.NewNop())
	pub := &recorder{}
	x := New(cfg, accounts, store, WithClock(clock), WithPublisher(pub))
	return &fixture{x: x, accounts: accounts, store: store, clock: clock, pub: pub}
}

func (f *fixture) deposit(t *testing.T, party, amount string) {
	t.Helper()
	require.NoError(t, f.accounts.Deposit(party, d(amount)))
}

func (f *fixture) balance(t *testing.T, party string) decimal.Decimal {
	t.Helper()
	acc, err := f.accounts.Get(party)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) shares(t *testing.T, party, instrumentID string) int64 {
	t.Helper()
	acc, err := f.accounts.Get(party)
	require.NoError(t, err)
	if h := acc.Holding(instrumentID); h != nil {
		return h.Quantity
	}
	return 0
}

// listing creates $MEME at 10.00 with 1000 shares: 200 offered, 800 to the creator.
func (f *fixture) listing(t *testing.T, creator string) *instrument.Instrument {
	t.Helper()
	inst, err := f.x.CreateInstrument(context.Background(), CreateRequest{
		Ticker:       "$meme",
		Name:         "Meme",
		CreatorID:    creator,
		InitialPrice: d("10"),
		TotalShares:  1000,
	})
	require.NoError(t, err)
	return inst
}

func (f *fixture) closeOffering() { f.clock.Advance(61 * time.Minute) }

func (f *fixture) submit(t *testing.T, instID, party string, side orderbook.Side, qty int64, price string) (*SubmitResult, error) {
	t.Helper()
	req := OrderRequest{InstrumentID: instID, Party: party, Side: side, Quantity: qty}
	if price != "" {
		req.LimitPrice = dp(price)
	}
	return f.x.SubmitOrder(context.Background(), req)
}

func TestCreateInstrumentAllocatesOffering(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")

	inst := f.listing(t, "creator")
	assert.Equal(t, "MEME", inst.Ticker)
	assert.EqualValues(t, 200, inst.IPOSharesTotal)
	assert.EqualValues(t, 200, inst.IPOSharesRemaining)
	assert.True(t, inst.IPOPrice.Equal(d("10")))
	assert.EqualValues(t, 800, f.shares(t, "creator", inst.ID))

	byTicker, err := f.x.InstrumentByTicker("meme")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byTicker.ID)

	_, err = f.x.CreateInstrument(context.Background(), CreateRequest{
		Ticker: "MEME", CreatorID: "creator", InitialPrice: d("1"), TotalShares: 10,
	})
	assert.ErrorIs(t, err, apperr.ErrDuplicate)
}

func TestCreateInstrumentWithoutCreatorOffersEverything(t *testing.T) {
	f := newFixture(t)
	inst := f.listing(t, "ghost")
	assert.EqualValues(t, 1000, inst.IPOSharesTotal)
}

func TestCreateInstrumentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.x.CreateInstrument(ctx, CreateRequest{Ticker: " ", InitialPrice: d("1"), TotalShares: 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.x.CreateInstrument(ctx, CreateRequest{Ticker: "A", InitialPrice: d("1"), TotalShares: 0})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)
	_, err = f.x.CreateInstrument(ctx, CreateRequest{Ticker: "A", InitialPrice: d("1.00001"), TotalShares: 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidPrice)
}

func TestPrimaryOffering(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "alice", "3000")
	inst := f.listing(t, "creator")

	res, err := f.submit(t, inst.ID, "alice", orderbook.Buy, 50, "")
	require.NoError(t, err)
	assert.True(t, res.Primary)
	assert.EqualValues(t, 50, res.FilledQty)
	assert.Equal(t, settlement.TxnCompleted, res.Status)

	assert.True(t, f.balance(t, "alice").Equal(d("2500")))
	assert.True(t, f.balance(t, "creator").Equal(d("1500")))
	assert.EqualValues(t, 50, f.shares(t, "alice", inst.ID))

	after, err := f.x.Instrument(inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 150, after.IPOSharesRemaining)
	assert.True(t, after.CurrentPrice.Equal(d("10")), "offering fills do not move the price")
	assert.EqualValues(t, 50, after.Volume24h)

	_, err = f.submit(t, inst.ID, "alice", orderbook.Sell, 10, "")
	assert.ErrorIs(t, err, apperr.ErrPrimaryOfferingSellDisabled)

	_, err = f.submit(t, inst.ID, "alice", orderbook.Buy, 151, "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientShares)

	_, err = f.submit(t, inst.ID, "alice", orderbook.Buy, 10, "9.99")
	assert.ErrorIs(t, err, apperr.ErrInvalidPrice)

	// nothing from the rejected attempts leaked
	assert.True(t, f.balance(t, "alice").Equal(d("2500")))

	trades, err := f.x.RecentTrades(inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, settlement.KindIPO, trades[0].Kind)
	assert.Equal(t, "creator", trades[0].Seller)
}

func TestPrimaryOfferingClosesForGood(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "alice", "5000")
	inst := f.listing(t, "creator")

	prev := int64(200)
	for _, qty := range []int64{60, 40, 100} {
		_, err := f.submit(t, inst.ID, "alice", orderbook.Buy, qty, "")
		require.NoError(t, err)
		cur, err := f.x.Instrument(inst.ID)
		require.NoError(t, err)
		assert.Less(t, cur.IPOSharesRemaining, prev)
		prev = cur.IPOSharesRemaining
	}

	cur, err := f.x.Instrument(inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur.IPOSharesRemaining)
	assert.True(t, cur.IPOClosed)

	// the next buy goes to the book
	res, err := f.submit(t, inst.ID, "alice", orderbook.Buy, 5, "")
	require.NoError(t, err)
	assert.False(t, res.Primary)
	assert.Equal(t, settlement.TxnPending, res.Status)
	require.NotNil(t, res.RestingOrder)
}

func TestOfferingWithMissingCreatorRecordsReconciliation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "100")
	inst := f.listing(t, "ghost")

	_, err := f.submit(t, inst.ID, "alice", orderbook.Buy, 3, "")
	require.NoError(t, err)

	fails, err := f.x.ReconciliationFailures(10)
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, settlement.ReconIPOProceeds, fails[0].Kind)
	assert.True(t, fails[0].Amount.Equal(d("30")))
}

func TestTradingBand(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	band, err := f.x.GetTradingBand(inst.ID)
	require.NoError(t, err)
	assert.True(t, band.Min.Equal(d("5")))
	assert.True(t, band.Max.Equal(d("20")))

	_, err = f.submit(t, inst.ID, "creator", orderbook.Sell, 10, "25")
	assert.ErrorIs(t, err, apperr.ErrOutOfBand)
	assert.EqualValues(t, 800, f.shares(t, "creator", inst.ID))

	res, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 10, "15")
	require.NoError(t, err)
	assert.Equal(t, settlement.TxnPending, res.Status)
	assert.EqualValues(t, 790, f.shares(t, "creator", inst.ID))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	inst := f.listing(t, "creator")

	_, err := f.submit(t, inst.ID, "creator", orderbook.Buy, 0, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)
	_, err = f.submit(t, inst.ID, "creator", orderbook.Side("hold"), 1, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.submit(t, inst.ID, "nobody", orderbook.Buy, 1, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.submit(t, "missing", "creator", orderbook.Buy, 1, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.submit(t, inst.ID, "creator", orderbook.Buy, 1, "-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidPrice)
}

// crossing places a resting ask of 5 @ 8.00 from the creator and a bid of 10 @ 9.00 from bob.
func crossing(t *testing.T, f *fixture) (*instrument.Instrument, *SubmitResult, *SubmitResult) {
	t.Helper()
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	ask, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 5, "8")
	require.NoError(t, err)
	require.NotNil(t, ask.RestingOrder)

	bid, err := f.submit(t, inst.ID, "bob", orderbook.Buy, 10, "9")
	require.NoError(t, err)
	return inst, ask, bid
}

func TestBuyCrossesRestingAsk(t *testing.T) {
	f := newFixture(t)
	inst, ask, bid := crossing(t, f)

	assert.EqualValues(t, 5, bid.FilledQty)
	assert.True(t, bid.AvgFillPrice.Equal(d("8")))
	assert.True(t, bid.Refunded.Equal(d("5")))
	assert.Equal(t, settlement.TxnPending, bid.Status)
	require.NotNil(t, bid.RestingOrder)
	assert.EqualValues(t, 5, bid.RestingOrder.QuantityRemaining)

	// reserved == price × remaining for the resting bid
	assert.True(t, bid.RestingOrder.ReservedAmount.Equal(d("45")))
	assert.True(t, f.balance(t, "bob").Equal(d("915")))
	assert.EqualValues(t, 5, f.shares(t, "bob", inst.ID))

	// seller: 40 gross, 0.12 fee of which 0.06 burned, 0.012 back as creator fee
	assert.True(t, f.balance(t, "creator").Equal(d("1039.892")))
	tr := f.x.Treasury()
	assert.True(t, tr.Balance.Equal(d("0.048")))
	assert.True(t, tr.Burned.Equal(d("0.06")))

	depth, err := f.x.Depth(inst.ID)
	require.NoError(t, err)
	assert.Empty(t, depth.Asks)
	require.Len(t, depth.Bids, 1)
	assert.EqualValues(t, 5, depth.Bids[0].Qty)

	open, err := f.x.ListOpenOrders("creator")
	require.NoError(t, err)
	assert.Empty(t, open, "the ask %s is filled", ask.OrderID)

	cur, err := f.x.Instrument(inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.TotalTrades)
	assert.EqualValues(t, 5, cur.Volume24h)
	assert.True(t, bid.Price.Equal(cur.CurrentPrice))

	txns, err := f.x.Transactions("bob", 10)
	require.NoError(t, err)
	var pending, completed int
	for _, txn := range txns {
		switch txn.Status {
		case settlement.TxnPending:
			pending++
		case settlement.TxnCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, completed)

	assert.Positive(t, f.pub.count(EventTrade))
	assert.Positive(t, f.pub.count(EventPrice))
	assert.Positive(t, f.pub.count(EventOrderBook))
}

func TestPriceImprovementRefund(t *testing.T) {
	cfg := params.Default()
	cfg.Valuation.Base = d("2") // band (1, 4)
	f := newFixtureWith(t, cfg)
	f.deposit(t, "creator", "100")
	f.deposit(t, "bob", "100")

	inst, err := f.x.CreateInstrument(context.Background(), CreateRequest{
		Ticker: "PENNY", CreatorID: "creator", InitialPrice: d("2"), TotalShares: 100,
	})
	require.NoError(t, err)
	f.closeOffering()

	_, err = f.submit(t, inst.ID, "creator", orderbook.Sell, 5, "1.50")
	require.NoError(t, err)

	res, err := f.submit(t, inst.ID, "bob", orderbook.Buy, 10, "2.00")
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.FilledQty)
	assert.True(t, res.AvgFillPrice.Equal(d("1.5")))
	assert.True(t, res.Refunded.Equal(d("2.5")))
	assert.Equal(t, settlement.TxnPending, res.Status)
	require.NotNil(t, res.RestingOrder)
	assert.EqualValues(t, 5, res.RestingOrder.QuantityRemaining)
	assert.True(t, res.RestingOrder.Price.Equal(d("2")))
	assert.True(t, res.RestingOrder.ReservedAmount.Equal(d("10")))
	// 100 - 20 escrowed + 2.50 refund
	assert.True(t, f.balance(t, "bob").Equal(d("82.5")))
}

func TestSellCrossesRestingBid(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	_, err := f.submit(t, inst.ID, "bob", orderbook.Buy, 10, "9")
	require.NoError(t, err)
	assert.True(t, f.balance(t, "bob").Equal(d("910")))

	res, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 4, "8")
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.FilledQty)
	assert.True(t, res.AvgFillPrice.Equal(d("9")), "fills at the resting bid's price")
	assert.Equal(t, settlement.TxnCompleted, res.Status)
	assert.True(t, res.Refunded.IsZero())

	open, err := f.x.ListOpenOrders("bob")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.EqualValues(t, 6, open[0].QuantityRemaining)
	assert.True(t, open[0].ReservedAmount.Equal(d("54")))
	assert.EqualValues(t, 4, f.shares(t, "bob", inst.ID))
}

func TestCancelBuyRefundsEscrow(t *testing.T) {
	f := newFixture(t)
	_, _, bid := crossing(t, f)
	ctx := context.Background()

	_, err := f.x.CancelOrder(ctx, "creator", bid.OrderID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	o, err := f.x.CancelOrder(ctx, "bob", bid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, o.Status)
	assert.True(t, o.ReservedAmount.IsZero())
	assert.True(t, f.balance(t, "bob").Equal(d("960")))

	_, err = f.x.CancelOrder(ctx, "bob", bid.OrderID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
	assert.True(t, f.balance(t, "bob").Equal(d("960")))

	_, err = f.x.CancelOrder(ctx, "bob", "no-such-order")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	depth, err := f.x.Depth(bid.RestingOrder.InstrumentID)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
}

func TestCancelFilledOrderIsTerminal(t *testing.T) {
	f := newFixture(t)
	_, ask, _ := crossing(t, f)

	before := f.balance(t, "creator")
	_, err := f.x.CancelOrder(context.Background(), "creator", ask.OrderID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
	assert.True(t, f.balance(t, "creator").Equal(before))
}

func TestCancelSellRestoresShares(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	res, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 800, "12")
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.shares(t, "creator", inst.ID))

	_, err = f.x.CancelOrder(context.Background(), "creator", res.OrderID)
	require.NoError(t, err)
	assert.EqualValues(t, 800, f.shares(t, "creator", inst.ID))
}

func TestSellWithoutSharesRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	_, err := f.submit(t, inst.ID, "bob", orderbook.Sell, 1, "10")
	assert.ErrorIs(t, err, apperr.ErrInsufficientShares)

	_, err = f.submit(t, inst.ID, "bob", orderbook.Buy, 200, "10")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.True(t, f.balance(t, "bob").Equal(d("1000")))
}

func TestEngagementMovesPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "alice", "10")
	inst := f.listing(t, "creator")
	ctx := context.Background()

	res, err := f.x.ApplyEngagement(ctx, inst.ID, "alice", engagement.Upvote, "")
	require.NoError(t, err)
	assert.True(t, res.Active)
	assert.True(t, res.NewPrice.Equal(d("10.5")))
	assert.True(t, res.DeltaPercent.Equal(d("5")))

	cur, err := f.x.Instrument(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, instrument.TrendStable, cur.TrendStatus)
	assert.EqualValues(t, 1, cur.Upvotes)

	// a report changes counters but not the price
	res, err = f.x.ApplyEngagement(ctx, inst.ID, "alice", engagement.Report, "")
	require.NoError(t, err)
	assert.True(t, res.Delta.IsZero())
	res, err = f.x.ApplyEngagement(ctx, inst.ID, "alice", engagement.Report, "")
	require.NoError(t, err)
	cur, err = f.x.Instrument(inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.ReportsCount)
	assert.True(t, cur.CurrentPrice.Equal(d("10.5")))

	_, err = f.x.ApplyEngagement(ctx, inst.ID, "alice", engagement.Comment, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidEngagement)
	_, err = f.x.ApplyEngagement(ctx, inst.ID, "nobody", engagement.Upvote, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecoverRebuildsBooks(t *testing.T) {
	f := newFixture(t)
	inst, _, bid := crossing(t, f)
	_, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 7, "12")
	require.NoError(t, err)

	want, err := f.x.Depth(inst.ID)
	require.NoError(t, err)

	accounts := account.NewManager(f.store, f.clock, zap.NewNop())
	restored := New(params.Default(), accounts, f.store, WithClock(f.clock))
	require.NoError(t, restored.Recover(context.Background()))

	got, err := restored.Depth(inst.ID)
	require.NoError(t, err)
	assertSameLevels(t, want.Bids, got.Bids)
	assertSameLevels(t, want.Asks, got.Asks)

	cur, err := restored.Instrument(inst.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.TotalTrades)

	// recovered orders still cancel and refund
	_, err = restored.CancelOrder(context.Background(), "bob", bid.OrderID)
	require.NoError(t, err)
	acc, err := accounts.Get("bob")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("960")))
}

func assertSameLevels(t *testing.T, want, got []orderbook.PriceLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price), "level %d price", i)
		assert.Equal(t, want[i].Qty, got[i].Qty)
		assert.Equal(t, want[i].Orders, got[i].Orders)
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	inst := f.listing(t, "creator")

	e, err := f.x.engine(inst.ID)
	require.NoError(t, err)
	require.NoError(t, e.acquire(context.Background()))
	defer e.release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.x.SubmitOrder(ctx, OrderRequest{InstrumentID: inst.ID, Party: "creator", Side: orderbook.Buy, Quantity: 1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// TestConcurrentTradingConservesCash runs random orders on two instruments in parallel
// and checks no money is created or lost.
func TestConcurrentTradingConservesCash(t *testing.T) {
	f := newFixture(t)
	parties := []string{"c0", "c1", "p0", "p1", "p2", "p3"}
	for _, p := range parties {
		f.deposit(t, p, "5000")
	}
	deposits := d("30000")

	var insts []*instrument.Instrument
	for i := 0; i < 2; i++ {
		inst, err := f.x.CreateInstrument(context.Background(), CreateRequest{
			Ticker:       fmt.Sprintf("T%d", i),
			CreatorID:    fmt.Sprintf("c%d", i),
			InitialPrice: d("10"),
			TotalShares:  1000,
		})
		require.NoError(t, err)
		insts = append(insts, inst)
	}
	f.closeOffering()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 60; i++ {
				inst := insts[rng.Intn(len(insts))]
				party := parties[rng.Intn(len(parties))]
				side := orderbook.Buy
				if rng.Intn(2) == 0 {
					side = orderbook.Sell
				}
				price := decimal.New(int64(600+rng.Intn(1300)), -2)
				_, _ = f.x.SubmitOrder(context.Background(), OrderRequest{
					InstrumentID: inst.ID,
					Party:        party,
					Side:         side,
					Quantity:     int64(1 + rng.Intn(20)),
					LimitPrice:   &price,
				})
			}
		}(int64(w))
	}
	wg.Wait()

	total := decimal.Zero
	for _, p := range parties {
		total = total.Add(f.balance(t, p))
		open, err := f.x.ListOpenOrders(p)
		require.NoError(t, err)
		for _, o := range open {
			if o.Side == orderbook.Buy {
				assert.True(t, o.ReservedAmount.Equal(o.Price.Mul(decimal.NewFromInt(o.QuantityRemaining))))
			}
			total = total.Add(o.ReservedAmount)
		}
	}
	tr := f.x.Treasury()
	total = total.Add(tr.Balance).Add(tr.Burned)
	assert.True(t, total.Equal(deposits), "cash drifted: %s", total)

	for _, inst := range insts {
		var held int64
		for _, p := range parties {
			held += f.shares(t, p, inst.ID)
			open, err := f.x.ListOpenOrders(p)
			require.NoError(t, err)
			for _, o := range open {
				if o.Side == orderbook.Sell && o.InstrumentID == inst.ID {
					held += o.QuantityRemaining
				}
			}
		}
		assert.EqualValues(t, 800, held, "shares drifted on %s", inst.Ticker)
	}
}

func TestPartyListingsAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "100")
	f.deposit(t, "bob:evil", "100")
	inst := f.listing(t, "creator")

	_, err := f.submit(t, inst.ID, "bob:evil", orderbook.Buy, 2, "")
	require.NoError(t, err)
	f.closeOffering()
	_, err = f.submit(t, inst.ID, "bob:evil", orderbook.Buy, 3, "9")
	require.NoError(t, err)

	open, err := f.x.ListOpenOrders("bob")
	require.NoError(t, err)
	assert.Empty(t, open)
	txns, err := f.x.Transactions("bob", 10)
	require.NoError(t, err)
	assert.Empty(t, txns)

	open, err = f.x.ListOpenOrders("bob:evil")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "bob:evil", open[0].Party)
	txns, err = f.x.Transactions("bob:evil", 10)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func cappedConfig() params.Config {
	cfg := params.Default()
	cfg.Matching.MaxInspect = 1
	return cfg
}

func TestInspectCapCancelsBuyRemainder(t *testing.T) {
	f := newFixtureWith(t, cappedConfig())
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	for i := 0; i < 2; i++ {
		_, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 5, "8")
		require.NoError(t, err)
	}

	res, err := f.submit(t, inst.ID, "bob", orderbook.Buy, 10, "9")
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.FilledQty)
	assert.EqualValues(t, 5, res.CancelledQty)
	assert.Nil(t, res.RestingOrder)
	assert.Equal(t, settlement.TxnCompleted, res.Status)

	// 40 paid; improvement and the unfilled escrow both came back
	assert.True(t, f.balance(t, "bob").Equal(d("960")))
	assert.EqualValues(t, 5, f.shares(t, "bob", inst.ID))

	depth, err := f.x.Depth(inst.ID)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids, "no bid rests at a crossing price")
	require.Len(t, depth.Asks, 1)
	assert.EqualValues(t, 5, depth.Asks[0].Qty)

	open, err := f.x.ListOpenOrders("bob")
	require.NoError(t, err)
	assert.Empty(t, open)
	_, err = f.x.CancelOrder(context.Background(), "bob", res.OrderID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
}

func TestInspectCapCancelsSellRemainder(t *testing.T) {
	f := newFixtureWith(t, cappedConfig())
	f.deposit(t, "creator", "1000")
	f.deposit(t, "bob", "1000")
	inst := f.listing(t, "creator")
	f.closeOffering()

	for i := 0; i < 2; i++ {
		_, err := f.submit(t, inst.ID, "bob", orderbook.Buy, 5, "9")
		require.NoError(t, err)
	}

	res, err := f.submit(t, inst.ID, "creator", orderbook.Sell, 10, "8")
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.FilledQty)
	assert.EqualValues(t, 5, res.CancelledQty)
	assert.Nil(t, res.RestingOrder)
	assert.EqualValues(t, 795, f.shares(t, "creator", inst.ID))

	depth, err := f.x.Depth(inst.ID)
	require.NoError(t, err)
	assert.Empty(t, depth.Asks)
	require.Len(t, depth.Bids, 1)
	assert.EqualValues(t, 5, depth.Bids[0].Qty)
}

func TestCreateInstrumentOfferingOverrides(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	ctx := context.Background()
	half, ten := d("0.5"), 10*time.Minute

	inst, err := f.x.CreateInstrument(ctx, CreateRequest{
		Ticker: "HALF", CreatorID: "creator", InitialPrice: d("10"), TotalShares: 1000,
		IPOPercent: &half, IPODuration: &ten,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 500, inst.IPOSharesTotal)
	assert.EqualValues(t, 500, f.shares(t, "creator", inst.ID))
	assert.True(t, inst.IPOEndAt.Equal(inst.IPOStartAt.Add(ten)))

	over := d("1.5")
	inst, err = f.x.CreateInstrument(ctx, CreateRequest{
		Ticker: "ALL", CreatorID: "creator", InitialPrice: d("10"), TotalShares: 1000,
		IPOPercent: &over,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1000, inst.IPOSharesTotal, "percent clamps to 1")
	assert.True(t, inst.IPOPercent.Equal(d("1")))
	assert.EqualValues(t, 0, f.shares(t, "creator", inst.ID))

	neg := -time.Minute
	_, err = f.x.CreateInstrument(ctx, CreateRequest{
		Ticker: "NEG", CreatorID: "creator", InitialPrice: d("10"), TotalShares: 1000,
		IPODuration: &neg,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.x.InstrumentByTicker("NEG")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPortfolioMarksToMarket(t *testing.T) {
	f := newFixture(t)
	inst, _, _ := crossing(t, f)

	cur, err := f.x.Instrument(inst.ID)
	require.NoError(t, err)

	p, err := f.x.Portfolio("bob")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	h := p.Holdings[0]
	assert.Equal(t, "MEME", h.Ticker)
	assert.EqualValues(t, 5, h.Quantity)
	assert.True(t, h.Invested.Equal(d("40")))
	value := cur.CurrentPrice.Mul(d("5"))
	assert.True(t, h.CurrentValue.Equal(value))
	assert.True(t, h.ProfitLoss.Equal(value.Sub(d("40"))))
	assert.True(t, h.ProfitLossPercent.Equal(value.Sub(d("40")).Div(d("40")).Mul(d("100")).Round(2)))

	assert.True(t, p.Cash.Equal(d("915")))
	assert.True(t, p.Reserved.Equal(d("45")), "resting bid escrow")
	assert.True(t, p.TotalValue.Equal(d("960").Add(value)))

	_, err = f.x.Portfolio("nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.deposit(t, "carol", "10")
	empty, err := f.x.Portfolio("carol")
	require.NoError(t, err)
	assert.Empty(t, empty.Holdings)
	assert.True(t, empty.ProfitLossPercent.IsZero())
}

func TestRankedInstruments(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "creator", "1000")
	f.deposit(t, "alice", "1000")
	meme := f.listing(t, "creator")

	f.clock.Advance(time.Minute)
	pepe, err := f.x.CreateInstrument(context.Background(), CreateRequest{
		Ticker: "PEPE", CreatorID: "creator", InitialPrice: d("5"), TotalShares: 100,
	})
	require.NoError(t, err)

	_, err = f.submit(t, meme.ID, "alice", orderbook.Buy, 20, "")
	require.NoError(t, err)

	newest, err := f.x.Ranked(SortNewest, 0)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, pepe.ID, newest[0].ID)

	byVolume, err := f.x.Ranked(SortVolume, 1)
	require.NoError(t, err)
	require.Len(t, byVolume, 1)
	assert.Equal(t, meme.ID, byVolume[0].ID)

	byCap, err := f.x.Ranked(SortMarketCap, 0)
	require.NoError(t, err)
	assert.Equal(t, meme.ID, byCap[0].ID)

	assert.Equal(t, meme.ID, f.x.Trending(10)[0].ID)

	_, err = f.x.Ranked("loudest", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
