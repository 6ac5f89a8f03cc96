package instrument

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// HistoryLimit bounds PriceHistory; the oldest points are dropped first.
	HistoryLimit = 100

	// PriceScale is the number of decimal places kept on every computed price.
	PriceScale = 4
)

// MinPrice is the floor for every computed price and band edge.
var MinPrice = decimal.RequireFromString("0.01")

// TrendStatus classifies the latest 24h move.
type TrendStatus string

const (
	TrendHot      TrendStatus = "HOT"
	TrendCold     TrendStatus = "COLD"
	TrendVolatile TrendStatus = "VOLATILE"
	TrendStable   TrendStatus = "STABLE"
)

// Vote is a party's exclusive vote state on one instrument.
type Vote int8

const (
	VoteNone Vote = iota
	VoteUp
	VoteDown
)

func (v Vote) String() string {
	switch v {
	case VoteUp:
		return "up"
	case VoteDown:
		return "down"
	default:
		return "none"
	}
}

type PricePoint struct {
	At    time.Time       `json:"at"`
	Price decimal.Decimal `json:"price"`
}

type VolumeSample struct {
	At  time.Time `json:"at"`
	Qty int64     `json:"qty"`
}

// Instrument is the full price, supply and engagement state of one synthetic stock.
// It is owned by exactly one engine; everything else sees clones.
type Instrument struct {
	ID        string `json:"id"`
	Ticker    string `json:"ticker"`
	Name      string `json:"name"`
	CreatorID string `json:"creator_id"`

	TotalShares int64 `json:"total_shares"`

	CurrentPrice          decimal.Decimal `json:"current_price"`
	PreviousPrice         decimal.Decimal `json:"previous_price"`
	PriceChange24h        decimal.Decimal `json:"price_change_24h"`
	PriceChangePercent24h decimal.Decimal `json:"price_change_percent_24h"`
	AllTimeHigh           decimal.Decimal `json:"all_time_high"`
	AllTimeLow            decimal.Decimal `json:"all_time_low"`
	MarketCap             decimal.Decimal `json:"market_cap"`
	PriceHistory          []PricePoint    `json:"price_history"`

	Volume24h    int64          `json:"volume_24h"`
	VolumeWindow []VolumeSample `json:"volume_window"`

	Upvotes       int64 `json:"upvotes"`
	Downvotes     int64 `json:"downvotes"`
	CommentsCount int64 `json:"comments_count"`
	ReportsCount  int64 `json:"reports_count"`

	// TotalTrades is the hype score: completed executions on this instrument.
	TotalTrades int64 `json:"total_trades"`

	IPOPrice           decimal.Decimal `json:"ipo_price"`
	IPOPercent         decimal.Decimal `json:"ipo_percent"`
	IPOSharesTotal     int64           `json:"ipo_shares_total"`
	IPOSharesRemaining int64           `json:"ipo_shares_remaining"`
	IPOStartAt         time.Time       `json:"ipo_start_at"`
	IPOEndAt           time.Time       `json:"ipo_end_at"`
	// IPOClosed latches once the offering has ended; it is never cleared.
	IPOClosed bool `json:"ipo_closed"`

	Votes     map[string]Vote `json:"votes"`
	Reporters map[string]bool `json:"reporters"`

	TrendStatus TrendStatus `json:"trend_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds an instrument priced at initialPrice with an empty history point at now.
func New(id, ticker, name, creatorID string, initialPrice decimal.Decimal, totalShares int64, now time.Time) *Instrument {
	return &Instrument{
		ID:            id,
		Ticker:        ticker,
		Name:          name,
		CreatorID:     creatorID,
		TotalShares:   totalShares,
		CurrentPrice:  initialPrice,
		PreviousPrice: initialPrice,
		AllTimeHigh:   initialPrice,
		AllTimeLow:    initialPrice,
		MarketCap:     initialPrice.Mul(decimal.NewFromInt(totalShares)),
		PriceHistory:  []PricePoint{{At: now, Price: initialPrice}},
		IPOPrice:      initialPrice,
		Votes:         make(map[string]Vote),
		Reporters:     make(map[string]bool),
		TrendStatus:   TrendStable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy safe to mutate without touching the original.
func (i *Instrument) Clone() *Instrument {
	cp := *i
	cp.PriceHistory = append([]PricePoint(nil), i.PriceHistory...)
	cp.VolumeWindow = append([]VolumeSample(nil), i.VolumeWindow...)
	cp.Votes = make(map[string]Vote, len(i.Votes))
	for k, v := range i.Votes {
		cp.Votes[k] = v
	}
	cp.Reporters = make(map[string]bool, len(i.Reporters))
	for k, v := range i.Reporters {
		cp.Reporters[k] = v
	}
	return &cp
}

// View is an instrument as served to clients. The nil shadows drop who voted and who
// reported; the stored record keeps both.
type View struct {
	*Instrument
	Votes     *struct{} `json:"votes,omitempty"`
	Reporters *struct{} `json:"reporters,omitempty"`
}

func (i *Instrument) View() View { return View{Instrument: i} }

// Views wraps each instrument for serving.
func Views(insts []*Instrument) []View {
	out := make([]View, len(insts))
	for n, inst := range insts {
		out[n] = inst.View()
	}
	return out
}

// Normalize fills maps a JSON decode may leave nil.
func (i *Instrument) Normalize() {
	if i.Votes == nil {
		i.Votes = make(map[string]Vote)
	}
	if i.Reporters == nil {
		i.Reporters = make(map[string]bool)
	}
}

// VoteOf returns party's current vote (VoteNone when absent).
func (i *Instrument) VoteOf(party string) Vote {
	return i.Votes[party]
}

// ClampPrice rounds p to PriceScale places and floors it at MinPrice.
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	return decimal.Max(MinPrice, p.Round(PriceScale))
}
