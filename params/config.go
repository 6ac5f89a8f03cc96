package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// IPO controls the fixed-price primary offering opened for every new instrument.
type IPO struct {
	Percent  decimal.Decimal // share of total supply sold by the system (0.20 = 20%)
	Duration time.Duration   // offering window length
}

// Valuation holds the intrinsic value formula and the trading band multipliers.
//
//	intrinsic = Base + upvotes×UpvoteWeight + comments×CommentWeight
//	min       = intrinsic × MinMultiplier
//	max       = intrinsic × (BaseMaxMultiplier + hype×HypeFactor)
type Valuation struct {
	Base              decimal.Decimal
	UpvoteWeight      decimal.Decimal
	CommentWeight     decimal.Decimal
	MinMultiplier     decimal.Decimal
	BaseMaxMultiplier decimal.Decimal
	HypeFactor        decimal.Decimal
}

// Fees are charged on the seller's gross proceeds of every secondary fill.
type Fees struct {
	MakerFeeBps        int64 // 30 = 0.30% of gross
	BurnShareBps       int64 // portion of the fee removed from circulation
	CreatorFeeShareBps int64 // portion of the non-burned fee paid to the creator
}

// Impact tunes the trade-driven price adjustment.
type Impact struct {
	DemandFactor     float64
	SupplyFactor     float64
	EngagementFactor float64
	CommentWeight    float64 // weight of comments inside the engagement score
}

type Matching struct {
	// MaxInspect caps the counter-orders inspected by a single submission.
	MaxInspect int
}

type Node struct {
	DataDir     string
	APIAddr     string
	LogFile     string
	CORSOrigins []string
}

// Sim configures the simulated trader feeder (off by default).
type Sim struct {
	Enabled         bool
	Traders         int
	BatchSize       int
	Interval        time.Duration
	Seed            int64
	StartingBalance decimal.Decimal
}

type Config struct {
	IPO       IPO
	Valuation Valuation
	Fees      Fees
	Impact    Impact
	Matching  Matching
	Node      Node
	Sim       Sim
}

func Default() Config {
	return Config{
		IPO: IPO{
			Percent:  decimal.RequireFromString("0.20"),
			Duration: 60 * time.Minute,
		},
		Valuation: Valuation{
			Base:              decimal.NewFromInt(10),
			UpvoteWeight:      decimal.RequireFromString("0.5"),
			CommentWeight:     decimal.RequireFromString("0.3"),
			MinMultiplier:     decimal.RequireFromString("0.5"),
			BaseMaxMultiplier: decimal.NewFromInt(2),
			HypeFactor:        decimal.RequireFromString("0.05"),
		},
		Fees: Fees{
			MakerFeeBps:        30,
			BurnShareBps:       5000,
			CreatorFeeShareBps: 2000,
		},
		Impact: Impact{
			DemandFactor:     0.05,
			SupplyFactor:     0.03,
			EngagementFactor: 0.02,
			CommentWeight:    0.5,
		},
		Matching: Matching{
			MaxInspect: 500,
		},
		Node: Node{
			DataDir:     "data",
			APIAddr:     ":8080",
			LogFile:     "data/node.log",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Sim: Sim{
			Traders:         50,
			BatchSize:       10,
			Interval:        500 * time.Millisecond,
			Seed:            1,
			StartingBalance: decimal.NewFromInt(10000),
		},
	}
}

// Validate rejects configurations the engine cannot price with.
func (c Config) Validate() error {
	if c.IPO.Percent.IsNegative() || c.IPO.Percent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ipo percent must be within [0, 1]: %s", c.IPO.Percent)
	}
	if c.IPO.Duration <= 0 {
		return fmt.Errorf("ipo duration must be positive")
	}

	v := c.Valuation
	for name, d := range map[string]decimal.Decimal{
		"intrinsic base":      v.Base,
		"upvote weight":       v.UpvoteWeight,
		"comment weight":      v.CommentWeight,
		"min multiplier":      v.MinMultiplier,
		"base max multiplier": v.BaseMaxMultiplier,
		"hype factor":         v.HypeFactor,
	} {
		if d.IsNegative() {
			return fmt.Errorf("%s cannot be negative: %s", name, d)
		}
	}

	for name, bps := range map[string]int64{
		"maker fee":         c.Fees.MakerFeeBps,
		"burn share":        c.Fees.BurnShareBps,
		"creator fee share": c.Fees.CreatorFeeShareBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("%s bps must be within [0, 10000]: %d", name, bps)
		}
	}

	im := c.Impact
	if im.DemandFactor < 0 || im.SupplyFactor < 0 || im.EngagementFactor < 0 || im.CommentWeight < 0 {
		return fmt.Errorf("impact factors cannot be negative")
	}
	// |adj| is bounded by the factor sum; at 1 or more a single fill could zero the price.
	if im.DemandFactor+im.SupplyFactor+im.EngagementFactor >= 1 {
		return fmt.Errorf("impact factors must sum below 1, got %.4f",
			im.DemandFactor+im.SupplyFactor+im.EngagementFactor)
	}

	if c.Matching.MaxInspect <= 0 {
		return fmt.Errorf("matching max inspect must be positive")
	}

	if c.Sim.Enabled {
		if c.Sim.Traders <= 0 || c.Sim.BatchSize <= 0 || c.Sim.Interval <= 0 {
			return fmt.Errorf("sim traders, batch size and interval must be positive")
		}
		if !c.Sim.StartingBalance.IsPositive() {
			return fmt.Errorf("sim starting balance must be positive")
		}
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.IPO.Percent = getDecimal("IPO_PERCENT", cfg.IPO.Percent)
	if mins := os.Getenv("IPO_DURATION_MINUTES"); mins != "" {
		if m, err := strconv.Atoi(mins); err == nil {
			cfg.IPO.Duration = time.Duration(m) * time.Minute
		}
	}

	cfg.Valuation.Base = getDecimal("INTRINSIC_BASE_PRICE", cfg.Valuation.Base)
	cfg.Valuation.UpvoteWeight = getDecimal("INTRINSIC_UPVOTE_WEIGHT", cfg.Valuation.UpvoteWeight)
	cfg.Valuation.CommentWeight = getDecimal("INTRINSIC_COMMENT_WEIGHT", cfg.Valuation.CommentWeight)
	cfg.Valuation.MinMultiplier = getDecimal("TRADING_BAND_MIN_MULTIPLIER", cfg.Valuation.MinMultiplier)
	cfg.Valuation.BaseMaxMultiplier = getDecimal("TRADING_BAND_BASE_MAX_MULTIPLIER", cfg.Valuation.BaseMaxMultiplier)
	cfg.Valuation.HypeFactor = getDecimal("TRADING_BAND_HYPE_FACTOR", cfg.Valuation.HypeFactor)

	cfg.Fees.MakerFeeBps = getInt64("MAKER_FEE_BPS", cfg.Fees.MakerFeeBps)
	cfg.Fees.BurnShareBps = getInt64("BURN_SHARE_BPS", cfg.Fees.BurnShareBps)
	cfg.Fees.CreatorFeeShareBps = getInt64("CREATOR_FEE_SHARE_BPS", cfg.Fees.CreatorFeeShareBps)

	cfg.Impact.DemandFactor = getFloat("PRICE_DEMAND_FACTOR", cfg.Impact.DemandFactor)
	cfg.Impact.SupplyFactor = getFloat("PRICE_SUPPLY_FACTOR", cfg.Impact.SupplyFactor)
	cfg.Impact.EngagementFactor = getFloat("PRICE_ENGAGEMENT_FACTOR", cfg.Impact.EngagementFactor)
	cfg.Impact.CommentWeight = getFloat("PRICE_COMMENTS_WEIGHT", cfg.Impact.CommentWeight)

	cfg.Matching.MaxInspect = int(getInt64("MATCHING_MAX_INSPECT", int64(cfg.Matching.MaxInspect)))

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Node.CORSOrigins = append(cfg.Node.CORSOrigins, o)
			}
		}
	}

	// Enable with: ENABLE_SIM=true SIM_TRADERS=50 SIM_BATCH=10 SIM_INTERVAL_MS=500
	cfg.Sim.Enabled = os.Getenv("ENABLE_SIM") == "true"
	cfg.Sim.Traders = int(getInt64("SIM_TRADERS", int64(cfg.Sim.Traders)))
	cfg.Sim.BatchSize = int(getInt64("SIM_BATCH", int64(cfg.Sim.BatchSize)))
	if ms := getInt64("SIM_INTERVAL_MS", 0); ms > 0 {
		cfg.Sim.Interval = time.Duration(ms) * time.Millisecond
	}
	cfg.Sim.Seed = getInt64("SIM_SEED", cfg.Sim.Seed)
	cfg.Sim.StartingBalance = getDecimal("SIM_STARTING_BALANCE", cfg.Sim.StartingBalance)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return def
}
