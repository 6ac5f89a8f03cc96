package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypestock/params"
	"github.com/uhyunpark/hypestock/pkg/api"
	"github.com/uhyunpark/hypestock/pkg/app/core/account"
	"github.com/uhyunpark/hypestock/pkg/app/exchange"
	"github.com/uhyunpark/hypestock/pkg/app/sim"
	"github.com/uhyunpark/hypestock/pkg/storage"
	"github.com/uhyunpark/hypestock/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	clock := util.RealClock{}
	journal, err := storage.NewFileJournal(filepath.Join(cfg.Node.DataDir, "journal.log"), clock)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "err", err)
	}
	defer journal.Close()

	// ---- Exchange ----
	accounts := account.NewManager(store, clock, logger.Named("accounts"))
	x := exchange.New(cfg, accounts, store,
		exchange.WithClock(clock),
		exchange.WithLogger(logger.Named("exchange")),
		exchange.WithJournal(journal),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := x.Recover(ctx); err != nil {
		sugar.Fatalw("recover_failed", "err", err)
	}

	// ---- API Server ----
	apiServer := api.NewServer(x, accounts, cfg.Node, logger.Named("api"))

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"ipo_percent", cfg.IPO.Percent.String(),
		"ipo_duration", cfg.IPO.Duration.String(),
		"maker_fee_bps", cfg.Fees.MakerFeeBps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Run(gctx) })

	// ---- Simulated traders (optional) ----
	if cfg.Sim.Enabled {
		feeder := sim.NewFeeder(cfg.Sim, x, accounts, logger.Named("sim"))
		g.Go(func() error { return feeder.Run(gctx) })
	} else {
		sugar.Info("sim_disabled")
	}

	g.Go(func() error {
		// Progress logging loop
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				tr := x.Treasury()
				sugar.Infow("exchange_stats",
					"instruments", len(x.Instruments()),
					"accounts", accounts.Count(),
					"treasury", tr.Balance.String(),
					"burned", tr.Burned.String())
			}
		}
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
