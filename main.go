package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"risk-core/internal/api"
	"risk-core/internal/events"
	"risk-core/internal/feed"
	"risk-core/internal/monitor"
	"risk-core/internal/notify"
	"risk-core/internal/reconcile"
	"risk-core/internal/risk"
	"risk-core/internal/riskcfg"
	"risk-core/internal/venue/binance"
	"risk-core/internal/venuesync"
	"risk-core/pkg/config"
	"risk-core/pkg/db"
)

const version = "1.2.0"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: risk-core <command> [flags]

commands:
  check      run one risk-evaluation cycle and exit
  sync       run one full venue sync cycle and exit
  service    run the monitoring loop (default)
  token      print an operator API token

flags for service:
  --interval duration   poll interval (overrides POLL_INTERVAL)
flags for token:
  --ttl duration        token lifetime (default 24h)
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cmd := "service"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	switch cmd {
	case "token":
		fs := flag.NewFlagSet("token", flag.ExitOnError)
		ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
		_ = fs.Parse(args)
		tok, err := api.IssueOperatorToken(cfg.JWTSecret, *ttl)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(tok)
		return
	case "check", "sync", "service":
	default:
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := buildApp(cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer cleanup()

	switch cmd {
	case "check":
		if err := app.coord.SyncNow(ctx); err != nil {
			log.Printf("sync before check failed: %v", err)
		}
		if err := app.coord.CheckNow(ctx); err != nil {
			log.Fatalf("check failed: %v", err)
		}
	case "sync":
		if err := app.coord.SyncNow(ctx); err != nil {
			log.Fatalf("sync failed: %v", err)
		}
	case "service":
		fs := flag.NewFlagSet("service", flag.ExitOnError)
		interval := fs.Duration("interval", cfg.PollInterval, "poll interval")
		_ = fs.Parse(args)
		runService(ctx, cfg, app, *interval)
	}
}

// app bundles the wired components of one process.
type app struct {
	coord   *reconcile.Coordinator
	riskMgr *riskcfg.Manager
	bus     *events.Bus
	db      *db.Database
	feed    *feed.PriceFeed
	metrics *monitor.LoopMetrics
	senders []notify.Sender
}

func buildApp(cfg *config.Config) (*app, func(), error) {
	riskMgr := riskcfg.LoadManager(cfg.RiskConfigPath)
	integ := riskcfg.LoadIntegration(cfg.IntegrationPath)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	venueClient, err := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("venue client: %w", err)
	}

	calc := risk.NewCalculator(riskMgr, cfg.PositionsPath)
	if err := calc.LoadPositions(); err != nil {
		log.Printf("risk positions: starting empty: %v", err)
	}

	syncer := venuesync.New(venueClient, calc, riskMgr, cfg.SyncPositionsPath)
	if err := syncer.LoadPositions(); err != nil {
		log.Printf("sync positions: starting empty: %v", err)
	}

	bus := events.NewBus()

	var priceFeed *feed.PriceFeed
	var prices reconcile.PriceSource
	if cfg.EnablePriceFeed {
		priceFeed = feed.NewPriceFeed(cfg.BinanceTestnet)
		prices = priceFeed
	}

	coord := reconcile.New(venueClient, calc, syncer, riskMgr, integ, bus, database, prices)
	metrics := monitor.NewLoopMetrics()
	coord.SetMetrics(metrics)

	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	} else {
		senders = append(senders, notify.LogSender{})
	}

	a := &app{
		coord:   coord,
		riskMgr: riskMgr,
		bus:     bus,
		db:      database,
		feed:    priceFeed,
		metrics: metrics,
		senders: senders,
	}
	return a, func() { database.Close() }, nil
}

func runService(ctx context.Context, cfg *config.Config, a *app, interval time.Duration) {
	log.Printf("risk-core %s starting: interval=%v full_sync_every=%d testnet=%v",
		version, interval, cfg.FullSyncEvery, cfg.BinanceTestnet)

	notifier := notify.NewNotifier(a.senders...)
	go notifier.Run(ctx, a.bus)

	if a.feed != nil {
		go a.feed.Run(ctx)
	}

	if cfg.EnableAPI {
		srv := api.NewServer(a.coord, a.riskMgr, a.db, cfg.JWTSecret, version)
		srv.Metrics = a.metrics
		go func() {
			if err := srv.Start(":" + cfg.Port); err != nil {
				log.Printf("api server stopped: %v", err)
			}
		}()
	}

	a.coord.RunMonitoringService(ctx, interval, cfg.FullSyncEvery)
	log.Println("risk-core stopped")
}
