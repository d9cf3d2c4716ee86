package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"

	"marginx/config"
	"marginx/core/ledger"
	"marginx/gateway/middleware"
	"marginx/gateway/routes"
	"marginx/native/dex"
	"marginx/native/monitor"
	"marginx/native/oracle"
	"marginx/native/params"
	"marginx/native/position"
	"marginx/native/userstore"
	"marginx/observability/logging"
	"marginx/state"
	"marginx/storage"
)

// moduleAddress derives a stable address for a native module from its name.
func moduleAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("marginx/" + name))[12:])
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "marginx.toml", "path to daemon configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("marginxd", "", logging.ParseLevel("info")).Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("marginxd", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	registryAddr := moduleAddress("registry")
	monitorAddr := moduleAddress("monitor")
	engineAddr := moduleAddress("engine")
	keeperAddr := moduleAddress("keeper")
	inventoryAddr := moduleAddress("dex-inventory")
	managerAddr := moduleAddress("manager")
	if cfg.Manager != "" {
		if !common.IsHexAddress(cfg.Manager) {
			logger.Error("invalid manager address", "manager", cfg.Manager)
			os.Exit(1)
		}
		managerAddr = common.HexToAddress(cfg.Manager)
	}

	led := ledger.New()
	decimalsOf := make(map[common.Address]uint8, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		addr := common.HexToAddress(tok.Address)
		led.Register(ledger.Token{ID: addr, Symbol: tok.Symbol, Decimals: tok.Decimals})
		decimalsOf[addr] = tok.Decimals
	}

	source := oracle.NewStaticSource("config")
	for _, price := range cfg.Prices {
		source.SetPrice(common.HexToAddress(price.Base), common.HexToAddress(price.Quote), price.ValueOf())
	}
	feed := oracle.NewFeed(managerAddr, led)
	if err := feed.SetSources(managerAddr, []oracle.Source{source}); err != nil {
		logger.Error("configure oracle sources", "error", err)
		os.Exit(1)
	}

	mon := monitor.New(monitorAddr, registryAddr)
	if err := mon.SetKeeper(registryAddr, keeperAddr); err != nil {
		logger.Error("configure keeper", "error", err)
		os.Exit(1)
	}

	registry := params.New(registryAddr, managerAddr, led, mon)
	if err := registry.SetPositionEngine(managerAddr, engineAddr); err != nil {
		logger.Error("wire position engine", "error", err)
		os.Exit(1)
	}
	if err := applyGovernance(registry, managerAddr, cfg, decimalsOf); err != nil {
		logger.Error("apply governance config", "error", err)
		os.Exit(1)
	}

	router := dex.NewAggregator(managerAddr)
	venue := dex.NewFeedVenue("oracle", feed, led, inventoryAddr, cfg.DEXSpreadBps)
	if err := router.AddDEX(managerAddr, venue); err != nil {
		logger.Error("wire dex venue", "error", err)
		os.Exit(1)
	}

	users := userstore.New(managerAddr)
	engine := position.NewEngine(engineAddr, registry, feed, router, users, led)

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		logger.Error("open journal database", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	journal := state.NewJournal(db)
	engine.SetRecorder(journal)

	// Persisted governance values win over config defaults across restarts.
	snap, ok, err := params.LoadSnapshot(journal)
	if err != nil {
		logger.Error("load governance snapshot", "error", err)
		os.Exit(1)
	}
	if ok {
		if err := registry.Restore(managerAddr, snap); err != nil {
			logger.Error("restore governance snapshot", "error", err)
			os.Exit(1)
		}
	}
	if err := params.SaveSnapshot(journal, registry); err != nil {
		logger.Error("save governance snapshot", "error", err)
		os.Exit(1)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "marginxd",
		LogRequests: true,
	}, logger)
	keeperRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marginx",
		Name:      "keeper_runs_total",
		Help:      "Keeper sweeps executed.",
	})
	withdrawalsServed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marginx",
		Name:      "withdrawals_served_total",
		Help:      "Withdrawal requests served by the keeper.",
	})
	positionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marginx",
		Name:      "positions_closed_total",
		Help:      "Positions the keeper closed.",
	})
	obs.Registry().MustRegister(keeperRuns, withdrawalsServed, positionsClosed)

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"positions": {RequestsPerMinute: 600, Burst: 30},
		"keeper":    {RequestsPerMinute: 120, Burst: 5},
	}, logger)

	handler, err := routes.New(routes.Config{
		Engine:        engine,
		Registry:      registry,
		Feed:          feed,
		Monitor:       mon,
		Keeper:        keeperAddr,
		Observability: obs,
		RateLimiter:   limiter,
	})
	if err != nil {
		logger.Error("build router", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runKeeper(ctx, logger, engine, mon, keeperAddr, time.Duration(cfg.KeeperIntervalSec)*time.Second, keeperRuns, withdrawalsServed, positionsClosed)

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func applyGovernance(registry *params.Registry, manager common.Address, cfg *config.Config, decimalsOf map[common.Address]uint8) error {
	for _, p := range cfg.Pools {
		quote := common.HexToAddress(p.QuoteToken)
		if _, err := registry.CreatePool(manager, quote, decimalsOf[quote], p.Interest); err != nil {
			return err
		}
		if oiCap := p.MaxOpenInterestOf(); oiCap.Sign() > 0 {
			if err := registry.SetPoolMaxOpenInterest(manager, quote, oiCap); err != nil {
				return err
			}
		}
		if len(p.BaseTokens) > 0 {
			tokens := make([]common.Address, len(p.BaseTokens))
			allowed := make([]bool, len(p.BaseTokens))
			for i, base := range p.BaseTokens {
				tokens[i] = common.HexToAddress(base)
				allowed[i] = true
			}
			if err := registry.SetPoolBaseTokens(manager, quote, tokens, allowed); err != nil {
				return err
			}
		}
	}
	if err := setRisks(registry.SetBaseTokenRisk, manager, cfg.BaseRisks); err != nil {
		return err
	}
	if err := setRisks(registry.SetCollateralRisk, manager, cfg.CollateralRisks); err != nil {
		return err
	}
	if cfg.MinQuoteRate > 0 {
		if err := registry.SetMinQuoteRate(manager, cfg.MinQuoteRate); err != nil {
			return err
		}
	}
	if cfg.ManualExpiration > 0 {
		if err := registry.SetManualExpiration(manager, cfg.ManualExpiration); err != nil {
			return err
		}
	}
	if cfg.ProtocolFeeRate > 0 && common.IsHexAddress(cfg.ProtocolFeeTo) {
		if err := registry.SetProtocolFee(manager, cfg.ProtocolFeeRate, common.HexToAddress(cfg.ProtocolFeeTo)); err != nil {
			return err
		}
	}
	if cfg.LiquidationFeeRate > 0 && common.IsHexAddress(cfg.LiquidationFeeTo) {
		if err := registry.SetLiquidationFee(manager, cfg.LiquidationFeeRate, common.HexToAddress(cfg.LiquidationFeeTo)); err != nil {
			return err
		}
	}
	return nil
}

func setRisks(apply func(common.Address, []common.Address, []params.TokenRisk) error, manager common.Address, risks []config.Risk) error {
	if len(risks) == 0 {
		return nil
	}
	tokens := make([]common.Address, len(risks))
	bounds := make([]params.TokenRisk, len(risks))
	for i, r := range risks {
		tokens[i] = common.HexToAddress(r.Token)
		bounds[i] = params.TokenRisk{MaxUsage: r.MaxUsage, LiqThreshold: r.LiqThreshold}
	}
	return apply(manager, tokens, bounds)
}

func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dataDir, "journal"))
}
