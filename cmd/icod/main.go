package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olaccursed/ico-bot/config"
	"github.com/olaccursed/ico-bot/keylock"
	"github.com/olaccursed/ico-bot/ledger"
	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/monitor"
	"github.com/olaccursed/ico-bot/observability/logging"
	"github.com/olaccursed/ico-bot/payout"
	"github.com/olaccursed/ico-bot/rates"
	"github.com/olaccursed/ico-bot/router"
	"github.com/olaccursed/ico-bot/server"
	"github.com/olaccursed/ico-bot/sweep"
	"github.com/olaccursed/ico-bot/wallet"

	btcamount "github.com/btcsuite/btcutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "icod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "icod.yaml", "path to icod configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ICO_ENV"))
	if env == "" {
		env = cfg.Env
	}
	logger := logging.Setup("icod", env, logging.Options{
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, err := ledger.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database path: %w", err)
	}
	store, err := ledger.Open(dsn)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	native, err := wallet.NewHeadlessClient(cfg.Wallets.Native.Endpoint, cfg.Wallets.Native.AuthToken)
	if err != nil {
		return fmt.Errorf("native wallet: %w", err)
	}

	tokenPrice, err := cfg.Sale.TokenPrice()
	if err != nil {
		return err
	}
	oracle, err := rates.New(rateSources(cfg), []string{"GBYTE", "BTC", "ETH"}, tokenPrice,
		cfg.Rates.RefreshInterval.Duration, rates.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("rate oracle: %w", err)
	}

	var messenger messaging.Messenger
	if cfg.Messaging.HubURL != "" {
		messenger = messaging.NewThrottled(
			messaging.NewHubClient(cfg.Messaging.HubURL, cfg.Messaging.HubToken),
			cfg.Messaging.PerSecond, cfg.Messaging.Burst)
	}
	var alerter messaging.Alerter = messaging.LogAlerter{Logger: logger}
	if cfg.Messaging.AlertWebhook != "" {
		alerter = messaging.NewWebhookAlerter(cfg.Messaging.AlertWebhook)
	}

	locks := keylock.New()
	dispatcher, err := payout.New(
		payout.Config{Asset: cfg.Sale.Asset, TokenName: cfg.Sale.TokenName, Sampling: cfg.Sale.SamplingPolicy()},
		store, locks, native, oracle, messenger, alerter,
		payout.WithLogger(logger), payout.WithSyncGate(native))
	if err != nil {
		return fmt.Errorf("payout dispatcher: %w", err)
	}
	if cfg.Payout.PauseOnStart {
		dispatcher.Pause()
	}

	rt, err := router.New(router.Config{
		Distribution: cfg.Sale.DistributionPolicy(),
		Sampling:     cfg.Sale.SamplingPolicy(),
		Refunds:      cfg.Sale.Refunds,
		SaleStart:    cfg.Sale.Start,
		SaleEnd:      cfg.Sale.End,
	}, store, locks, oracle, dispatcher, messenger, router.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("notification router: %w", err)
	}

	reconciler, err := monitor.New(monitor.Config{Asset: cfg.Sale.Asset, TotalTokens: cfg.Sale.TotalTokens},
		store, native, alerter, logger)
	if err != nil {
		return fmt.Errorf("reconciliation monitor: %w", err)
	}

	ops, err := server.New(cfg.ListenAddress, dispatcher, oracle, rt, logger)
	if err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := oracle.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("rate oracle: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ops.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runTimers(ctx, cfg, logger, oracle, dispatcher, reconciler, native, alerter)
	}()

	logger.Info("icod started", "env", env, "distribution", cfg.Sale.Distribution, "sampling", cfg.Sale.Sampling)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}
	wg.Wait()
	logger.Info("icod stopped")
	return nil
}

// runTimers starts the periodic jobs after the startup gate fires: rates
// must be ready before anything that converts or moves funds runs.
func runTimers(ctx context.Context, cfg config.Config, logger *slog.Logger, oracle *rates.Oracle, dispatcher *payout.Dispatcher, reconciler *monitor.Monitor, native *wallet.HeadlessClient, alerter messaging.Alerter) {
	if err := oracle.WaitReady(ctx); err != nil {
		return
	}
	logger.Info("rates ready, starting timers")

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if sweeper, err := sweep.NewNative(sweep.NativeConfig{
		TreasuryAddress:   cfg.Accumulation.Native.TreasuryAddress,
		TreasuryDevice:    cfg.Accumulation.Native.TreasuryDevice,
		MinBalance:        cfg.Accumulation.Native.MinBalance,
		MinSweep:          cfg.Accumulation.Native.MinSweep,
		MaxBatchAddresses: cfg.Accumulation.Native.MaxBatchAddresses,
	}, native, alerter, logger); err == nil && cfg.Accumulation.Native.Interval.Duration > 0 {
		start(func() {
			sweep.Schedule(ctx, logger, "sweep-gbyte",
				cfg.Accumulation.Native.InitialDelay.Duration,
				cfg.Accumulation.Native.Interval.Duration, sweeper.Run)
		})
	}

	if cfg.Wallets.Bitcoin.Endpoint != "" && cfg.Accumulation.Bitcoin.Interval.Duration > 0 {
		client, err := wallet.NewBitcoindClient(cfg.Wallets.Bitcoin.Endpoint, cfg.Wallets.Bitcoin.Username, cfg.Wallets.Bitcoin.Password)
		if err != nil {
			logger.Error("bitcoin wallet unavailable", "error", err)
		} else if sweeper, err := sweep.NewBitcoin(sweep.BitcoinConfig{
			TreasuryAddress:  cfg.Accumulation.Bitcoin.TreasuryAddress,
			MinConfirmations: cfg.Wallets.Bitcoin.MinConfirmations,
			Floor:            btcamount.Amount(cfg.Accumulation.Bitcoin.Floor),
			FeeReserve:       btcamount.Amount(cfg.Accumulation.Bitcoin.FeeReserve),
		}, client, logger); err == nil {
			start(func() {
				sweep.Schedule(ctx, logger, "sweep-btc",
					cfg.Accumulation.Bitcoin.InitialDelay.Duration,
					cfg.Accumulation.Bitcoin.Interval.Duration, sweeper.Run)
			})
		}
	}

	if cfg.Wallets.Ethereum.Endpoint != "" && cfg.Accumulation.Ethereum.Interval.Duration > 0 {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := wallet.DialEthereum(dialCtx, cfg.Wallets.Ethereum.Endpoint)
		cancel()
		if err != nil {
			logger.Error("ethereum wallet unavailable", "error", err)
		} else if sweeper, err := sweep.NewEthereum(sweep.EthereumConfig{
			TreasuryAddress: common.HexToAddress(cfg.Accumulation.Ethereum.TreasuryAddress),
			Password:        cfg.Wallets.Ethereum.Password,
			GasLimit:        cfg.Accumulation.Ethereum.GasLimit,
		}, client, logger); err == nil {
			start(func() {
				sweep.Schedule(ctx, logger, "sweep-eth",
					cfg.Accumulation.Ethereum.InitialDelay.Duration,
					cfg.Accumulation.Ethereum.Interval.Duration, sweeper.Run)
			})
		}
	}

	start(func() {
		sweep.Schedule(ctx, logger, "payout-catchup",
			cfg.Payout.CatchupDelay.Duration,
			cfg.Payout.CatchupInterval.Duration, func(ctx context.Context) error {
				paid, err := dispatcher.PayUnpaid(ctx)
				if paid > 0 {
					logger.Info("catch-up payout finished", "paid", paid)
				}
				return err
			})
	})

	start(func() {
		sweep.Schedule(ctx, logger, "reconcile",
			cfg.Reconcile.InitialDelay.Duration,
			cfg.Reconcile.Interval.Duration, reconciler.Run)
	})

	wg.Wait()
}

func rateSources(cfg config.Config) []rates.Source {
	if len(cfg.Rates.Fixed) > 0 {
		if src, err := rates.NewFixedSource("fixed", cfg.Rates.Fixed); err == nil {
			return []rates.Source{src}
		}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return []rates.Source{
		rates.NewSimplePriceSource("coingecko", client, cfg.Rates.Endpoint, map[string]string{
			"GBYTE": "byteball",
			"BTC":   "bitcoin",
			"ETH":   "ethereum",
		}),
	}
}
