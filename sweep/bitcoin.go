package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcutil"

	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/wallet"
)

const networkBitcoin = "BTC"

// BitcoinConfig tunes the first-gen chain sweep.
type BitcoinConfig struct {
	TreasuryAddress string
	// MinConfirmations bounds which outputs count toward the balance.
	MinConfirmations int64
	// Floor is the smallest balance worth sweeping.
	Floor btcutil.Amount
	// FeeReserve stays behind to cover the transfer fee.
	FeeReserve btcutil.Amount
}

// Bitcoin consolidates the node wallet's balance into the treasury.
type Bitcoin struct {
	cfg     BitcoinConfig
	client  wallet.Bitcoin
	metrics *observability.SweepMetrics
	logger  *slog.Logger
}

// NewBitcoin constructs the sweeper.
func NewBitcoin(cfg BitcoinConfig, client wallet.Bitcoin, logger *slog.Logger) (*Bitcoin, error) {
	if client == nil {
		return nil, fmt.Errorf("bitcoin client required")
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 50_000_000 // 0.5 BTC
	}
	if cfg.FeeReserve <= 0 {
		cfg.FeeReserve = 1_000_000 // 0.01 BTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bitcoin{cfg: cfg, client: client, metrics: observability.Sweep(), logger: logger}, nil
}

// Run performs one sweep: everything above the fee reserve moves to the
// treasury in a single transfer, or nothing when the balance is below the
// floor. Idempotent.
func (b *Bitcoin) Run(ctx context.Context) error {
	if b.cfg.TreasuryAddress == "" {
		b.logger.Info("no accumulation settings", "network", networkBitcoin)
		return nil
	}
	balance, err := b.client.Balance(ctx, b.cfg.MinConfirmations)
	if err != nil {
		b.metrics.RecordError(networkBitcoin)
		return fmt.Errorf("query balance: %w", err)
	}
	if balance < b.cfg.Floor {
		b.logger.Info("skipping accumulation, balance below floor", "network", networkBitcoin, "balance", balance.String())
		b.metrics.RecordRun(networkBitcoin, "skipped")
		return nil
	}
	amount := balance - b.cfg.FeeReserve
	txid, err := b.client.SendToAddress(ctx, b.cfg.TreasuryAddress, amount)
	if err != nil {
		b.metrics.RecordError(networkBitcoin)
		b.metrics.RecordRun(networkBitcoin, "error")
		return fmt.Errorf("send to treasury: %w", err)
	}
	b.logger.Info("accumulation done", "network", networkBitcoin, "txid", txid, "amount", amount.String())
	b.metrics.RecordTransfer(networkBitcoin)
	b.metrics.RecordRun(networkBitcoin, "swept")
	return nil
}
