package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/wallet"
)

const networkNative = "GBYTE"

// NativeConfig tunes the native-network accumulation sweep.
type NativeConfig struct {
	// TreasuryAddress receives the consolidated funds.
	TreasuryAddress string
	// TreasuryDevice, when set, is notified of each transfer.
	TreasuryDevice string
	// MinBalance is the operational reserve left on the funding addresses.
	MinBalance int64
	// MinSweep is the smallest excess worth a transfer.
	MinSweep int64
	// MaxBatchAddresses is the protocol limit on authors per transfer
	// unit. A full batch means more eligible addresses may remain.
	MaxBatchAddresses int
}

// Native drains funding addresses on the native network into the treasury.
type Native struct {
	cfg     NativeConfig
	wallet  wallet.Native
	alerter messaging.Alerter
	metrics *observability.SweepMetrics
	logger  *slog.Logger
}

// NewNative constructs the sweeper.
func NewNative(cfg NativeConfig, w wallet.Native, alerter messaging.Alerter, logger *slog.Logger) (*Native, error) {
	if w == nil {
		return nil, fmt.Errorf("native wallet required")
	}
	if cfg.MinSweep <= 0 {
		cfg.MinSweep = 1000
	}
	if cfg.MaxBatchAddresses <= 0 {
		cfg.MaxBatchAddresses = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Native{cfg: cfg, wallet: w, alerter: alerter, metrics: observability.Sweep(), logger: logger}, nil
}

// Run performs one accumulation pass. Each iteration selects the heaviest
// funding addresses up to the protocol batch limit and consolidates their
// excess over the reserve; a full batch re-runs the loop to continue
// draining. Safe to invoke repeatedly.
func (n *Native) Run(ctx context.Context) error {
	if n.cfg.TreasuryAddress == "" || n.cfg.MinBalance == 0 {
		n.logger.Info("native accumulation not configured, skipping", "network", networkNative)
		return nil
	}
	for {
		catching, err := n.wallet.IsCatchingUp(ctx)
		if err != nil {
			n.metrics.RecordError(networkNative)
			return fmt.Errorf("sync check: %w", err)
		}
		if catching {
			n.logger.Info("still catching up, will not accumulate", "network", networkNative)
			n.metrics.RecordRun(networkNative, "skipped")
			return nil
		}
		rows, err := n.wallet.FundedAddresses(ctx, n.cfg.MaxBatchAddresses)
		if err != nil {
			n.metrics.RecordError(networkNative)
			return fmt.Errorf("list funded addresses: %w", err)
		}
		var total int64
		for _, row := range rows {
			total += row.Amount
		}
		excess := total - n.cfg.MinBalance
		if excess < n.cfg.MinSweep {
			n.logger.Info("nothing to accumulate", "network", networkNative)
			n.metrics.RecordRun(networkNative, "skipped")
			return nil
		}
		unit, err := n.wallet.SendPayment(ctx, "", excess, n.cfg.TreasuryAddress, n.cfg.TreasuryDevice)
		if err != nil {
			n.metrics.RecordError(networkNative)
			n.metrics.RecordRun(networkNative, "error")
			if n.alerter != nil {
				_ = n.alerter.Alert(ctx, "accumulation failed", err.Error())
			}
			return fmt.Errorf("consolidating transfer: %w", err)
		}
		n.logger.Info("accumulation done", "network", networkNative, "unit", unit, "amount", excess)
		n.metrics.RecordTransfer(networkNative)
		n.metrics.RecordRun(networkNative, "swept")
		if len(rows) < n.cfg.MaxBatchAddresses {
			return nil
		}
	}
}
