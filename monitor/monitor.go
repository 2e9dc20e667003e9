// Package monitor periodically verifies token conservation: tokens still in
// the distribution wallet plus tokens paid out must equal the total supply.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/wallet"
)

// Ledger is the slice of the transaction store the monitor needs.
type Ledger interface {
	SumPaidTokens(ctx context.Context) (int64, error)
}

// Config for the conservation check.
type Config struct {
	// Asset is the sale token asset id.
	Asset string
	// TotalTokens is the full issued supply the sale started with.
	TotalTokens int64
}

// Monitor runs the conservation check. It only observes and alerts; it never
// pauses payouts or mutates the ledger itself.
type Monitor struct {
	cfg     Config
	ledger  Ledger
	wallet  wallet.Native
	alerter messaging.Alerter
	metrics *observability.ReconcileMetrics
	logger  *slog.Logger
}

// New constructs the monitor.
func New(cfg Config, ledger Ledger, w wallet.Native, alerter messaging.Alerter, logger *slog.Logger) (*Monitor, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if w == nil {
		return nil, fmt.Errorf("native wallet required")
	}
	if cfg.TotalTokens <= 0 {
		return nil, fmt.Errorf("total token supply required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, ledger: ledger, wallet: w, alerter: alerter, metrics: observability.Reconcile(), logger: logger}, nil
}

// Check runs one conservation pass and returns the observed difference
// (accounted minus supply). A non-zero difference raises an operator alert.
func (m *Monitor) Check(ctx context.Context) (int64, error) {
	remaining, err := m.wallet.AssetBalance(ctx, m.cfg.Asset)
	if err != nil {
		return 0, fmt.Errorf("query token balance: %w", err)
	}
	paid, err := m.ledger.SumPaidTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("sum paid tokens: %w", err)
	}
	difference := remaining + paid - m.cfg.TotalTokens
	m.metrics.RecordCheck(difference)
	if difference != 0 {
		m.logger.Error("token conservation violated",
			"remaining", remaining, "paid", paid, "supply", m.cfg.TotalTokens, "difference", difference)
		if m.alerter != nil {
			body := fmt.Sprintf("accounted %d tokens (%d remaining + %d paid) against a supply of %d, difference %d",
				remaining+paid, remaining, paid, m.cfg.TotalTokens, difference)
			if err := m.alerter.Alert(ctx, "token balance mismatch", body); err != nil {
				m.logger.Error("failed to deliver mismatch alert", "error", err)
			}
		}
		return difference, nil
	}
	m.logger.Info("token conservation holds", "remaining", remaining, "paid", paid)
	return 0, nil
}

// Run adapts Check to the scheduler signature.
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Check(ctx)
	return err
}
