// Package router feeds chain-watcher notifications into the ledger and the
// payout dispatcher and speaks to the buyer over the messaging channel.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/olaccursed/ico-bot/keylock"
	"github.com/olaccursed/ico-bot/ledger"
	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/rates"
	"github.com/olaccursed/ico-bot/texts"
)

// Distribution selects when issued tokens leave the treasury.
type Distribution string

const (
	// DistributionRealTime pays each transaction as soon as it stabilises.
	DistributionRealTime Distribution = "real-time"
	// DistributionOneTime defers all payouts to a single later run.
	DistributionOneTime Distribution = "one-time"
)

// ParseDistribution normalises a configured distribution policy.
func ParseDistribution(raw string) (Distribution, bool) {
	switch Distribution(strings.ToLower(strings.TrimSpace(raw))) {
	case DistributionRealTime:
		return DistributionRealTime, true
	case DistributionOneTime:
		return DistributionOneTime, true
	}
	return "", false
}

// Dispatcher triggers issuance for a stable ledger row.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx ledger.Transaction) error
}

// Config carries the routing policies.
type Config struct {
	Distribution Distribution
	Sampling     rates.SamplingPolicy
	// Refunds enables the refund-address prompt on first payment.
	Refunds bool
	// SaleStart and SaleEnd bound the purchase-quote path. Zero values
	// leave that side unbounded. Inbound chain events are always
	// recorded regardless of the window.
	SaleStart time.Time
	SaleEnd   time.Time
}

// Router is the single entry point for chain notifications.
type Router struct {
	cfg        Config
	store      *ledger.Store
	locks      *keylock.Registry
	oracle     *rates.Oracle
	dispatcher Dispatcher
	messenger  messaging.Messenger
	metrics    *observability.LedgerMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option customises the router.
type Option func(*Router)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the function used to evaluate the sale window.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.now = clock
		}
	}
}

// New constructs a router.
func New(cfg Config, store *ledger.Store, locks *keylock.Registry, oracle *rates.Oracle, dispatcher Dispatcher, messenger messaging.Messenger, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock registry required")
	}
	if cfg.Distribution == "" {
		cfg.Distribution = DistributionRealTime
	}
	if cfg.Distribution == DistributionRealTime && dispatcher == nil {
		return nil, fmt.Errorf("real-time distribution requires a dispatcher")
	}
	if cfg.Sampling == rates.SampleAtObservation && oracle == nil {
		return nil, fmt.Errorf("observation sampling requires a rate oracle")
	}
	r := &Router{
		cfg:        cfg,
		store:      store,
		locks:      locks,
		oracle:     oracle,
		dispatcher: dispatcher,
		messenger:  messenger,
		metrics:    observability.Ledger(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// WindowMessage returns the buyer-facing message when the purchase path is
// closed at the given moment, or "" while the sale is open.
func (r *Router) WindowMessage(at time.Time) string {
	if !r.cfg.SaleStart.IsZero() && at.Before(r.cfg.SaleStart) {
		return texts.SaleNotStarted()
	}
	if !r.cfg.SaleEnd.IsZero() && at.After(r.cfg.SaleEnd) {
		return texts.SaleOver()
	}
	return ""
}

// SaleOpen reports whether the purchase-quote path is currently open.
func (r *Router) SaleOpen() bool {
	return r.WindowMessage(r.now()) == ""
}

// HandleNew processes a "new payment observed" notification. Native-network
// payments have no pending stage, the buyer is acknowledged and nothing is
// written; the stable notification carries the authoritative record. For
// BTC/ETH the pending record is written (replacing a prior unstable view of
// the same key) and the buyer is acknowledged and, when refunds are enabled
// and no refund address is on file yet, prompted for one.
func (r *Router) HandleNew(ctx context.Context, p ledger.Payment) error {
	if p.Currency == ledger.CurrencyGBYTE {
		r.send(ctx, p.DeviceAddress, texts.PaymentReceived(p.Amount, string(p.Currency)))
		return nil
	}
	written, err := r.store.RecordNew(ctx, p)
	if err != nil {
		return fmt.Errorf("record new %s payment: %w", p.Currency, err)
	}
	if !written {
		r.metrics.RecordPayment(string(p.Currency), "duplicate")
		return nil
	}
	r.metrics.RecordPayment(string(p.Currency), "new")
	r.logger.Info("payment observed", "currency", string(p.Currency), "txid", p.TxID)
	r.send(ctx, p.DeviceAddress, texts.PaymentReceived(p.Amount, string(p.Currency)))
	r.promptRefundAddress(ctx, p)
	return nil
}

// HandleStable processes a confirmation notification. All ledger decisions
// happen under the transaction's key lock; the payout dispatch runs after
// the lock is released since it re-acquires the same key.
func (r *Router) HandleStable(ctx context.Context, p ledger.Payment) error {
	var (
		recorded *ledger.Transaction
		tooSmall bool
	)
	err := r.locks.Do(ledger.LockKey(p.TxID), func() error {
		var tokens *int64
		if r.cfg.Sampling == rates.SampleAtObservation {
			converted, err := r.oracle.Convert(p.Amount, string(p.Currency))
			if err != nil {
				return fmt.Errorf("convert %s amount: %w", p.Currency, err)
			}
			tokens = &converted
			tooSmall = converted == 0
		}
		outcome, tx, err := r.store.RecordStable(ctx, p, tokens)
		if err != nil {
			return fmt.Errorf("record stable %s payment: %w", p.Currency, err)
		}
		switch outcome {
		case ledger.StableAlreadyRecorded:
			r.metrics.RecordPayment(string(p.Currency), "duplicate")
			return nil
		case ledger.StableConflict:
			r.logger.Warn("stable notification conflicts with an existing record, ignored",
				"currency", string(p.Currency), "txid", p.TxID)
			r.metrics.RecordPayment(string(p.Currency), "conflict")
			return nil
		}
		r.metrics.RecordPayment(string(p.Currency), "stable")
		recorded = tx
		return nil
	})
	if err != nil {
		return err
	}
	if recorded == nil {
		return nil
	}
	r.logger.Info("payment stable", "currency", string(p.Currency), "txid", p.TxID, "tokens", recorded.TokenAmount())
	if tooSmall {
		r.send(ctx, p.DeviceAddress, texts.AmountTooSmall())
		return nil
	}
	if r.cfg.Distribution == DistributionRealTime {
		return r.dispatcher.Dispatch(ctx, *recorded)
	}
	r.send(ctx, p.DeviceAddress, texts.PaymentConfirmed())
	return nil
}

func (r *Router) promptRefundAddress(ctx context.Context, p ledger.Payment) {
	if !r.cfg.Refunds || p.DeviceAddress == "" {
		return
	}
	platform := p.Currency.Platform()
	_, known, err := r.store.UserAddress(ctx, p.DeviceAddress, platform)
	if err != nil {
		r.logger.Warn("refund address lookup failed", "error", err)
		return
	}
	if known {
		return
	}
	r.send(ctx, p.DeviceAddress, texts.SendAddressForRefund(platform))
}

// SaveRefundAddress records the buyer's refund address for the platform.
func (r *Router) SaveRefundAddress(ctx context.Context, deviceAddress, platform, address string) error {
	return r.store.SaveUserAddress(ctx, deviceAddress, platform, address)
}

func (r *Router) send(ctx context.Context, deviceAddress, text string) {
	if r.messenger == nil || deviceAddress == "" || text == "" {
		return
	}
	if err := r.messenger.SendToDevice(ctx, deviceAddress, text); err != nil {
		r.logger.Warn("buyer message failed", "error", err)
	}
}
