// Package payout issues sale tokens for stable ledger rows, exactly once per
// row no matter how notifications race.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/olaccursed/ico-bot/keylock"
	"github.com/olaccursed/ico-bot/ledger"
	"github.com/olaccursed/ico-bot/messaging"
	"github.com/olaccursed/ico-bot/observability"
	"github.com/olaccursed/ico-bot/rates"
	"github.com/olaccursed/ico-bot/texts"
)

// ErrPaused is returned when a payout is attempted while the dispatcher is
// paused by an operator.
var ErrPaused = errors.New("payout: dispatcher paused")

// Issuer is the external issuance collaborator. Issue transfers tokens of
// the asset to the buyer's address and returns the transfer's unit id.
type Issuer interface {
	Issue(ctx context.Context, asset string, tokens int64, toAddress, deviceAddress string) (string, error)
}

// SyncGate reports whether the underlying ledger is still catching up. The
// catch-up sweep defers while it is.
type SyncGate interface {
	IsCatchingUp(ctx context.Context) (bool, error)
}

// Config carries the sale parameters the dispatcher needs.
type Config struct {
	// Asset is the issued sale token's asset id.
	Asset string
	// TokenName appears in buyer-facing messages.
	TokenName string
	// Sampling selects when the rate is sampled for deferred rows.
	Sampling rates.SamplingPolicy
}

// Dispatcher issues tokens for ledger rows under the per-transaction lock.
type Dispatcher struct {
	cfg       Config
	store     *ledger.Store
	locks     *keylock.Registry
	issuer    Issuer
	oracle    *rates.Oracle
	messenger messaging.Messenger
	alerter   messaging.Alerter
	gate      SyncGate
	metrics   *observability.PayoutMetrics
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	paused bool
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithSyncGate installs the catching-up guard for the catch-up sweep.
func WithSyncGate(gate SyncGate) Option {
	return func(d *Dispatcher) { d.gate = gate }
}

// New constructs a dispatcher.
func New(cfg Config, store *ledger.Store, locks *keylock.Registry, issuer Issuer, oracle *rates.Oracle, messenger messaging.Messenger, alerter messaging.Alerter, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock registry required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("issuer required")
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("issued asset required")
	}
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		locks:     locks,
		issuer:    issuer,
		oracle:    oracle,
		messenger: messenger,
		alerter:   alerter,
		metrics:   observability.Payout(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Dispatch issues tokens for the row exactly once. It re-reads paid_out
// under the transaction's lock, so a stale caller view can never cause a
// double issuance. On issuance failure the row is left unpaid for the
// catch-up sweep and the operator is alerted; there is no inline retry.
func (d *Dispatcher) Dispatch(ctx context.Context, tx ledger.Transaction) error {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if paused {
		return ErrPaused
	}

	var (
		issuedUnit    string
		issuedTokens  int64
		deviceAddress string
	)
	start := d.now()
	err := d.locks.Do(tx.LockKey(), func() error {
		current, err := d.store.GetByID(ctx, tx.ID)
		if err != nil {
			return fmt.Errorf("reload transaction %d: %w", tx.ID, err)
		}
		if current.PaidOut || !current.Stable {
			return nil
		}
		tokens := current.TokenAmount()
		if current.Tokens == nil {
			if d.oracle == nil {
				return fmt.Errorf("rate oracle required for deferred conversion")
			}
			tokens, err = d.oracle.Convert(current.Amount, string(current.Currency))
			if err != nil {
				d.metrics.RecordError(string(current.Currency), "conversion")
				return fmt.Errorf("convert %s amount: %w", current.Currency, err)
			}
			if tokens == 0 {
				// Too small to issue anything; freeze the zero so the
				// row leaves the unpaid queue.
				if _, err := d.store.SetTokens(ctx, current.ID, 0); err != nil {
					return err
				}
				return nil
			}
		}
		if tokens <= 0 {
			return nil
		}
		unit, err := d.issuer.Issue(ctx, d.cfg.Asset, tokens, current.ByteballAddress, current.DeviceAddress)
		if err != nil {
			d.metrics.RecordError(string(current.Currency), "issuance")
			d.alert(ctx, "token payout failed",
				fmt.Sprintf("issuing %d tokens for %s/%s failed: %v", tokens, current.Currency, current.TxID, err))
			return fmt.Errorf("issue tokens: %w", err)
		}
		updated, err := d.store.MarkPaid(ctx, current.ID, unit, tokens)
		if err != nil {
			d.alert(ctx, "payout bookkeeping failed",
				fmt.Sprintf("unit %s issued for %s/%s but the ledger update failed: %v", unit, current.Currency, current.TxID, err))
			return fmt.Errorf("mark paid: %w", err)
		}
		if !updated {
			// Lost the conditional write; tokens were already issued by
			// another path. Flag it, this should be impossible under the
			// key lock.
			d.alert(ctx, "duplicate payout suppressed",
				fmt.Sprintf("unit %s for %s/%s raced an earlier payout", unit, current.Currency, current.TxID))
			return nil
		}
		issuedUnit = unit
		issuedTokens = tokens
		deviceAddress = current.DeviceAddress
		d.metrics.RecordIssued(string(current.Currency), tokens, d.now().Sub(start))
		return nil
	})
	if err != nil {
		return err
	}
	if issuedUnit != "" {
		d.logger.Info("tokens issued", "currency", string(tx.Currency), "txid", tx.TxID, "tokens", issuedTokens, "unit", issuedUnit)
		if d.messenger != nil && deviceAddress != "" {
			if err := d.messenger.SendToDevice(ctx, deviceAddress, texts.TokensSent(issuedTokens, d.cfg.TokenName)); err != nil {
				d.logger.Warn("payout confirmation message failed", "error", err)
			}
		}
	}
	return nil
}

// PayUnpaid dispatches every stable row still awaiting payout. A single
// row's failure never blocks the rest. Returns the number of rows paid.
func (d *Dispatcher) PayUnpaid(ctx context.Context) (int, error) {
	if d.gate != nil {
		catching, err := d.gate.IsCatchingUp(ctx)
		if err != nil {
			return 0, fmt.Errorf("sync check: %w", err)
		}
		if catching {
			d.logger.Info("catch-up payout deferred, ledger still syncing")
			return 0, nil
		}
	}
	pending, err := d.store.UnpaidStable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unpaid: %w", err)
	}
	paid := 0
	for _, tx := range pending {
		if err := d.Dispatch(ctx, tx); err != nil {
			if errors.Is(err, ErrPaused) {
				return paid, err
			}
			d.logger.Error("catch-up payout failed", "currency", string(tx.Currency), "txid", tx.TxID, "error", err)
			continue
		}
		paid++
	}
	return paid, nil
}

// Pause halts new payouts.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.metrics.SetPause(true)
}

// Resume re-enables payouts.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.metrics.SetPause(false)
}

// Status summarises dispatcher state for the ops endpoints.
type Status struct {
	Paused bool `json:"paused"`
	Unpaid int  `json:"unpaid"`
}

// Status reports the current state snapshot.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	status := Status{Paused: d.paused}
	d.mu.Unlock()
	pending, err := d.store.UnpaidStable(ctx)
	if err != nil {
		return status, err
	}
	status.Unpaid = len(pending)
	return status, nil
}

func (d *Dispatcher) alert(ctx context.Context, subject, body string) {
	if d.alerter == nil {
		return
	}
	if err := d.alerter.Alert(ctx, subject, body); err != nil {
		d.logger.Error("operator alert failed", "subject", subject, "error", err)
	}
}
