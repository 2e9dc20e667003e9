// Package rates maintains USD exchange rates for the sale's funding
// currencies and converts observed amounts into token quantities.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotReady is returned when a conversion is attempted before the oracle
// has produced a rate for every configured currency. Correct sequencing
// gates all conversion paths behind Ready, so hitting this is a programming
// error, not a condition to retry.
var ErrNotReady = errors.New("exchange rates not ready")

// SamplingPolicy selects when the rate for a payment is sampled.
type SamplingPolicy string

const (
	// SampleAtObservation freezes the token quantity when the payment
	// stabilises.
	SampleAtObservation SamplingPolicy = "observation"
	// SampleAtDistribution defers conversion to payout time.
	SampleAtDistribution SamplingPolicy = "distribution"
)

// Source resolves the USD price of one whole unit of a currency.
type Source interface {
	Name() string
	Fetch(ctx context.Context, currency string) (*big.Rat, error)
}

// Oracle aggregates prices across sources on a fixed cadence and converts
// currency amounts to token quantities at the configured token price.
type Oracle struct {
	logger     *slog.Logger
	sources    []Source
	currencies []string
	tokenPrice *big.Rat
	interval   time.Duration

	mu     sync.RWMutex
	prices map[string]*big.Rat

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs an oracle. tokenPriceUSD is the sale price of one token.
func New(sources []Source, currencies []string, tokenPriceUSD *big.Rat, interval time.Duration, opts ...Option) (*Oracle, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one rate source required")
	}
	if len(currencies) == 0 {
		return nil, fmt.Errorf("at least one currency required")
	}
	if tokenPriceUSD == nil || tokenPriceUSD.Sign() <= 0 {
		return nil, fmt.Errorf("token price must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	normalized := make([]string, 0, len(currencies))
	for _, c := range currencies {
		normalized = append(normalized, strings.ToUpper(strings.TrimSpace(c)))
	}
	o := &Oracle{
		logger:     slog.Default(),
		sources:    append([]Source{}, sources...),
		currencies: normalized,
		tokenPrice: new(big.Rat).Set(tokenPriceUSD),
		interval:   interval,
		prices:     make(map[string]*big.Rat),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Run blocks, refreshing rates until the context is cancelled. The first
// refresh that covers every configured currency signals Ready.
func (o *Oracle) Run(ctx context.Context) error {
	if o == nil {
		return fmt.Errorf("oracle not configured")
	}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if err := o.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("rate refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh performs a single aggregation cycle across all sources.
func (o *Oracle) Refresh(ctx context.Context) error {
	if o == nil {
		return fmt.Errorf("oracle not configured")
	}
	for _, currency := range o.currencies {
		quotes := make([]*big.Rat, 0, len(o.sources))
		for _, src := range o.sources {
			if src == nil {
				continue
			}
			price, err := src.Fetch(ctx, currency)
			if err != nil {
				o.logger.Warn("rate source failed", "source", src.Name(), "currency", currency, "error", err)
				continue
			}
			if price == nil || price.Sign() <= 0 {
				o.logger.Warn("rate source returned invalid price", "source", src.Name(), "currency", currency)
				continue
			}
			quotes = append(quotes, price)
		}
		if len(quotes) == 0 {
			return fmt.Errorf("no usable quotes for %s", currency)
		}
		o.setPrice(currency, median(quotes))
	}
	o.signalIfComplete()
	return nil
}

// SetPrice stores the USD price for a currency directly. Used by tests and
// manual overrides.
func (o *Oracle) SetPrice(currency string, price *big.Rat) {
	if price == nil || price.Sign() <= 0 {
		return
	}
	o.setPrice(strings.ToUpper(strings.TrimSpace(currency)), price)
	o.signalIfComplete()
}

func (o *Oracle) setPrice(currency string, price *big.Rat) {
	o.mu.Lock()
	o.prices[currency] = new(big.Rat).Set(price)
	o.mu.Unlock()
}

func (o *Oracle) signalIfComplete() {
	o.mu.RLock()
	complete := true
	for _, c := range o.currencies {
		if _, ok := o.prices[c]; !ok {
			complete = false
			break
		}
	}
	o.mu.RUnlock()
	if complete {
		o.readyOnce.Do(func() { close(o.ready) })
	}
}

// Ready is closed once every configured currency has a rate.
func (o *Oracle) Ready() <-chan struct{} {
	return o.ready
}

// IsReady reports whether rates are available without blocking.
func (o *Oracle) IsReady() bool {
	select {
	case <-o.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until rates are available or the context is cancelled.
func (o *Oracle) WaitReady(ctx context.Context) error {
	select {
	case <-o.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Price returns the current USD price for one unit of the currency.
func (o *Oracle) Price(currency string) (*big.Rat, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return nil, false
	}
	return new(big.Rat).Set(price), true
}

// Convert turns an observed currency amount into a token quantity at the
// prevailing rate, rounding down. Amounts below one token granularity
// convert to zero, which callers treat as "too small", not as an error.
func (o *Oracle) Convert(amount *big.Rat, currency string) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("oracle not configured")
	}
	if !o.IsReady() {
		return 0, ErrNotReady
	}
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	price, ok := o.Price(currency)
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	usd := new(big.Rat).Mul(amount, price)
	tokens := usd.Quo(usd, o.tokenPrice)
	return new(big.Int).Quo(tokens.Num(), tokens.Denom()).Int64(), nil
}

func median(quotes []*big.Rat) *big.Rat {
	sorted := make([]*big.Rat, len(quotes))
	copy(sorted, quotes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
