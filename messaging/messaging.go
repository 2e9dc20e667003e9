// Package messaging holds the outbound collaborator interfaces: buyer chat
// messages and operator alerts. The transports behind them live outside this
// service.
package messaging

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Messenger delivers a plain-text message to a buyer's communication channel.
type Messenger interface {
	SendToDevice(ctx context.Context, deviceAddress, text string) error
}

// MessengerFunc adapts ordinary functions to Messenger.
type MessengerFunc func(ctx context.Context, deviceAddress, text string) error

// SendToDevice implements Messenger.
func (f MessengerFunc) SendToDevice(ctx context.Context, deviceAddress, text string) error {
	if f == nil {
		return nil
	}
	return f(ctx, deviceAddress, text)
}

// Alerter raises an operator alert. Alerts are diagnostic, failures to
// deliver them never fail the calling operation.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// AlerterFunc adapts ordinary functions to Alerter.
type AlerterFunc func(ctx context.Context, subject, body string) error

// Alert implements Alerter.
func (f AlerterFunc) Alert(ctx context.Context, subject, body string) error {
	if f == nil {
		return nil
	}
	return f(ctx, subject, body)
}

// LogAlerter writes alerts to the service log. Used when no operator channel
// is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(ctx context.Context, subject, body string) error {
	_ = ctx
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("operator alert", "subject", subject, "body", body)
	return nil
}

// Throttled rate-limits an underlying messenger so a burst of chain events
// cannot flood the chat hub.
type Throttled struct {
	next    Messenger
	limiter *rate.Limiter
}

// NewThrottled wraps next with a limiter of perSecond messages and the given
// burst.
func NewThrottled(next Messenger, perSecond float64, burst int) *Throttled {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// SendToDevice implements Messenger, waiting for limiter capacity first.
func (t *Throttled) SendToDevice(ctx context.Context, deviceAddress, text string) error {
	if t == nil || t.next == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.next.SendToDevice(ctx, deviceAddress, text)
}
