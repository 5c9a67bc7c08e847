package push

import (
	"context"
	"time"

	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// TokenSource resolves the push token for an identity.
type TokenSource interface {
	Load(ctx context.Context, identity string) (token string, ok bool)
}

// Dispatcher resolves tokens and hands notifications to a provider.
// Delivery is at-most-once: a failed attempt is logged and counted, never
// retried.
type Dispatcher struct {
	tokens   TokenSource
	provider Provider
	timeout  time.Duration
}

// NewDispatcher wires a token source to a provider. timeout bounds every
// provider call.
func NewDispatcher(tokens TokenSource, provider Provider, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{tokens: tokens, provider: provider, timeout: timeout}
}

// Notify sends one notification to the identity's registered device. The
// returned outcome says what happened; callers that fire and forget can
// ignore it, the metrics already record it.
func (d *Dispatcher) Notify(ctx context.Context, identity, title, body string, data map[string]string) Outcome {
	token, ok := d.tokens.Load(ctx, identity)
	if !ok {
		logger.Debug("No push token registered, skipping notification",
			zap.String("identity", identity))
		d.record(OutcomeSkipped)
		return OutcomeSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.provider.Send(ctx, Notification{
		Token: token,
		Title: title,
		Body:  body,
		Data:  data,
	})
	if err != nil {
		logger.Warn("Push notification failed",
			zap.String("identity", identity),
			zap.Error(err))
		d.record(OutcomeFailed)
		return OutcomeFailed
	}

	logger.Debug("Push notification delivered",
		zap.String("identity", identity))
	d.record(OutcomeDelivered)
	return OutcomeDelivered
}

func (d *Dispatcher) record(outcome Outcome) {
	metrics.IncrementPushDispatches(string(outcome))
}
