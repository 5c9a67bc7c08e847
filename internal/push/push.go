// Package push delivers notifications to offline recipients through a
// pluggable provider.
package push

import "context"

// Outcome classifies a single dispatch attempt.
type Outcome string

const (
	// OutcomeDelivered means the provider accepted the notification.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeSkipped means the recipient had no registered token.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the provider call errored or timed out.
	OutcomeFailed Outcome = "failed"
)

// Notification is the provider-agnostic payload of a push.
type Notification struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Provider sends a notification to a single device token.
type Provider interface {
	Send(ctx context.Context, n Notification) error
}
