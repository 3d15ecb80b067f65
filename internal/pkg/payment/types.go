package payment

import (
	"context"
	"errors"
	"fmt"
)

// NormalizedStatus is the provider-agnostic payment status vocabulary. Every
// provider-specific status maps to exactly one of these; anything a provider
// adapter cannot classify becomes StatusUnknown, which never advances the
// state machine.
type NormalizedStatus string

const (
	StatusInitialized NormalizedStatus = "initialized"
	StatusProcessing  NormalizedStatus = "processing"
	StatusSucceeded   NormalizedStatus = "succeeded"
	StatusFailed      NormalizedStatus = "failed"
	StatusUnknown     NormalizedStatus = "unknown"
)

// EventType classifies normalized webhook events.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventChargeRefunded   EventType = "charge_refunded"
)

// NormalizedEvent is the provider-agnostic shape of a verified webhook event.
type NormalizedEvent struct {
	Type              EventType
	ProviderEventID   string
	ProviderPaymentID string
	// AmountRefundedCents is the cumulative refunded amount for refund
	// events; zero otherwise.
	AmountRefundedCents int64
	RawPayloadJSON      string
}

// Intent is the provider-side payment intent reference handed back to the
// guest client. ClientSecret is client-side confirmation material only.
type Intent struct {
	ProviderID   string
	ClientSecret string
}

// Provider is the payment gateway capability consumed by the payment ledger.
// One implementation exists per supported gateway; all core logic operates
// only on normalized statuses and events.
type Provider interface {
	Name() string
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
	QueryStatus(ctx context.Context, providerID string) (NormalizedStatus, error)
	Refund(ctx context.Context, providerID string, amountCents int64, reason string) (int64, error)
	VerifyAndNormalizeWebhook(payload []byte, signature string) (*NormalizedEvent, error)
}

// ErrSignature is returned when webhook signature verification fails. The
// request is rejected at the boundary and no ledger mutation happens.
var ErrSignature = errors.New("webhook signature verification failed")

// ProviderError wraps any failure talking to the external gateway, including
// timeouts. Ambiguous results are treated as "not yet succeeded".
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
