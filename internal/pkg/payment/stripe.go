package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// StripeClient implements the Provider capability against the Stripe API.
type StripeClient struct {
	SecretKey     string
	WebhookSecret string
	APIBaseURL    string

	HTTPClient *http.Client
}

// NewStripeClientFromSettings builds an adapter from a resolved settings
// snapshot. The secret key stays inside the adapter and never reaches the
// ledger tables.
func NewStripeClientFromSettings(settings *models.AppSettings) *StripeClient {
	secretKey, webhookSecret, _ := settings.StripeConfig()
	return &StripeClient{
		SecretKey:     strings.TrimSpace(secretKey),
		WebhookSecret: strings.TrimSpace(webhookSecret),
		APIBaseURL:    defaultStripeAPIBaseURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Name returns the registry key of this provider.
func (c *StripeClient) Name() string {
	return "stripe"
}

// SignatureHeader returns the webhook signature header Stripe sends.
func (c *StripeClient) SignatureHeader() string {
	return "Stripe-Signature"
}

func (c *StripeClient) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	if c.SecretKey == "" {
		return nil, errors.New("stripe secret key is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.SecretKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *StripeClient) getJSON(ctx context.Context, path string) ([]byte, error) {
	if c.SecretKey == "" {
		return nil, errors.New("stripe secret key is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.SecretKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent creates a provider-side payment intent.
func (c *StripeClient) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", strings.ToLower(strings.TrimSpace(currency)))
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	body, err := c.postForm(ctx, "/payment_intents", form)
	if err != nil {
		return nil, &ProviderError{Provider: c.Name(), Op: "create_intent", Err: err}
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Op: "create_intent", Err: err}
	}
	if intent.ID == "" {
		return nil, &ProviderError{Provider: c.Name(), Op: "create_intent", Err: errors.New("response missing intent id")}
	}
	return &Intent{ProviderID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// QueryStatus re-queries the provider and maps its status vocabulary onto the
// normalized enum. The mapping is total: unclassified statuses are unknown.
func (c *StripeClient) QueryStatus(ctx context.Context, providerID string) (NormalizedStatus, error) {
	body, err := c.getJSON(ctx, "/payment_intents/"+url.PathEscape(providerID))
	if err != nil {
		return StatusUnknown, &ProviderError{Provider: c.Name(), Op: "query_status", Err: err}
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return StatusUnknown, &ProviderError{Provider: c.Name(), Op: "query_status", Err: err}
	}
	return normalizeStripeStatus(intent.Status), nil
}

func normalizeStripeStatus(status string) NormalizedStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "requires_payment_method", "requires_source":
		return StatusInitialized
	case "requires_confirmation", "requires_action", "requires_capture", "processing":
		return StatusProcessing
	case "succeeded":
		return StatusSucceeded
	case "canceled":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

type stripeRefund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// Refund issues a monetary refund against a payment intent and returns the
// refunded amount.
func (c *StripeClient) Refund(ctx context.Context, providerID string, amountCents int64, reason string) (int64, error) {
	form := url.Values{}
	form.Set("payment_intent", providerID)
	if amountCents > 0 {
		form.Set("amount", strconv.FormatInt(amountCents, 10))
	}
	if reason != "" {
		form.Set("metadata[reason]", reason)
	}

	body, err := c.postForm(ctx, "/refunds", form)
	if err != nil {
		return 0, &ProviderError{Provider: c.Name(), Op: "refund", Err: err}
	}

	var refund stripeRefund
	if err := json.Unmarshal(body, &refund); err != nil {
		return 0, &ProviderError{Provider: c.Name(), Op: "refund", Err: err}
	}
	if refund.ID == "" {
		return 0, &ProviderError{Provider: c.Name(), Op: "refund", Err: errors.New("response missing refund id")}
	}
	return refund.Amount, nil
}

type stripeWebhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			Object         string `json:"object"`
			Amount         int64  `json:"amount"`
			AmountRefunded int64  `json:"amount_refunded"`
			PaymentIntent  string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyAndNormalizeWebhook checks the Stripe-Signature header and maps the
// event onto the normalized vocabulary. Unsupported event types return a nil
// event with no error; the caller acknowledges and ignores them.
func (c *StripeClient) VerifyAndNormalizeWebhook(payload []byte, signature string) (*NormalizedEvent, error) {
	if !VerifyStripeWebhookSignature(payload, signature, c.WebhookSecret, time.Now()) {
		return nil, ErrSignature
	}

	var envelope stripeWebhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	event := &NormalizedEvent{
		ProviderEventID: envelope.ID,
		RawPayloadJSON:  string(payload),
	}

	switch envelope.Type {
	case "payment_intent.succeeded":
		event.Type = EventPaymentSucceeded
		event.ProviderPaymentID = envelope.Data.Object.ID
	case "payment_intent.payment_failed", "payment_intent.canceled":
		event.Type = EventPaymentFailed
		event.ProviderPaymentID = envelope.Data.Object.ID
	case "charge.refunded":
		event.Type = EventChargeRefunded
		// Refund events reference the charge; the intent id links back to
		// the local payment row.
		event.ProviderPaymentID = envelope.Data.Object.PaymentIntent
		event.AmountRefundedCents = envelope.Data.Object.AmountRefunded
	default:
		return nil, nil
	}

	if event.ProviderPaymentID == "" {
		return nil, fmt.Errorf("webhook event %s missing payment reference", envelope.Type)
	}
	return event, nil
}
