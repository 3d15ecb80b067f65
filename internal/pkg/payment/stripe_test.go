package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStripeClient(serverURL string) *StripeClient {
	return &StripeClient{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		APIBaseURL:    serverURL,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

func TestStripeCreateIntent(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payment_intents", r.URL.Path)

		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "sk_test_123", user)

		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"amount":   r.PostForm.Get("amount"),
			"currency": r.PostForm.Get("currency"),
			"plan":     r.PostForm.Get("metadata[plan_code]"),
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":            "pi_123",
			"client_secret": "pi_123_secret",
			"status":        "requires_payment_method",
		})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	intent, err := client.CreateIntent(context.Background(), 500, "EUR", map[string]string{"plan_code": "day-pass"})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", intent.ProviderID)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Equal(t, "500", gotForm["amount"])
	assert.Equal(t, "eur", gotForm["currency"])
	assert.Equal(t, "day-pass", gotForm["plan"])
}

func TestStripeQueryStatus(t *testing.T) {
	status := "succeeded"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/payment_intents/pi_123", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pi_123", "status": status})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)

	got, err := client.QueryStatus(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got)

	status = "processing"
	got, err = client.QueryStatus(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got)
}

func TestNormalizeStripeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want NormalizedStatus
	}{
		{"requires_payment_method", StatusInitialized},
		{"requires_source", StatusInitialized},
		{"requires_confirmation", StatusProcessing},
		{"requires_action", StatusProcessing},
		{"requires_capture", StatusProcessing},
		{"processing", StatusProcessing},
		{"succeeded", StatusSucceeded},
		{"SUCCEEDED", StatusSucceeded},
		{"canceled", StatusFailed},
		{"something_new", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeStripeStatus(tt.in), "status %q", tt.in)
	}
}

func TestStripeRefund(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "pi_123", r.PostForm.Get("payment_intent"))
		require.Equal(t, "250", r.PostForm.Get("amount"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "re_1", "amount": 250, "status": "succeeded"})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	refunded, err := client.Refund(context.Background(), "pi_123", 250, "guest request")
	require.NoError(t, err)
	assert.Equal(t, int64(250), refunded)
}

func TestStripeRefundAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient funds"}}`))
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	_, err := client.Refund(context.Background(), "pi_123", 100, "")
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "stripe", perr.Provider)
	assert.Equal(t, "refund", perr.Op)
}

func stripeEventPayload(eventID, eventType string, object map[string]interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{"object": object},
	})
	return payload
}

func TestStripeVerifyAndNormalizeWebhook(t *testing.T) {
	client := newTestStripeClient("http://unused")
	now := time.Now()

	t.Run("payment succeeded", func(t *testing.T) {
		payload := stripeEventPayload("evt_1", "payment_intent.succeeded", map[string]interface{}{
			"id": "pi_123", "object": "payment_intent",
		})
		event, err := client.VerifyAndNormalizeWebhook(payload, signStripePayload(t, payload, testWebhookSecret, now))
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, EventPaymentSucceeded, event.Type)
		assert.Equal(t, "evt_1", event.ProviderEventID)
		assert.Equal(t, "pi_123", event.ProviderPaymentID)
	})

	t.Run("payment failed", func(t *testing.T) {
		payload := stripeEventPayload("evt_2", "payment_intent.payment_failed", map[string]interface{}{
			"id": "pi_123", "object": "payment_intent",
		})
		event, err := client.VerifyAndNormalizeWebhook(payload, signStripePayload(t, payload, testWebhookSecret, now))
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, EventPaymentFailed, event.Type)
	})

	t.Run("charge refunded maps intent reference", func(t *testing.T) {
		payload := stripeEventPayload("evt_3", "charge.refunded", map[string]interface{}{
			"id": "ch_1", "object": "charge", "payment_intent": "pi_123", "amount_refunded": 500,
		})
		event, err := client.VerifyAndNormalizeWebhook(payload, signStripePayload(t, payload, testWebhookSecret, now))
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, EventChargeRefunded, event.Type)
		assert.Equal(t, "pi_123", event.ProviderPaymentID)
		assert.Equal(t, int64(500), event.AmountRefundedCents)
	})

	t.Run("unsupported event type is ignored", func(t *testing.T) {
		payload := stripeEventPayload("evt_4", "customer.created", map[string]interface{}{"id": "cus_1"})
		event, err := client.VerifyAndNormalizeWebhook(payload, signStripePayload(t, payload, testWebhookSecret, now))
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		payload := stripeEventPayload("evt_5", "payment_intent.succeeded", map[string]interface{}{"id": "pi_123"})
		_, err := client.VerifyAndNormalizeWebhook(payload, fmt.Sprintf("t=%d,v1=deadbeef", now.Unix()))
		assert.ErrorIs(t, err, ErrSignature)
	})
}
