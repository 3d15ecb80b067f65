package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/hotspotfox/HotspotFox/internal/pkg/payment"
)

var (
	webhookPaymentService *payment.Service
	webhookProviders      payment.ProviderSource
)

// InitializeWebhookController wires the webhook handler with the payment
// service and the provider registry.
func InitializeWebhookController(ps *payment.Service, providers payment.ProviderSource) {
	webhookPaymentService = ps
	webhookProviders = providers
}

// HandlePaymentWebhook receives provider webhook deliveries. The signature is
// verified at the boundary; a bad signature is rejected without touching the
// ledger. Everything after a valid signature is acknowledged with 200 so the
// provider does not retry forever, including processing failures, which are
// recorded on the stored event.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	providerName := c.Params("provider")
	provider, err := webhookProviders.Get(providerName)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "unknown_provider", "Unknown payment provider")
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(provider.SignatureHeader())

	event, err := provider.VerifyAndNormalizeWebhook(rawBody, signature)
	if err != nil {
		if errors.Is(err, payment.ErrSignature) {
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
		}
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload", "Webhook payload could not be parsed")
	}
	if event == nil {
		// Verified but irrelevant event type.
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := webhookPaymentService.ApplyWebhookEvent(ctx, provider.Name(), event)
	if err != nil {
		log.Errorf("[Webhook] Processing %s event %s failed: %v", provider.Name(), event.ProviderEventID, err)
		return c.JSON(fiber.Map{"ok": true, "processed": false})
	}
	if result.Duplicate {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.JSON(fiber.Map{"ok": true, "processed": true})
}
