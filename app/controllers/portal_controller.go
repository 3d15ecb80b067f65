package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
	"github.com/hotspotfox/HotspotFox/internal/pkg/payment"
	"github.com/hotspotfox/HotspotFox/internal/pkg/voucher"
)

var (
	portalVoucherService *voucher.Service
	portalPaymentService *payment.Service
	portalLedger         *entitlement.Ledger
	portalPlanRepo       repository.PlanRepository
)

// InitializePortalController wires the guest-facing handlers with their
// services.
func InitializePortalController(vs *voucher.Service, ps *payment.Service, ledger *entitlement.Ledger, plans repository.PlanRepository) {
	portalVoucherService = vs
	portalPaymentService = ps
	portalLedger = ledger
	portalPlanRepo = plans
}

func portalEnabled(c *fiber.Ctx) bool {
	settings := models.GetAppSettings()
	return settings != nil && settings.IsPortalEnabled()
}

// HandleListPlans returns the purchasable plan catalog for the portal.
func HandleListPlans(c *fiber.Ctx) error {
	plans, err := portalPlanRepo.GetPurchasable()
	if err != nil {
		return serviceError(c, err)
	}

	out := make([]fiber.Map, 0, len(plans))
	for _, p := range plans {
		out = append(out, fiber.Map{
			"code":             p.Code,
			"name":             p.Name,
			"duration_minutes": p.DurationMinutes,
			"download_kbps":    p.DownloadKbps,
			"upload_kbps":      p.UploadKbps,
			"data_cap_mb":      p.DataCapMB,
			"price_cents":      p.PriceCents,
			"currency":         p.Currency,
		})
	}
	return c.JSON(fiber.Map{"plans": out})
}

type redeemVoucherRequest struct {
	Code string `json:"code" validate:"required,min=4,max=32"`
	MAC  string `json:"mac" validate:"required"`
}

// HandleRedeemVoucher redeems a voucher code for the requesting client.
func HandleRedeemVoucher(c *fiber.Ctx) error {
	if !portalEnabled(c) {
		return jsonError(c, fiber.StatusServiceUnavailable, "portal_disabled", "Guest portal is disabled")
	}

	var req redeemVoucherRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	v, ent, err := portalVoucherService.Redeem(ctx, req.Code, req.MAC)
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"voucher": fiber.Map{
			"code":   v.Code,
			"status": v.Status,
		},
		"entitlement": entitlementJSON(ent),
	})
}

type initializePaymentRequest struct {
	PlanCode string `json:"plan_code" validate:"required"`
	Provider string `json:"provider" validate:"required"`
	MAC      string `json:"mac" validate:"required"`
}

// HandleInitializePayment creates a payment intent for a plan purchase.
func HandleInitializePayment(c *fiber.Ctx) error {
	if !portalEnabled(c) {
		return jsonError(c, fiber.StatusServiceUnavailable, "portal_disabled", "Guest portal is disabled")
	}

	var req initializePaymentRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	p, err := portalPaymentService.Initialize(ctx, req.PlanCode, req.Provider, req.MAC)
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"payment": paymentJSON(p, true),
	})
}

// HandleConfirmPayment re-queries the provider and advances the payment.
func HandleConfirmPayment(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Payment id must be numeric")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	p, err := portalPaymentService.Confirm(ctx, uint(id))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"payment": paymentJSON(p, false)})
}

// HandleGetPayment returns the current state of a payment.
func HandleGetPayment(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Payment id must be numeric")
	}

	p, err := portalPaymentService.Get(c.Context(), uint(id))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"payment": paymentJSON(p, false)})
}

// HandleCurrentEntitlement returns the open entitlement for a MAC.
func HandleCurrentEntitlement(c *fiber.Ctx) error {
	mac := c.Query("mac")
	if mac == "" {
		return jsonError(c, fiber.StatusBadRequest, "missing_mac", "Query parameter mac is required")
	}

	ent, err := portalLedger.CurrentFor(c.Context(), mac)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"entitlement": entitlementJSON(ent)})
}

func entitlementJSON(e *models.Entitlement) fiber.Map {
	now := time.Now()
	remaining := int64(0)
	if e.ExpiresAt.After(now) {
		remaining = int64(e.ExpiresAt.Sub(now) / time.Second)
	}
	return fiber.Map{
		"id":                e.ID,
		"subject_mac":       e.SubjectMAC,
		"source":            e.Source,
		"status":            e.Status,
		"authorized_at":     e.AuthorizedAt,
		"expires_at":        e.ExpiresAt,
		"remaining_seconds": remaining,
		"download_kbps":     e.DownloadKbps,
		"upload_kbps":       e.UploadKbps,
		"data_cap_mb":       e.DataCapMB,
	}
}

// paymentJSON serializes a payment. The client secret is only included right
// after initialization; it is confirmation material for the paying client.
func paymentJSON(p *models.Payment, includeSecret bool) fiber.Map {
	out := fiber.Map{
		"id":                  p.ID,
		"provider":            p.Provider,
		"provider_payment_id": p.ProviderPaymentID,
		"status":              p.Status,
		"amount_cents":        p.AmountCents,
		"currency":            p.Currency,
		"refunded_cents":      p.RefundedCents,
		"subject_mac":         p.SubjectMAC,
	}
	if p.EntitlementID != nil {
		out["entitlement_id"] = *p.EntitlementID
	}
	if includeSecret {
		out["client_secret"] = p.ClientSecret
	}
	return out
}
