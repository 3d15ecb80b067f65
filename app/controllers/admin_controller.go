package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/jobqueue"
	"github.com/hotspotfox/HotspotFox/internal/pkg/netctl"
	"github.com/hotspotfox/HotspotFox/internal/pkg/payment"
	"github.com/hotspotfox/HotspotFox/internal/pkg/reconcile"
	"github.com/hotspotfox/HotspotFox/internal/pkg/voucher"
)

var (
	adminVoucherService *voucher.Service
	adminPaymentService *payment.Service
	adminEngine         *reconcile.Engine
	adminPlanRepo       repository.PlanRepository
	adminRegistry       *payment.Registry
	adminController     *netctl.Provider
	adminSettings       repository.SettingRepository
)

// InitializeAdminController wires the operator handlers with their services.
func InitializeAdminController(vs *voucher.Service, ps *payment.Service, engine *reconcile.Engine, plans repository.PlanRepository, registry *payment.Registry, controller *netctl.Provider, settings repository.SettingRepository) {
	adminVoucherService = vs
	adminPaymentService = ps
	adminEngine = engine
	adminPlanRepo = plans
	adminRegistry = registry
	adminController = controller
	adminSettings = settings
}

type createVoucherBatchRequest struct {
	PlanCode       string    `json:"plan_code" validate:"required"`
	Count          int       `json:"count" validate:"required,min=1,max=1000"`
	CodeLength     int       `json:"code_length" validate:"omitempty,min=6,max=16"`
	ValidFrom      time.Time `json:"valid_from" validate:"required"`
	ValidUntil     time.Time `json:"valid_until" validate:"required"`
	MultipleUse    bool      `json:"multiple_use"`
	MaxRedemptions int       `json:"max_redemptions" validate:"omitempty,min=1"`

	DownloadKbpsOverride *int `json:"download_kbps_override,omitempty"`
	UploadKbpsOverride   *int `json:"upload_kbps_override,omitempty"`
	DataCapMBOverride    *int `json:"data_cap_mb_override,omitempty"`
}

// HandleCreateVoucherBatch generates a batch of vouchers.
func HandleCreateVoucherBatch(c *fiber.Ctx) error {
	var req createVoucherBatchRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	batchID, vouchers, err := adminVoucherService.GenerateBatch(c.Context(), voucher.GenerateBatchInput{
		PlanCode:             req.PlanCode,
		Count:                req.Count,
		CodeLength:           req.CodeLength,
		ValidFrom:            req.ValidFrom,
		ValidUntil:           req.ValidUntil,
		MultipleUse:          req.MultipleUse,
		MaxRedemptions:       req.MaxRedemptions,
		DownloadKbpsOverride: req.DownloadKbpsOverride,
		UploadKbpsOverride:   req.UploadKbpsOverride,
		DataCapMBOverride:    req.DataCapMBOverride,
	})
	if err != nil {
		return serviceError(c, err)
	}

	codes := make([]string, 0, len(vouchers))
	for _, v := range vouchers {
		codes = append(codes, v.Code)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"batch_id": batchID,
		"count":    len(vouchers),
		"codes":    codes,
	})
}

// HandleListVoucherBatch returns all vouchers of one batch.
func HandleListVoucherBatch(c *fiber.Ctx) error {
	vouchers, err := adminVoucherService.ListBatch(c.Context(), c.Params("batchID"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"vouchers": vouchers})
}

// HandleGetVoucher returns one voucher including its redemptions.
func HandleGetVoucher(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Voucher id must be numeric")
	}
	v, err := adminVoucherService.Get(c.Context(), uint(id))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"voucher": v})
}

// HandleRevokeVoucher withdraws a voucher and its open entitlements.
func HandleRevokeVoucher(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Voucher id must be numeric")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	v, err := adminVoucherService.Revoke(ctx, uint(id))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"voucher": fiber.Map{"id": v.ID, "code": v.Code, "status": v.Status}})
}

type adminGrantRequest struct {
	MAC             string `json:"mac" validate:"required"`
	PlanCode        string `json:"plan_code" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=1"`
	Free            bool   `json:"free"`
}

// HandleAdminGrant issues an operator entitlement directly.
func HandleAdminGrant(c *fiber.Ctx) error {
	var req adminGrantRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	plan, err := adminPlanRepo.GetByCode(req.PlanCode)
	if err != nil {
		return serviceError(c, voucher.ErrPlanNotFound)
	}

	source := models.EntitlementSourceAdmin
	if req.Free {
		source = models.EntitlementSourceFree
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ent, err := adminEngine.GrantAdmin(ctx, req.MAC, plan, req.DurationMinutes, source)
	if err != nil {
		return serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"entitlement": entitlementJSON(ent)})
}

type adminRevokeRequest struct {
	MAC string `json:"mac" validate:"required"`
}

// HandleAdminRevokeMAC withdraws all open access for a MAC.
func HandleAdminRevokeMAC(c *fiber.Ctx) error {
	var req adminRevokeRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := adminEngine.RevokeForMAC(ctx, req.MAC); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

type refundPaymentRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"omitempty,min=1"`
	Reason      string `json:"reason" validate:"omitempty,max=255"`
}

// HandleRefundPayment refunds a payment fully or partially.
func HandleRefundPayment(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Payment id must be numeric")
	}

	var req refundPaymentRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := adminPaymentService.Refund(ctx, uint(id), req.AmountCents, req.Reason)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(fiber.Map{"payment": paymentJSON(p, false)})
}

// HandleGetSettings returns the current settings with secrets masked.
func HandleGetSettings(c *fiber.Ctx) error {
	settings, err := adminSettings.Get()
	if err != nil || settings == nil {
		return jsonError(c, fiber.StatusInternalServerError, "settings_unavailable", "Settings are not loaded")
	}

	baseURL, site, username, password := settings.ControllerConfig()
	secretKey, webhookSecret, publishableKey := settings.StripeConfig()
	return c.JSON(fiber.Map{
		"site_title":             settings.GetSiteTitle(),
		"portal_enabled":         settings.IsPortalEnabled(),
		"sweep_interval_seconds": settings.GetSweepIntervalSeconds(),
		"job_queue_worker_count": settings.GetJobQueueWorkerCount(),
		"controller_base_url":    baseURL,
		"controller_site":        site,
		"controller_username":    username,
		"controller_password":    maskSecret(password),
		"stripe_secret_key":      maskSecret(secretKey),
		"stripe_webhook_secret":  maskSecret(webhookSecret),
		"stripe_publishable_key": publishableKey,
	})
}

type updateSettingsRequest struct {
	SiteTitle            *string `json:"site_title,omitempty"`
	PortalEnabled        *bool   `json:"portal_enabled,omitempty"`
	SweepIntervalSeconds *int    `json:"sweep_interval_seconds,omitempty"`
	JobQueueWorkerCount  *int    `json:"job_queue_worker_count,omitempty"`
	ControllerBaseURL    *string `json:"controller_base_url,omitempty"`
	ControllerSite       *string `json:"controller_site,omitempty"`
	ControllerUsername   *string `json:"controller_username,omitempty"`
	ControllerPassword   *string `json:"controller_password,omitempty"`
	StripeSecretKey      *string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret  *string `json:"stripe_webhook_secret,omitempty"`
	StripePublishableKey *string `json:"stripe_publishable_key,omitempty"`
}

// HandleUpdateSettings persists settings changes and invalidates the adapter
// caches so the next provider/controller use picks up the new credentials.
func HandleUpdateSettings(c *fiber.Ctx) error {
	current, err := adminSettings.Get()
	if err != nil || current == nil {
		return jsonError(c, fiber.StatusInternalServerError, "settings_unavailable", "Settings are not loaded")
	}

	var req updateSettingsRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	baseURL, site, username, password := current.ControllerConfig()
	secretKey, webhookSecret, publishableKey := current.StripeConfig()
	next := &models.AppSettings{
		SiteTitle:            current.GetSiteTitle(),
		PortalEnabled:        current.IsPortalEnabled(),
		SweepIntervalSeconds: current.GetSweepIntervalSeconds(),
		JobQueueWorkerCount:  current.GetJobQueueWorkerCount(),
		ControllerBaseURL:    baseURL,
		ControllerSite:       site,
		ControllerUsername:   username,
		ControllerPassword:   password,
		StripeSecretKey:      secretKey,
		StripeWebhookSecret:  webhookSecret,
		StripePublishableKey: publishableKey,
	}

	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyString(&next.SiteTitle, req.SiteTitle)
	applyString(&next.ControllerBaseURL, req.ControllerBaseURL)
	applyString(&next.ControllerSite, req.ControllerSite)
	applyString(&next.ControllerUsername, req.ControllerUsername)
	applyString(&next.ControllerPassword, req.ControllerPassword)
	applyString(&next.StripeSecretKey, req.StripeSecretKey)
	applyString(&next.StripeWebhookSecret, req.StripeWebhookSecret)
	applyString(&next.StripePublishableKey, req.StripePublishableKey)
	if req.PortalEnabled != nil {
		next.PortalEnabled = *req.PortalEnabled
	}
	if req.SweepIntervalSeconds != nil {
		next.SweepIntervalSeconds = *req.SweepIntervalSeconds
	}
	if req.JobQueueWorkerCount != nil {
		next.JobQueueWorkerCount = *req.JobQueueWorkerCount
	}

	if err := adminSettings.Save(next); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "settings_invalid", err.Error())
	}

	// Drop cached adapters; they were built from the old snapshot.
	adminRegistry.InvalidateAll()
	if fresh, err := adminSettings.Get(); err == nil && fresh != nil {
		adminController.Reload(fresh)
	}
	log.Info("[Admin] Settings updated, adapter caches invalidated")

	return HandleGetSettings(c)
}

// HandleQueueStats returns job queue depth and outcome counters.
func HandleQueueStats(c *fiber.Ctx) error {
	queue := jobqueue.GetManager().GetQueue()
	ctx := c.Context()

	stats, err := queue.GetJobStats(ctx)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "queue_unavailable", "Could not read queue stats")
	}
	pending, _ := queue.GetQueueSize(ctx)
	processing, _ := queue.GetProcessingSize(ctx)

	return c.JSON(fiber.Map{
		"pending":    pending,
		"processing": processing,
		"stats":      stats,
	})
}

// HandleClientStatus returns the controller's live view of one client.
func HandleClientStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := adminController.Get().ClientStatus(ctx, c.Params("mac"))
	if err != nil {
		return jsonError(c, fiber.StatusBadGateway, "controller_unavailable", "Controller query failed")
	}
	return c.JSON(fiber.Map{"client": status})
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "********"
}
