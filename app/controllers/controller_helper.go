package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
	"github.com/hotspotfox/HotspotFox/internal/pkg/payment"
	"github.com/hotspotfox/HotspotFox/internal/pkg/voucher"
)

var validate = validator.New()

// jsonError writes the uniform error envelope.
func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// serviceError maps domain sentinel errors to HTTP responses. Anything not
// recognized is an internal error; the original message is not leaked.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, entitlement.ErrInvalidMAC):
		return jsonError(c, fiber.StatusBadRequest, "invalid_mac", "Client MAC address is not valid")
	case errors.Is(err, voucher.ErrVoucherNotFound):
		return jsonError(c, fiber.StatusNotFound, "voucher_not_found", "Unknown voucher code")
	case errors.Is(err, voucher.ErrVoucherNotActive):
		return jsonError(c, fiber.StatusConflict, "voucher_revoked", "Voucher has been revoked")
	case errors.Is(err, voucher.ErrVoucherNotYetValid):
		return jsonError(c, fiber.StatusConflict, "voucher_not_yet_valid", "Voucher validity window has not started")
	case errors.Is(err, voucher.ErrVoucherExpired):
		return jsonError(c, fiber.StatusConflict, "voucher_expired", "Voucher has expired")
	case errors.Is(err, voucher.ErrVoucherExhausted):
		return jsonError(c, fiber.StatusConflict, "voucher_exhausted", "Voucher has no redemptions left")
	case errors.Is(err, voucher.ErrPlanNotFound):
		return jsonError(c, fiber.StatusNotFound, "plan_not_found", "Unknown plan")
	case errors.Is(err, payment.ErrPlanUnavailable):
		return jsonError(c, fiber.StatusNotFound, "plan_unavailable", "Plan is not purchasable")
	case errors.Is(err, payment.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "payment_not_found", "Unknown payment")
	case errors.Is(err, payment.ErrNotRefundable):
		return jsonError(c, fiber.StatusConflict, "not_refundable", "Payment is not in a refundable state")
	case errors.Is(err, payment.ErrRefundTooLarge):
		return jsonError(c, fiber.StatusConflict, "refund_too_large", "Refund amount exceeds refundable remainder")
	case errors.Is(err, entitlement.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "entitlement_not_found", "No entitlement found")
	default:
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Something went wrong")
	}
}

// parseBody parses and validates a JSON request body. When ok is false the
// error response has already been written.
func parseBody(c *fiber.Ctx, out interface{}) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body could not be parsed")
	}
	if err := validate.Struct(out); err != nil {
		return false, jsonError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}
	return true, nil
}
