package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/hotspotfox/HotspotFox/app/controllers"
	"github.com/hotspotfox/HotspotFox/internal/pkg/constants"
)

// ApiRouter carries the guest-facing portal routes and the provider webhook
// endpoint.
type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "HotspotFox API",
		})
	})

	v1 := api.Group(constants.APIV1Route)

	v1.Get("/plans", controllers.HandleListPlans)
	v1.Post("/vouchers/redeem", controllers.HandleRedeemVoucher)
	v1.Post("/payments", controllers.HandleInitializePayment)
	v1.Get("/payments/:id", controllers.HandleGetPayment)
	v1.Post("/payments/:id/confirm", controllers.HandleConfirmPayment)
	v1.Get("/entitlements/current", controllers.HandleCurrentEntitlement)

	// Webhooks sit outside the limiter group so provider retries are never
	// rate limited away.
	app.Post(constants.PaymentWebhookRoute, controllers.HandlePaymentWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
