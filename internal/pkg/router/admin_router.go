package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/hotspotfox/HotspotFox/app/controllers"
	"github.com/hotspotfox/HotspotFox/internal/pkg/constants"
	"github.com/hotspotfox/HotspotFox/internal/pkg/middleware"
)

// AdminRouter carries the token-protected operator routes.
type AdminRouter struct {
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group(constants.AdminRoute, middleware.AdminTokenMiddleware())

	admin.Post("/vouchers/batches", controllers.HandleCreateVoucherBatch)
	admin.Get("/vouchers/batches/:batchID", controllers.HandleListVoucherBatch)
	admin.Get("/vouchers/:id", controllers.HandleGetVoucher)
	admin.Post("/vouchers/:id/revoke", controllers.HandleRevokeVoucher)

	admin.Post("/entitlements", controllers.HandleAdminGrant)
	admin.Post("/entitlements/revoke", controllers.HandleAdminRevokeMAC)

	admin.Post("/payments/:id/refund", controllers.HandleRefundPayment)

	admin.Get("/settings", controllers.HandleGetSettings)
	admin.Put("/settings", controllers.HandleUpdateSettings)

	admin.Get("/queue/stats", controllers.HandleQueueStats)
	admin.Get("/clients/:mac", controllers.HandleClientStatus)
}

func NewAdminRouter() *AdminRouter {
	return &AdminRouter{}
}
