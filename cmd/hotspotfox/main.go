package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/hotspotfox/HotspotFox/app/controllers"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/cache"
	"github.com/hotspotfox/HotspotFox/internal/pkg/database"
	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
	"github.com/hotspotfox/HotspotFox/internal/pkg/env"
	"github.com/hotspotfox/HotspotFox/internal/pkg/jobqueue"
	"github.com/hotspotfox/HotspotFox/internal/pkg/netctl"
	"github.com/hotspotfox/HotspotFox/internal/pkg/payment"
	"github.com/hotspotfox/HotspotFox/internal/pkg/reconcile"
	"github.com/hotspotfox/HotspotFox/internal/pkg/router"
	"github.com/hotspotfox/HotspotFox/internal/pkg/voucher"
)

func main() {
	app, shutdown := NewApplication()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the full service: storage, cache, settings, the
// reconciliation engine, the job queue and the HTTP surface. The returned
// shutdown function stops the background workers.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	settings, err := repos.Setting.Load()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	// Controller adapter, rebuilt only on explicit settings reload.
	controllerProvider := netctl.NewProvider(netctl.NewUnifiClientFromSettings(settings))
	netctl.SetGlobalProvider(controllerProvider)

	// Job queue and reconciliation engine reference each other through
	// narrow interfaces; the queue delivers, the engine executes.
	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	ledger := entitlement.NewLedger(repos.Entitlement)
	engine := reconcile.NewEngine(ledger, repos.Entitlement, controllerProvider, queue)
	queue.SetReconciler(engine)

	registry := payment.GetRegistry()
	paymentService := payment.NewService(repos.Payment, repos.Plan, registry, engine)
	voucherService := voucher.NewService(repos.Voucher, repos.Plan, engine)

	manager.Start()

	sweeper := reconcile.NewSweeper(engine, time.Duration(settings.GetSweepIntervalSeconds())*time.Second)
	sweeper.SetGrantRepairer(paymentService)
	sweeper.Start()

	// HTTP surface
	controllers.InitializePortalController(voucherService, paymentService, ledger, repos.Plan)
	controllers.InitializeWebhookController(paymentService, registry)
	controllers.InitializeAdminController(voucherService, paymentService, engine, repos.Plan, registry, controllerProvider, repos.Setting)

	app := fiber.New(fiber.Config{
		AppName:   settings.GetSiteTitle(),
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app)

	shutdown := func() {
		sweeper.Stop()
		manager.Stop()
	}
	return app, shutdown
}
