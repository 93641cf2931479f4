package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jpillora/overseer"
	"github.com/jpillora/overseer/fetcher"

	"github.com/ManuelReschke/CreditWallet/app/controllers"
	"github.com/ManuelReschke/CreditWallet/app/repository"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/archive"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/cache"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/database"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/graceful"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/middleware"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/router"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

func main() {
	env.SetupEnvFile()

	overseer.Run(overseer.Config{
		Program:       program,
		Address:       env.GetEnv("APP_HOST", "localhost") + ":" + env.GetEnv("APP_PORT", "4000"),
		Fetcher:       &fetcher.File{Path: env.GetEnv("APP_BIN_FILE", "./creditwallet"), Interval: 5 * time.Second},
		Debug:         env.IsDev(),
		RestartSignal: graceful.RestartSignal,
	})
}

func program(state overseer.State) {
	// Cancelled by OS signals or an overseer restart
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	graceful.SetupGracefulShutdown(cancel)

	app, manager := NewApplication(ctx)

	go func() {
		if err := app.Listener(state.Listener); err != nil {
			log.Printf("Server stopped: %v", err)
			cancel()
		}
	}()

	// Block until terminated
	<-ctx.Done()

	log.Println("Shutting down gracefully...")
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		log.Printf("Fiber shutdown error: %v", err)
	}
	manager.Stop()
	if err := cache.GetClient().Close(); err != nil {
		log.Printf("Cache close error: %v", err)
	}
	if sqlDB, err := database.GetDB().DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Println("Cleanup done. Exiting.")
}

func NewApplication(ctx context.Context) (*fiber.App, *jobqueue.Manager) {
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	// catalog
	resolver := catalog.NewResolver(repos.Catalog, repos.ActionCost, env.GetEnvInt64("CATALOG_DEFAULT_ACTION_COST", catalog.DefaultActionCost))
	if n, err := resolver.Seed(ctx); err != nil {
		log.Printf("Catalog seed failed: %v", err)
	} else if n > 0 {
		log.Printf("Catalog seeded with %d entries", n)
	}

	walletSvc := wallet.NewService(db,
		wallet.WithMaxAttempts(env.GetEnvInt("WALLET_CAS_MAX_ATTEMPTS", wallet.DefaultMaxAttempts)),
		wallet.WithActionPricer(resolver),
		wallet.WithUsageRecorder(counter.AddActionUsage),
	)

	// background jobs
	manager := jobqueue.GetManager()
	queue := manager.GetQueue()
	billingSvc := billing.NewServiceFromDB(db, walletSvc, resolver,
		billing.WithReplayScheduler(queue.ReplayScheduler()),
		billing.WithArchiveScheduler(queue.ArchiveScheduler()),
	)

	var archiver billing.PayloadArchiver
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid archive configuration: %v", err)
	}
	if archiveCfg.IsEnabled() {
		client, err := archive.NewClient(ctx, archiveCfg)
		if err != nil {
			log.Printf("Webhook archive disabled: %v", err)
		} else {
			archiver = client
		}
	}
	manager.SetWebhookService(billingSvc, archiver)
	manager.Start()

	signupBonus := env.GetEnvInt64("WALLET_SIGNUP_BONUS", wallet.DefaultSignupBonus)
	stripe := billing.NewStripeClientFromEnv()
	paypal := billing.NewPayPalClientFromEnv()

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "CreditWallet",
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), middleware.RequestID, logger.New(logger.Config{
		Format: "[${time}] ${locals:request_id} ${status} - ${latency} ${method} ${path}\n",
	}), middleware.RequestMetrics)

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Wallet:   controllers.NewWalletController(walletSvc, signupBonus, env.IsProd()),
		Billing:  controllers.NewBillingController(billingSvc, stripe, paypal),
		Checkout: controllers.NewCheckoutController(resolver, stripe, paypal, controllers.CheckoutURLs{
			SuccessURL: env.GetEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
			CancelURL:  env.GetEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		}),
		Admin:     controllers.NewAdminController(walletSvc, billingSvc, manager, signupBonus),
		JWTSecret: env.GetEnv("JWT_SECRET", ""),
		Limiter:   router.LimiterConfigFromEnv(),
		Monitor: router.MonitorConfigFromEnv(map[string]router.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"cache": cache.Ping,
		}),
	})

	return app, manager
}
