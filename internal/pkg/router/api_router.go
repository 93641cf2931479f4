package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	apiv1 "github.com/ManuelReschke/CreditWallet/internal/api/v1"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/cache"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/middleware"
)

// LimiterConfig bounds API requests per client.
type LimiterConfig struct {
	Max        int
	Expiration time.Duration
	// Storage keeps counters shared across instances; nil uses fiber's memory store.
	Storage fiber.Storage
}

// LimiterConfigFromEnv reads API_RATE_LIMIT_* and backs the limiter with
// Redis database API_RATE_LIMIT_REDIS_DB unless API_RATE_LIMIT_STORAGE=memory.
func LimiterConfigFromEnv() LimiterConfig {
	cfg := LimiterConfig{
		Max:        env.GetEnvInt("API_RATE_LIMIT_MAX", 120),
		Expiration: env.GetEnvDuration("API_RATE_LIMIT_WINDOW", time.Minute),
	}
	if env.GetEnv("API_RATE_LIMIT_STORAGE", "redis") == "memory" {
		return cfg
	}

	host := env.GetEnv("CACHE_HOST", "localhost")
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := cache.GetClient(); c != nil && c.Options().Password != "" {
		password = c.Options().Password
	}

	// Separate database for limiter counters (cache uses DB 0)
	cfg.Storage = redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("API_RATE_LIMIT_REDIS_DB", 2),
		Reset:    false,
	})
	log.Infof("[Router] API limiter backed by redis %s:%d", host, port)
	return cfg
}

type ApiRouter struct {
	server    *apiv1.APIServer
	jwtSecret string
	limiter   LimiterConfig
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        h.limiter.Max,
		Expiration: h.limiter.Expiration,
		Storage:    h.limiter.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiv1.RegisterHandlersWithOptions(v1, h.server, apiv1.FiberServerOptions{
		Auth:  []fiber.Handler{middleware.JWTAuth(h.jwtSecret), middleware.RequireAuth},
		Admin: []fiber.Handler{middleware.RequireAdmin},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	if deps.Limiter.Max <= 0 {
		deps.Limiter.Max = 120
	}
	if deps.Limiter.Expiration <= 0 {
		deps.Limiter.Expiration = time.Minute
	}
	return &ApiRouter{
		server:    apiv1.NewAPIServer(deps.Wallet, deps.Billing, deps.Checkout, deps.Admin),
		jwtSecret: deps.JWTSecret,
		limiter:   deps.Limiter,
	}
}

