package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
)

// HealthCheck reports whether one backing service answers.
type HealthCheck func(ctx context.Context) error

// MonitorConfig protects /monitor and lists the /healthz probes.
type MonitorConfig struct {
	Users  map[string]string
	Checks map[string]HealthCheck
}

// MonitorConfigFromEnv reads MONITOR_USER and MONITOR_PASSWORD.
func MonitorConfigFromEnv(checks map[string]HealthCheck) MonitorConfig {
	return MonitorConfig{
		Users: map[string]string{
			env.GetEnv("MONITOR_USER", "admin"): env.GetEnv("MONITOR_PASSWORD", "test"),
		},
		Checks: checks,
	}
}

type OpsRouter struct {
	cfg MonitorConfig
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	// prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// fiber monitor
	app.Get("/monitor", basicauth.New(basicauth.Config{
		Users: h.cfg.Users,
	}), monitor.New())
}

func (h OpsRouter) healthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status := fiber.StatusOK
	checks := fiber.Map{}
	for name, check := range h.cfg.Checks {
		if err := check(ctx); err != nil {
			status = fiber.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":     status == fiber.StatusOK,
		"checks": checks,
	})
}

func NewOpsRouter(cfg MonitorConfig) *OpsRouter {
	return &OpsRouter{cfg: cfg}
}
