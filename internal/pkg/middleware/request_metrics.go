package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/usercontext"
)

const HeaderRequestID = "X-Request-ID"

// RequestID propagates the caller's request id or assigns a new one.
func RequestID(c *fiber.Ctx) error {
	id := c.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals(usercontext.KeyRequestID, id)
	c.Set(HeaderRequestID, id)
	return c.Next()
}

// RequestMetrics records request count and latency per matched route.
func RequestMetrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	// Unmatched paths are collapsed so scanners cannot blow up label cardinality.
	route := "unmatched"
	if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
		route = r.Path
	}
	metrics.RecordHTTPRequest(c.Method(), route, status, time.Since(start).Seconds())
	return err
}
