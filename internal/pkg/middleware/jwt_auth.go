package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/auth"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/usercontext"
)

// JWTAuth authenticates requests carrying an HS256 bearer token and
// populates the user context.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		claims, err := auth.ValidateToken(token, secret)
		if err != nil {
			if errors.Is(err, auth.ErrEmptyJWTSecret) {
				log.Error("[Auth] JWT_SECRET is not configured")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Authentication unavailable"})
			}
			message := "Invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				message = "Token expired"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": message})
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     claims.UserID,
			Role:       claims.Role,
			IsLoggedIn: true,
			IsAdmin:    claims.IsAdmin(),
		})
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
