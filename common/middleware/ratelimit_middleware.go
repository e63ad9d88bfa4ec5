package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/fluxline/bpmn-engine/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to
// bypass rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}
	return internalHeader == expectedSecret
}

// GlobalRateLimit checks the service-wide request limit before any
// handler runs. Limiter errors fail open: availability beats precision
// when redis is down.
func GlobalRateLimit(limiter *ratelimit.Limiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := limiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
