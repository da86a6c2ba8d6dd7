package server

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"modelwatch/internal/metrics"
)

const requestIDKey = "request_id"

// RequestIDMiddleware tags every request with an ID, honoring an inbound
// X-Request-ID header and echoing the ID back to the client.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Request().Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Set(requestIDKey, requestID)
			c.Response().Header().Set("X-Request-ID", requestID)
			return next(c)
		}
	}
}

// AccessLogMiddleware writes one slog line per request and feeds the
// HTTP request metrics.
func AccessLogMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			duration := time.Since(start)

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"request_id", c.Get(requestIDKey),
				"remote_ip", c.RealIP(),
			)
			metrics.ObserveHTTPRequest(req.Method, c.Path(), status, duration)

			return err
		}
	}
}
