// Package router builds the echo instance and registers the API routes.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/handler"
)

// New returns an echo instance with validation, panic recovery and zap
// request logging installed. Extra middleware runs after those.
func New(log *zap.Logger, extra ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()

	reqLog := log.Named("http")
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:     true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			reqLog.Info("request", fields...)
			return nil
		},
	}))
	e.Use(extra...)
	return e
}

// RegisterRoutes registers routes that need no authentication.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterPublic registers the guest pod and slot listings, the latter
// cached through cache, and the gateway callback. The callback
// authenticates itself by MAC.
func RegisterPublic(e *echo.Echo, pods *handler.PodHandler, s *handler.SlotHandler, p *handler.PaymentHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/pods", pods.List)
	if cache == nil {
		e.GET("/v1/pods/:id/slots", s.List)
	} else {
		e.GET("/v1/pods/:id/slots", s.List, cache)
	}
	e.POST("/v1/payments/zalopay/callback", p.Callback)
}
