package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pod-booking/internal/handler"
	"github.com/iliyamo/pod-booking/internal/middleware"
)

// RegisterCustomer registers booking endpoints under /v1. All routes
// require a valid JWT and the CUSTOMER role; ownership is checked by the
// booking service.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleCustomer),
	)
	g.POST("/pods/:id/bookings", h.Create)
	g.GET("/bookings/:id", h.Get)
	g.PATCH("/bookings/:id", h.Patch)
	g.POST("/bookings/:id/cancel", h.Cancel)
}
