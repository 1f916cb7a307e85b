package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pod-booking/internal/handler"
	"github.com/iliyamo/pod-booking/internal/middleware"
)

// RegisterOwner registers the pod registry and slot generation for pod
// owners and admins.
func RegisterOwner(e *echo.Echo, pods *handler.PodHandler, slots *handler.SlotHandler, jwtSecret string) {
	auth := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleOwner, middleware.RoleAdmin),
	}
	g := e.Group("/v1/pods", auth...)
	g.POST("", pods.Create)
	g.PATCH("/:id", pods.Rename)
	g.POST("/:id/slots/generate", slots.Generate)

	e.GET("/v1/owner/pods", pods.ListMine, auth...)
}
