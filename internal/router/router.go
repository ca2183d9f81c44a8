package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/crewly/attendance-api/internal/handler"
	"github.com/crewly/attendance-api/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	// Used by load balancers and monitoring to verify the service is up.
	e.GET("/healthz", handler.Health)
}

// RegisterRSVP registers the RSVP engine's endpoints under /v1.  All routes
// require a valid access token; the rate limiter (rl) runs after
// authentication so limits key on the user rather than the client IP.
// Crew-membership authorization happens inside the service, where the
// slot's owning crew is known.
func RegisterRSVP(e *echo.Echo, h *handler.RSVPHandler, jwtSecret string, rl echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		rl,
	)
	g.POST("/slots/:id/rsvp", h.CreateRSVP)
	g.DELETE("/slots/:id/rsvp", h.CancelRSVP)
	g.GET("/slots/:id/occupancy", h.Occupancy)
	g.GET("/slots/:id/attendees", h.Attendees)
	g.GET("/my-rsvps", h.MyRSVPs)
}
