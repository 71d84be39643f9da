package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/kosmonaut/missionpanel/internal/health"
	"github.com/kosmonaut/missionpanel/internal/transport/http/handler"
	"github.com/kosmonaut/missionpanel/internal/transport/http/middleware"
)

// NewPanelRouter builds the read-only operational surface over missions
// and attempts: list/get views plus liveness and readiness, instrumented
// with the same RequestID/Metrics middleware the rest of the pack uses.
func NewPanelRouter(panelHandler *handler.PanelHandler, checker *health.Checker, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), sloggin.New(logger), middleware.Metrics())

	r.GET("/missions", panelHandler.ListMissions)
	r.GET("/missions/:id", panelHandler.GetMission)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, checker.Liveness(c.Request.Context()))
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := 200
		if result.Status != "up" {
			status = 503
		}
		c.JSON(status, result)
	})

	return r
}
