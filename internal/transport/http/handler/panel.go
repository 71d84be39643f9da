package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosmonaut/missionpanel/internal/domain"
	"github.com/kosmonaut/missionpanel/internal/panel"
)

// PanelHandler exposes a read-only view of missions and attempts for
// operational tooling. It never writes — submission and claiming stay
// behind the CLI/library API, per the core's transport-free contract.
type PanelHandler struct {
	pool *pgxpool.Pool
}

// NewPanelHandler returns a handler backed by pool.
func NewPanelHandler(pool *pgxpool.Pool) *PanelHandler {
	return &PanelHandler{pool: pool}
}

// ListMissions handles GET /missions?tag=&limit=.
func (h *PanelHandler) ListMissions(c *gin.Context) {
	tag := c.Query("tag")
	limit, _ := strconv.Atoi(c.Query("limit"))

	missions, err := panel.ListMissions(c.Request.Context(), h.pool, tag, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions})
}

// GetMission handles GET /missions/:id, including its attempt history.
func (h *PanelHandler) GetMission(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mission id"})
		return
	}

	mission, err := panel.GetMission(c.Request.Context(), h.pool, id)
	if err != nil {
		if errors.Is(err, domain.ErrMissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	attempts, err := panel.ListAttempts(c.Request.Context(), h.pool, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"mission": mission, "attempts": attempts})
}
