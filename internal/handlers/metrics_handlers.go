package handlers

import (
	"errors"
	"net/http"

	"opsdash/internal/metrics"
	"opsdash/internal/models"

	"github.com/gin-gonic/gin"
)

func (h *DashboardHandlers) MetricsGET(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	resp := gin.H{
		"window": s.Metrics.Window(),
		"status": s.Metrics.Status(),
	}
	if latest, ok := s.Metrics.Latest(); ok {
		resp["latest"] = latest
	}
	c.JSON(http.StatusOK, resp)
}

// MetricsRefreshPOST runs a pull refresh now. A pull already in flight yields
// 409; a failed pull yields 502 with the stale window's status.
func (h *DashboardHandlers) MetricsRefreshPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	err := s.Metrics.Refresh(c.Request.Context())
	var failed *metrics.PullRefreshFailed
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"window": s.Metrics.Window(), "status": s.Metrics.Status()})
	case errors.Is(err, metrics.ErrPullInFlight):
		toast(c, models.SeverityInfo, "Refresh in progress", "")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &failed):
		toast(c, models.SeverityError, "Refresh failed", "Showing the last known data")
		c.JSON(http.StatusBadGateway, gin.H{"error": failed.Error(), "status": s.Metrics.Status()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
