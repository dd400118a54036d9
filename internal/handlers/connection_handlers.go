package handlers

import (
	"net/http"

	"opsdash/internal/models"

	"github.com/gin-gonic/gin"
)

func (h *DashboardHandlers) ConnectionGET(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	c.JSON(http.StatusOK, s.Client.Status())
}

// ConnectPOST starts a connection attempt and resets an exhausted retry budget.
func (h *DashboardHandlers) ConnectPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	s.Client.Connect()
	toast(c, models.SeverityInfo, "Connecting", "Connecting to "+s.Client.Status().Endpoint)
	c.JSON(http.StatusAccepted, s.Client.Status())
}

func (h *DashboardHandlers) DisconnectPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	s.Client.Disconnect()
	toast(c, models.SeverityWarning, "Disconnected", "Live updates are paused")
	c.JSON(http.StatusOK, s.Client.Status())
}
