package handlers

import (
	"net/http"

	"opsdash/internal/middleware"
	"opsdash/internal/models"

	"github.com/gin-gonic/gin"
)

type notificationRequest struct {
	Severity string `json:"severity" validate:"omitempty,max=16"`
	Title    string `json:"title" validate:"required,max=200"`
	Message  string `json:"message" validate:"max=2000"`
}

func (h *DashboardHandlers) NotificationsGET(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	c.JSON(http.StatusOK, s.Notifications.Snapshot())
}

// NotificationsPOST records a locally raised notification.
func (h *DashboardHandlers) NotificationsPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	var req notificationRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	n, _ := s.Notifications.Add(models.Notification{
		Severity: req.Severity,
		Title:    req.Title,
		Message:  req.Message,
		Source:   "local",
	})
	toastNotification(c, n)
	c.JSON(http.StatusCreated, n)
}

func (h *DashboardHandlers) NotificationReadPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	id := c.Param("id")
	if !s.Notifications.MarkRead(id) && !h.exists(s.Notifications.List(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "unread_count": s.Notifications.UnreadCount()})
}

func (h *DashboardHandlers) NotificationsReadAllPOST(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	changed := s.Notifications.MarkAllRead()
	c.JSON(http.StatusOK, gin.H{"marked": changed, "unread_count": s.Notifications.UnreadCount()})
}

func (h *DashboardHandlers) NotificationDELETE(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	if !s.Notifications.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DashboardHandlers) NotificationsClearDELETE(c *gin.Context) {
	s := h.currentSession(c)
	if s == nil {
		return
	}
	s.Notifications.ClearAll()
	toast(c, models.SeveritySuccess, "Notifications cleared", "")
	c.Status(http.StatusNoContent)
}

func (h *DashboardHandlers) exists(items []models.Notification, id string) bool {
	for _, n := range items {
		if n.ID == id {
			return true
		}
	}
	return false
}
