package handlers

import (
	"net/http"

	"opsdash/internal/app"
	"opsdash/internal/middleware"

	"github.com/gin-gonic/gin"
)

// DashboardHandlers serves the aggregated session state to the presentation layer.
type DashboardHandlers struct {
	app *app.App
}

func NewDashboardHandlers(a *app.App) *DashboardHandlers {
	return &DashboardHandlers{app: a}
}

// Register mounts the dashboard API on api. Login is public; every other
// route goes through requireAuth.
func (h *DashboardHandlers) Register(api *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	api.POST("/session/login", h.LoginPOST)

	authed := api.Group("")
	authed.Use(requireAuth)
	{
		authed.GET("/session", h.SessionGET)
		authed.POST("/session/logout", h.LogoutPOST)
		authed.POST("/session/refresh", h.RefreshPOST)

		authed.GET("/connection", h.ConnectionGET)
		authed.POST("/connection/connect", h.ConnectPOST)
		authed.POST("/connection/disconnect", h.DisconnectPOST)

		authed.GET("/metrics", h.MetricsGET)
		authed.POST("/metrics/refresh", h.MetricsRefreshPOST)

		authed.GET("/notifications", h.NotificationsGET)
		authed.POST("/notifications", h.NotificationsPOST)
		authed.POST("/notifications/read-all", h.NotificationsReadAllPOST)
		authed.POST("/notifications/:id/read", h.NotificationReadPOST)
		authed.DELETE("/notifications/:id", h.NotificationDELETE)
		authed.DELETE("/notifications", h.NotificationsClearDELETE)
	}
}

// RequireSession lets a request through only when its token user owns the
// live session. It guards routes outside the handlers, such as the event socket.
func (h *DashboardHandlers) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.currentSession(c) == nil {
			return
		}
		c.Next()
	}
}

// currentSession returns the live session owned by the authenticated user, or
// writes 401 and returns nil.
func (h *DashboardHandlers) currentSession(c *gin.Context) *app.Session {
	s := h.app.Current()
	if s == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": app.ErrNoSession.Error()})
		return nil
	}
	if user := c.GetString(middleware.ContextUsername); user != "" && user != s.User {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token does not match the active session"})
		return nil
	}
	return s
}
