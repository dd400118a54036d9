package handlers

import (
	"errors"
	"net/http"

	"opsdash/internal/middleware"
	"opsdash/internal/models"
	"opsdash/internal/session"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

func sessionResponse(st session.State) gin.H {
	return gin.H{
		"user":       st.User,
		"token":      st.Token,
		"expires_at": st.ExpiresAt,
	}
}

// LoginPOST authenticates and starts the user's session.
func (h *DashboardHandlers) LoginPOST(c *gin.Context) {
	var req loginRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if _, err := h.app.Login(req.Username, req.Password); err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	st := h.app.Sessions().Current()
	toast(c, models.SeveritySuccess, "Signed in", "Welcome back, "+st.User)
	c.JSON(http.StatusOK, sessionResponse(st))
}

func (h *DashboardHandlers) LogoutPOST(c *gin.Context) {
	h.app.Logout()
	toast(c, models.SeverityInfo, "Signed out", "")
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// RefreshPOST reissues the token; the socket re-authenticates in place.
func (h *DashboardHandlers) RefreshPOST(c *gin.Context) {
	st, err := h.app.Refresh()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(st))
}

func (h *DashboardHandlers) SessionGET(c *gin.Context) {
	st := h.app.Sessions().Current()
	active := h.app.Current() != nil
	c.JSON(http.StatusOK, gin.H{
		"user":       st.User,
		"expires_at": st.ExpiresAt,
		"active":     active,
	})
}
