package handlers

import (
	"opsdash/internal/models"
	"opsdash/internal/utils"

	"github.com/gin-gonic/gin"
)

const (
	headerToastType    = "X-Toast-Type"
	headerToastTitle   = "X-Toast-Title"
	headerToastMessage = "X-Toast-Message"
)

// toast asks the front end to show a transient banner for the action. The
// banner uses the notification severities, so "warn" and "critical" map the
// same way they do in the feed.
func toast(c *gin.Context, severity, title, msg string) {
	c.Header(headerToastType, models.NormalizeSeverity(severity))
	if title = utils.SanitizeString(title); title != "" {
		c.Header(headerToastTitle, title)
	}
	if msg = utils.SanitizeString(msg); msg != "" {
		c.Header(headerToastMessage, msg)
	}
}

// toastNotification mirrors a notification created through the API.
func toastNotification(c *gin.Context, n models.Notification) {
	toast(c, n.Severity, n.Title, n.Message)
}
