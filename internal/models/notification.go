package models

import (
	"strings"
	"time"
)

// Notification is a user-facing alert tracked by the notification store.
type Notification struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// NormalizeSeverity maps aliases to the known severities; anything else is info.
func NormalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning, "warn":
		return SeverityWarning
	case SeverityError, "danger", "critical":
		return SeverityError
	default:
		return SeverityInfo
	}
}
