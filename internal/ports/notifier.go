package ports

import "context"

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Notifier delivers alerts to a human. Fire-and-forget: implementations log
// their own failures and never return them, so alerting can never block
// trading logic.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string)
}
