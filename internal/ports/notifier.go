package ports

import "tradeengine/internal/domain"

// Notifier is the out-of-band alerting sink. Calls are fire-and-forget:
// idempotent, with no ordering guarantees between messages.
type Notifier interface {
	Notify(title, body string, severity domain.NotifySeverity)
}
