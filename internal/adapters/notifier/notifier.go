// Package notifier provides the default ports.Notifier: alerts land in
// the structured log, colour-coded by severity. Deployments with a
// chat or webhook sink swap this adapter out behind the same port.
package notifier

import (
	"context"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

// LogNotifier writes notifications through the injected logger.
// Notifications are fire-and-forget and idempotent by contract, so
// delivery failures are not surfaced to callers.
type LogNotifier struct {
	logger ports.Logger
}

func NewLogNotifier(logger ports.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, body string, severity domain.NotifySeverity) {
	ctx := context.Background()
	fields := map[string]interface{}{"severity": string(severity), "body": body}
	switch severity {
	case domain.SeverityRed:
		n.logger.Error(ctx, nil, "ALERT: "+title, fields)
	case domain.SeverityYellow:
		n.logger.Warn(ctx, "ALERT: "+title, fields)
	default:
		n.logger.Info(ctx, "ALERT: "+title, fields)
	}
}
