package ports

import (
	"context"

	"tradeengine/internal/domain"
)

// UserConfigProvider is the collaborator that looks up per-user
// settings. ConfigResolver merges its result with
// config.GlobalDefaults to produce an EffectiveConfig.
type UserConfigProvider interface {
	// GetOverride returns the per-user override, or a zero-value
	// UserOverride{Enabled:false} if the user has none.
	GetOverride(ctx context.Context, userID string) (domain.UserOverride, error)
}

// UserDirectory is the user registry/billing collaborator needed by
// broadcastSignal's fan-out.
type UserDirectory interface {
	// AutoTradeUsers returns userIDs with autoTradeEnabled=true AND
	// enabled=true. Users without stored venue credentials are still
	// listed; the broadcast fan-out skips them via VenueProvider.
	AutoTradeUsers(ctx context.Context) ([]string, error)
}
