package app

import (
	"context"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

// StaticVenueProvider serves one shared VenueClient for every user:
// the single-account deployment, where the process runs with one set
// of venue credentials. Multi-tenant deployments plug in a real
// credential lookup instead.
type StaticVenueProvider struct {
	Client ports.VenueClient
}

func (p *StaticVenueProvider) ForUser(ctx context.Context, userID string) (ports.VenueClient, error) {
	return p.Client, nil
}

// StaticUserDirectory lists a fixed set of auto-trade users, for the
// single-account deployment and tests.
type StaticUserDirectory struct {
	UserIDs []string
}

func (d *StaticUserDirectory) AutoTradeUsers(ctx context.Context) ([]string, error) {
	return d.UserIDs, nil
}

// NoOverrides resolves every user to the global defaults.
type NoOverrides struct{}

func (NoOverrides) GetOverride(ctx context.Context, userID string) (domain.UserOverride, error) {
	return domain.UserOverride{}, nil
}
