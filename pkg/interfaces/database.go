package interfaces

import (
	"context"
	"time"

	"soulchat/pkg/types"
)

// IncidentStore persists crisis incident metadata.
type IncidentStore interface {
	// RecordActivation opens a new incident for the state's scope.
	RecordActivation(ctx context.Context, state types.CrisisState) error

	// RecordRefresh bumps the open incident's expiry and refresh count.
	RecordRefresh(ctx context.Context, state types.CrisisState) error

	// RecordEnd closes the open incident for scope.
	RecordEnd(ctx context.Context, scope string, endedAt time.Time, reason string) error

	// ListIncidents returns the most recent incidents, newest first.
	ListIncidents(ctx context.Context, limit int) ([]*types.Incident, error)

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and closes the database.
	Close() error
}
