package temporal

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/hiveops/hive/internal/alert"
	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/store"
)

// AggregateRefresher re-materializes the recent window of a team's daily
// rollups. *store.TieredStore satisfies it.
type AggregateRefresher interface {
	RefreshAggregates(ctx context.Context, teamID string) error
}

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Docs      docstore.Store
	Events    store.EventStore
	Refresher AggregateRefresher
	Cooldowns *alert.Cooldowns
}

// ListTeams enumerates tenants so workflows can fan maintenance out
// per team.
func (a *Activities) ListTeams(ctx context.Context) ([]string, error) {
	return a.Docs.ListTeams(ctx)
}

// SweepTeamContent reclaims one team's unreferenced cold-store rows older
// than the cutoff and returns how many were removed.
func (a *Activities) SweepTeamContent(ctx context.Context, input SweepTeamInput) (int64, error) {
	activity.RecordHeartbeat(ctx, input.TeamID)
	return a.Events.SweepExpiredContent(ctx, input.TeamID, input.OlderThan)
}

// RefreshTeamAggregates forces the recent window of one team's continuous
// aggregates so budget reads stay close to live spend.
func (a *Activities) RefreshTeamAggregates(ctx context.Context, teamID string) error {
	activity.RecordHeartbeat(ctx, teamID)
	return a.Refresher.RefreshAggregates(ctx, teamID)
}

// PurgeCooldowns drops alert cooldown entries whose suppression window has
// passed, bounding the ledger's memory.
func (a *Activities) PurgeCooldowns(ctx context.Context) (int, error) {
	return a.Cooldowns.Purge(), nil
}
