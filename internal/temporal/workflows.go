package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout = 5 * time.Minute

	// DefaultRetention is how long an unreferenced cold-store row survives
	// before the sweep may reclaim it.
	DefaultRetention = 90 * 24 * time.Hour
)

// RetentionSweepWorkflow walks every tenant and reclaims cold-store content
// whose reference count dropped to zero before the retention horizon. One
// failing tenant is logged and skipped; the rest of the fleet still sweeps.
func RetentionSweepWorkflow(ctx workflow.Context, input RetentionSweepInput) (SweepResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	retention := input.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := workflow.Now(ctx).Add(-retention)

	var teams []string
	if err := workflow.ExecuteActivity(ctx, (*Activities).ListTeams).Get(ctx, &teams); err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, team := range teams {
		var removed int64
		err := workflow.ExecuteActivity(ctx, (*Activities).SweepTeamContent, SweepTeamInput{
			TeamID:    team,
			OlderThan: cutoff,
		}).Get(ctx, &removed)
		if err != nil {
			workflow.GetLogger(ctx).Error("content sweep failed", "team_id", team, "error", err)
			result.Failed++
			continue
		}
		result.Teams++
		result.Removed += removed
	}
	return result, nil
}

// AggregateRefreshWorkflow re-materializes the recent window of every
// tenant's daily rollups between scheduled continuous-aggregate refreshes.
func AggregateRefreshWorkflow(ctx workflow.Context) (RefreshResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var teams []string
	if err := workflow.ExecuteActivity(ctx, (*Activities).ListTeams).Get(ctx, &teams); err != nil {
		return RefreshResult{}, err
	}

	var result RefreshResult
	for _, team := range teams {
		if err := workflow.ExecuteActivity(ctx, (*Activities).RefreshTeamAggregates, team).Get(ctx, nil); err != nil {
			workflow.GetLogger(ctx).Error("aggregate refresh failed", "team_id", team, "error", err)
			result.Failed++
			continue
		}
		result.Refreshed++
	}
	return result, nil
}

// CooldownPurgeWorkflow trims expired entries from the alert cooldown
// ledger.
func CooldownPurgeWorkflow(ctx workflow.Context) (PurgeResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var expired int
	if err := workflow.ExecuteActivity(ctx, (*Activities).PurgeCooldowns).Get(ctx, &expired); err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{Expired: expired}, nil
}
