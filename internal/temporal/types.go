package temporal

import "time"

// RetentionSweepInput configures one retention sweep run. A zero Retention
// falls back to DefaultRetention.
type RetentionSweepInput struct {
	Retention time.Duration `json:"retention"`
}

// SweepTeamInput is the per-team input for the SweepTeamContent activity.
// The cutoff is computed once in the workflow so every team sees the same
// horizon regardless of activity retries.
type SweepTeamInput struct {
	TeamID    string    `json:"team_id"`
	OlderThan time.Time `json:"older_than"`
}

// SweepResult summarizes a fleet-wide retention sweep.
type SweepResult struct {
	Teams   int   `json:"teams"`
	Failed  int   `json:"failed"`
	Removed int64 `json:"removed"`
}

// RefreshResult summarizes an aggregate refresh pass.
type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// PurgeResult reports how many expired cooldown entries were dropped.
type PurgeResult struct {
	Expired int `json:"expired"`
}
