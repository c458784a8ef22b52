package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/hiveops/hive/internal/analytics"
	"github.com/hiveops/hive/internal/docstore"
)

// enrich overwrites each budget's spent figure with the month-to-date
// total for its scope and attaches derived analytics. A failing spend
// query marks that budget unknown instead of failing the read.
func (s *Store) enrich(ctx context.Context, doc *docstore.PolicyDocument) {
	if s.spend == nil {
		return
	}
	now := s.nowFunc().UTC()
	for i := range doc.Budgets {
		b := &doc.Budgets[i]
		spent, err := s.spend.MonthToDateSpend(ctx, doc.TeamID, analytics.ForBudget(*b))
		if err != nil {
			slog.Warn("budget spend query failed",
				"team_id", doc.TeamID,
				"budget_id", b.ID,
				"error", err)
			b.Analytics = map[string]any{"status": "unknown", "period": "monthly"}
			continue
		}
		b.Spent = spent
		b.Analytics = budgetAnalytics(spent, b.Limit, now)
	}
}

// budgetAnalytics derives burn rate, projection and health status for one
// budget over the current calendar month.
func budgetAnalytics(spent, limit float64, now time.Time) map[string]any {
	daysInMonth := float64(daysIn(now))
	daysElapsed := float64(now.Day())
	daysRemaining := daysInMonth - daysElapsed

	burnRate := spent / daysElapsed
	projected := burnRate * daysInMonth

	var usagePct, projectedPct float64
	if limit > 0 {
		usagePct = spent / limit * 100
		projectedPct = projected / limit * 100
	}

	var daysUntil any
	onPaceToExceed := false
	if burnRate > 0 {
		d := (limit - spent) / burnRate
		if d < 0 {
			d = 0
		}
		daysUntil = d
		onPaceToExceed = d <= daysRemaining
	}

	status := "healthy"
	switch {
	case usagePct >= 100:
		status = "exceeded"
	case projectedPct >= 100 || onPaceToExceed:
		status = "at_risk"
	case usagePct >= 80 || projectedPct >= 80:
		status = "warning"
	}

	return map[string]any{
		"burnRate":         burnRate,
		"projectedSpend":   projected,
		"daysUntilLimit":   daysUntil,
		"usagePercent":     usagePct,
		"projectedPercent": projectedPct,
		"status":           status,
		"period":           "monthly",
	}
}

// daysIn returns the number of days in t's month. Day zero of the next
// month normalizes to the last day of this one.
func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
