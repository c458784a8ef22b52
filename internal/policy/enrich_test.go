package policy

import (
	"testing"
	"time"
)

func TestBudgetAnalytics(t *testing.T) {
	// March 2026 has 31 days.
	midMarch := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		spent, limit  float64
		now           time.Time
		wantStatus    string
		wantBurn      float64
		wantProjected float64
	}{
		{
			name:  "healthy",
			spent: 5, limit: 100, now: midMarch,
			wantStatus: "healthy", wantBurn: 0.3125, wantProjected: 9.6875,
		},
		{
			name:  "warning on projected spend",
			spent: 50, limit: 100, now: midMarch,
			wantStatus: "warning", wantBurn: 3.125, wantProjected: 96.875,
		},
		{
			name:  "warning on usage",
			spent: 80, limit: 100, now: time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
			wantStatus: "warning", wantBurn: 80.0 / 31, wantProjected: 80,
		},
		{
			name:  "at risk when on pace to exceed",
			spent: 40, limit: 100, now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			wantStatus: "at_risk", wantBurn: 4, wantProjected: 124,
		},
		{
			name:  "exceeded",
			spent: 120, limit: 100, now: midMarch,
			wantStatus: "exceeded", wantBurn: 7.5, wantProjected: 232.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := budgetAnalytics(tt.spent, tt.limit, tt.now)
			if got := m["status"]; got != tt.wantStatus {
				t.Errorf("status = %v, want %s", got, tt.wantStatus)
			}
			if got := m["burnRate"].(float64); !almost(got, tt.wantBurn) {
				t.Errorf("burnRate = %v, want %v", got, tt.wantBurn)
			}
			if got := m["projectedSpend"].(float64); !almost(got, tt.wantProjected) {
				t.Errorf("projectedSpend = %v, want %v", got, tt.wantProjected)
			}
			if got := m["period"]; got != "monthly" {
				t.Errorf("period = %v", got)
			}
		})
	}
}

func TestBudgetAnalyticsZeroBurn(t *testing.T) {
	m := budgetAnalytics(0, 100, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	if m["daysUntilLimit"] != nil {
		t.Errorf("daysUntilLimit = %v, want nil at zero burn rate", m["daysUntilLimit"])
	}
	if m["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", m["status"])
	}
}

func TestBudgetAnalyticsDaysUntilClampsAtZero(t *testing.T) {
	m := budgetAnalytics(120, 100, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	if got := m["daysUntilLimit"].(float64); got != 0 {
		t.Errorf("daysUntilLimit = %v, want 0 when already over", got)
	}
}

func TestDaysIn(t *testing.T) {
	tests := []struct {
		date time.Time
		want int
	}{
		{time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), 28},
		{time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), 29},
		{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 30},
		{time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC), 31},
	}
	for _, tt := range tests {
		if got := daysIn(tt.date); got != tt.want {
			t.Errorf("daysIn(%s) = %d, want %d", tt.date.Format("2006-01"), got, tt.want)
		}
	}
}
