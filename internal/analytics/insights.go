package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Insight is one precomputed dashboard card.
type Insight struct {
	Kind   string  `json:"kind"`
	Title  string  `json:"title"`
	Detail string  `json:"detail"`
	Value  float64 `json:"value"`
}

// InsightsReport carries the cards for one trailing window.
type InsightsReport struct {
	WindowDays int       `json:"window_days"`
	Insights   []Insight `json:"insights"`
}

// Insights derives dashboard cards from the last days of traffic: total
// spend, the costliest model and agent, the busiest day and what prompt
// caching saved.
func (e *Engine) Insights(ctx context.Context, teamID string, days int) (*InsightsReport, error) {
	days = clampDays(days, 30, 365)
	win := LastDays(days, e.nowFunc())
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}
	rollups, err := baseRollups(ctx, pool, ResolutionDay, win.Start, win.End, Filter{})
	if err != nil {
		return nil, err
	}
	models, err := baseModelCosts(ctx, pool, win.Start, win.End)
	if err != nil {
		return nil, err
	}
	agents, err := baseAgentCosts(ctx, pool, win.Start, win.End)
	if err != nil {
		return nil, err
	}
	return &InsightsReport{
		WindowDays: days,
		Insights:   buildInsights(rollups, models, agents, e.cacheSavings(ctx, models)),
	}, nil
}

func buildInsights(rollups []rollup, models []modelCost, agents []agentCost, savings float64) []Insight {
	var cost float64
	var requests int64
	var busiest rollup
	for _, r := range rollups {
		cost += r.cost
		requests += r.requests
		if r.requests > busiest.requests {
			busiest = r
		}
	}
	out := []Insight{{
		Kind:   "total_spend",
		Title:  "Total spend",
		Detail: fmt.Sprintf("%d requests", requests),
		Value:  cost,
	}}
	if mc := buildModelCosts(models); len(mc.Models) > 0 {
		top := mc.Models[0]
		out = append(out, Insight{
			Kind:   "top_model",
			Title:  top.Model,
			Detail: fmt.Sprintf("%.1f%% of spend", top.Share),
			Value:  top.CostTotal,
		})
	}
	if ac := buildAgentCosts(agents); len(ac.Agents) > 0 {
		top := ac.Agents[0]
		out = append(out, Insight{
			Kind:   "top_agent",
			Title:  top.Agent,
			Detail: fmt.Sprintf("%.1f%% of attributed spend", top.Share),
			Value:  top.CostTotal,
		})
	}
	if busiest.requests > 0 {
		out = append(out, Insight{
			Kind:   "busiest_day",
			Title:  "Busiest day",
			Detail: busiest.bucket.Format("2006-01-02"),
			Value:  float64(busiest.requests),
		})
	}
	if savings > 0 {
		out = append(out, Insight{
			Kind:  "cache_savings",
			Title: "Saved by prompt caching",
			Value: savings,
		})
	}
	return out
}

// PeriodTotals are the headline aggregates of one comparison period.
type PeriodTotals struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	TotalCost     float64   `json:"total_cost"`
	TotalRequests int64     `json:"total_requests"`
	TotalTokens   int64     `json:"total_tokens"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
}

// MetricsReport compares the trailing window against the one before it.
// Delta percentages are nil when the previous period had no baseline.
type MetricsReport struct {
	WindowDays    int          `json:"window_days"`
	Current       PeriodTotals `json:"current"`
	Previous      PeriodTotals `json:"previous"`
	CostDelta     *float64     `json:"cost_delta_percent"`
	RequestsDelta *float64     `json:"requests_delta_percent"`
	TokensDelta   *float64     `json:"tokens_delta_percent"`
	LatencyDelta  *float64     `json:"latency_delta_percent"`
}

// Metrics compares the last days of traffic against the equal-length
// period before them. Both periods are rolling, measured back from now.
func (e *Engine) Metrics(ctx context.Context, teamID string, days int) (*MetricsReport, error) {
	days = clampDays(days, 7, 365)
	now := e.nowFunc().UTC()
	span := time.Duration(days) * 24 * time.Hour
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}
	current, err := periodTotals(ctx, pool, now.Add(-span), now)
	if err != nil {
		return nil, err
	}
	previous, err := periodTotals(ctx, pool, now.Add(-2*span), now.Add(-span))
	if err != nil {
		return nil, err
	}
	rep := &MetricsReport{WindowDays: days, Current: current, Previous: previous}
	rep.CostDelta = deltaPercent(previous.TotalCost, current.TotalCost)
	rep.RequestsDelta = deltaPercent(float64(previous.TotalRequests), float64(current.TotalRequests))
	rep.TokensDelta = deltaPercent(float64(previous.TotalTokens), float64(current.TotalTokens))
	rep.LatencyDelta = deltaPercent(previous.AvgLatencyMs, current.AvgLatencyMs)
	return rep, nil
}

func periodTotals(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) (PeriodTotals, error) {
	t := PeriodTotals{Start: start, End: end}
	err := pool.QueryRow(ctx, `SELECT COUNT(*)::BIGINT,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(AVG(latency_ms), 0)::DOUBLE PRECISION
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2`, start, end,
	).Scan(&t.TotalRequests, &t.TotalCost, &t.TotalTokens, &t.AvgLatencyMs)
	if err != nil {
		return t, fmt.Errorf("query period totals: %w", err)
	}
	return t, nil
}

// deltaPercent is the relative change from prev to curr, nil when prev is
// zero.
func deltaPercent(prev, curr float64) *float64 {
	if prev == 0 {
		return nil
	}
	d := (curr - prev) / prev * 100
	return &d
}
