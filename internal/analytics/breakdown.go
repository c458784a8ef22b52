package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiveops/hive/internal/store"
)

// Breakdown splits a trailing window of usage by day, model and feature.
type Breakdown struct {
	WindowDays int          `json:"window_days"`
	Daily      []DailyUsage `json:"daily"`
	ByModel    []UsageShare `json:"by_model"`
	ByFeature  []UsageShare `json:"by_feature"`
}

// DailyUsage is one calendar day of the breakdown. Days without traffic
// appear with zeros.
type DailyUsage struct {
	Date     string  `json:"date"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
}

// UsageShare is one grouped row of a breakdown. Share is a percentage of
// the breakdown's total cost.
type UsageShare struct {
	Name     string  `json:"name"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
	Share    float64 `json:"share"`
}

// UsageBreakdown reports the last days of traffic matching the filter,
// split by calendar day, by model and by feature. Events without a feature
// land in the unattributed row.
func (e *Engine) UsageBreakdown(ctx context.Context, teamID string, days int, f Filter) (*Breakdown, error) {
	days = clampDays(days, 30, 365)
	win := LastDays(days, e.nowFunc())
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}

	rollups, err := baseRollups(ctx, pool, ResolutionDay, win.Start, win.End, f)
	if err != nil {
		return nil, err
	}
	byModel, err := groupedUsage(ctx, pool, "model", win, f)
	if err != nil {
		return nil, err
	}
	byFeature, err := groupedUsage(ctx, pool,
		"COALESCE(NULLIF(metadata->>'feature', ''), 'unattributed')", win, f)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{WindowDays: days, ByModel: byModel, ByFeature: byFeature}
	for _, r := range fillDays(rollups, win.Start, win.End) {
		b.Daily = append(b.Daily, DailyUsage{
			Date:     r.bucket.Format("2006-01-02"),
			Cost:     r.cost,
			Requests: r.requests,
			Tokens:   r.totalTokens,
		})
	}
	return b, nil
}

func groupedUsage(ctx context.Context, pool *pgxpool.Pool, expr string, win Window, f Filter) ([]UsageShare, error) {
	args := []any{win.Start, win.End}
	where := "timestamp >= $1 AND timestamp < $2"
	if c := f.clause(&args); c != "" {
		where += " AND " + c
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT %s AS name,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION,
			COUNT(*)::BIGINT
		FROM llm_events
		WHERE %s
		GROUP BY 1`, expr, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage groups: %w", err)
	}
	defer rows.Close()
	var out []UsageShare
	var total float64
	for rows.Next() {
		var u UsageShare
		if err := rows.Scan(&u.Name, &u.Cost, &u.Requests); err != nil {
			return nil, fmt.Errorf("scan usage groups: %w", err)
		}
		total += u.Cost
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Name < out[j].Name
	})
	for i := range out {
		out[i].Share = sharePercent(out[i].Cost, total)
	}
	return out, nil
}

// RateReport summarizes request arrival rates over a trailing window.
// Rates are requests per second; only minutes with traffic participate so
// quiet stretches do not drag every percentile to zero. MaxBurst is the
// highest request count observed in any five second span.
type RateReport struct {
	WindowDays int     `json:"window_days"`
	PeakRate   float64 `json:"peak_rate"`
	P95Rate    float64 `json:"p95_rate"`
	AvgRate    float64 `json:"avg_rate"`
	MinRate    float64 `json:"min_rate"`
	MaxBurst   int64   `json:"max_burst"`
}

// RateMetrics aggregates matching traffic into one-minute buckets and
// derives arrival rate statistics from them.
func (e *Engine) RateMetrics(ctx context.Context, teamID string, days int, f Filter) (*RateReport, error) {
	days = clampDays(days, 7, 90)
	win := LastDays(days, e.nowFunc())
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}

	args := []any{win.Start, win.End}
	where := "timestamp >= $1 AND timestamp < $2"
	if c := f.clause(&args); c != "" {
		where += " AND " + c
	}

	rows, err := pool.Query(ctx, fmt.Sprintf(
		`SELECT COUNT(*)::BIGINT FROM llm_events WHERE %s GROUP BY date_trunc('minute', timestamp)`, where,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("query minute rates: %w", err)
	}
	counts, err := scanCounts(rows)
	if err != nil {
		return nil, err
	}

	rep := &RateReport{WindowDays: days}
	rep.PeakRate, rep.P95Rate, rep.AvgRate, rep.MinRate = ratesFromMinuteCounts(counts)

	err = pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(cnt), 0)::BIGINT FROM (
			SELECT COUNT(*) AS cnt FROM llm_events WHERE %s
			GROUP BY floor(extract(epoch FROM timestamp) / 5)
		) bursts`, where,
	), args...).Scan(&rep.MaxBurst)
	if err != nil {
		return nil, fmt.Errorf("query burst rate: %w", err)
	}
	return rep, nil
}

func scanCounts(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ratesFromMinuteCounts derives per-second rate statistics from per-minute
// request counts.
func ratesFromMinuteCounts(counts []int64) (peak, p95, avg, min float64) {
	if len(counts) == 0 {
		return 0, 0, 0, 0
	}
	rates := make([]float64, 0, len(counts))
	var sum float64
	for _, c := range counts {
		r := float64(c) / 60
		rates = append(rates, r)
		sum += r
	}
	sort.Float64s(rates)
	min = rates[0]
	peak = rates[len(rates)-1]
	avg = sum / float64(len(rates))
	idx := int(float64(len(rates)) * 0.95)
	if idx >= len(rates) {
		idx = len(rates) - 1
	}
	p95 = rates[idx]
	return peak, p95, avg, min
}

// logAgentExpr folds the effective agent to '' so grouped rows scan into
// plain strings.
const logAgentExpr = "COALESCE(" + store.EffectiveAgentExpr + ", '')"

// logGroupings are the accepted groupBy forms. cols names the LogGroup
// fields in scan order.
var logGroupings = map[string]struct {
	cols  []string
	exprs []string
}{
	"model":          {cols: []string{"model"}, exprs: []string{"model"}},
	"agent":          {cols: []string{"agent"}, exprs: []string{logAgentExpr}},
	"provider":       {cols: []string{"provider"}, exprs: []string{"COALESCE(provider, '')"}},
	"model,agent":    {cols: []string{"model", "agent"}, exprs: []string{"model", logAgentExpr}},
	"model,provider": {cols: []string{"model", "provider"}, exprs: []string{"model", "COALESCE(provider, '')"}},
}

// LogsQuery selects raw event rows or grouped aggregates between two
// instants. A zero End means now; a zero Start means no lower bound.
// GroupBy may be empty for raw rows or one of model, agent, provider,
// "model,agent", "model,provider".
type LogsQuery struct {
	Start   time.Time
	End     time.Time
	GroupBy string
	Limit   int
	Offset  int
}

// LogRow is one raw event row of a logs page.
type LogRow struct {
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    *int64    `json:"latency_ms"`
}

// LogGroup is one aggregated row of a grouped logs page.
type LogGroup struct {
	Model        string  `json:"model,omitempty"`
	Agent        string  `json:"agent,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	Requests     int64   `json:"requests"`
	Cost         float64 `json:"cost"`
	Tokens       int64   `json:"tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// LogsResult carries either raw rows or grouped aggregates, never both.
type LogsResult struct {
	GroupBy string     `json:"group_by,omitempty"`
	Rows    []LogRow   `json:"rows,omitempty"`
	Groups  []LogGroup `json:"groups,omitempty"`
}

// Logs pages through raw events or grouped aggregations of them.
func (e *Engine) Logs(ctx context.Context, teamID string, q LogsQuery) (*LogsResult, error) {
	if q.End.IsZero() {
		q.End = e.nowFunc().UTC()
	}
	if q.Start.IsZero() {
		q.Start = time.Unix(0, 0).UTC()
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}
	if q.GroupBy == "" {
		rows, err := rawLogs(ctx, pool, q)
		if err != nil {
			return nil, err
		}
		return &LogsResult{Rows: rows}, nil
	}
	grouping, ok := logGroupings[q.GroupBy]
	if !ok {
		return nil, fmt.Errorf("unknown groupBy %q", q.GroupBy)
	}
	groups, err := groupedLogs(ctx, pool, q, grouping.cols, grouping.exprs)
	if err != nil {
		return nil, err
	}
	return &LogsResult{GroupBy: q.GroupBy, Groups: groups}, nil
}

func rawLogs(ctx context.Context, pool *pgxpool.Pool, q LogsQuery) ([]LogRow, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT timestamp, trace_id, model,
			COALESCE(provider, ''), %s,
			COALESCE(input_tokens, 0)::BIGINT,
			COALESCE(output_tokens, 0)::BIGINT,
			cost_total, latency_ms
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp DESC, trace_id, call_sequence
		LIMIT $3 OFFSET $4`, logAgentExpr), q.Start, q.End, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()
	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.Timestamp, &r.TraceID, &r.Model, &r.Provider, &r.Agent,
			&r.InputTokens, &r.OutputTokens, &r.Cost, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func groupedLogs(ctx context.Context, pool *pgxpool.Pool, q LogsQuery, cols, exprs []string) ([]LogGroup, error) {
	selects := ""
	groups := ""
	for i, expr := range exprs {
		if i > 0 {
			selects += ", "
			groups += ", "
		}
		selects += expr
		groups += fmt.Sprintf("%d", i+1)
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT %s,
			COUNT(*)::BIGINT,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION AS cost,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(AVG(latency_ms), 0)::DOUBLE PRECISION
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY %s
		ORDER BY cost DESC
		LIMIT $3 OFFSET $4`, selects, groups), q.Start, q.End, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query grouped logs: %w", err)
	}
	defer rows.Close()
	var out []LogGroup
	for rows.Next() {
		var g LogGroup
		targets := make([]any, 0, len(cols)+4)
		for _, col := range cols {
			switch col {
			case "model":
				targets = append(targets, &g.Model)
			case "agent":
				targets = append(targets, &g.Agent)
			case "provider":
				targets = append(targets, &g.Provider)
			}
		}
		targets = append(targets, &g.Requests, &g.Cost, &g.Tokens, &g.AvgLatencyMs)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan log group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func clampDays(days, fallback, ceiling int) int {
	if days < 1 {
		return fallback
	}
	if days > ceiling {
		return ceiling
	}
	return days
}
