package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiveops/hive/internal/store"
)

// rollup is one time bucket of the core aggregate set. The columns match
// the daily rollup views so rollup rows and base-table rows merge cleanly.
type rollup struct {
	bucket       time.Time
	requests     int64
	cost         float64
	inputTokens  int64
	outputTokens int64
	cachedTokens int64
	totalTokens  int64
	latencySum   int64
	latencyCount int64
}

// dailyRollups reads completed days from llm_events_daily_ca and today
// from the base table. A failing rollup query falls back to scanning the
// base table for the whole window.
func dailyRollups(ctx context.Context, pool *pgxpool.Pool, win Window, now time.Time) ([]rollup, error) {
	midnight := midnightUTC(now)
	var history []rollup
	if win.Start.Before(midnight) {
		var err error
		history, err = caDailyRollups(ctx, pool, win.Start, midnight)
		if err != nil {
			slog.Warn("daily rollup query failed, scanning base table", "error", err)
			return baseRollups(ctx, pool, ResolutionDay, win.Start, win.End, Filter{})
		}
	}
	recentStart := win.Start
	if midnight.After(recentStart) {
		recentStart = midnight
	}
	recent, err := baseRollups(ctx, pool, ResolutionDay, recentStart, win.End, Filter{})
	if err != nil {
		return nil, err
	}
	return mergeRollups(history, recent), nil
}

func caDailyRollups(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) ([]rollup, error) {
	rows, err := pool.Query(ctx, `SELECT bucket,
			requests::BIGINT,
			total_cost::DOUBLE PRECISION,
			input_tokens::BIGINT,
			output_tokens::BIGINT,
			cached_tokens::BIGINT,
			total_tokens::BIGINT,
			latency_ms_sum::BIGINT,
			latency_count::BIGINT
		FROM llm_events_daily_ca
		WHERE bucket >= $1 AND bucket < $2
		ORDER BY bucket`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query daily rollup: %w", err)
	}
	return scanRollups(rows)
}

func baseRollups(ctx context.Context, pool *pgxpool.Pool, resolution string, start, end time.Time, f Filter) ([]rollup, error) {
	unit := "day"
	if resolution == ResolutionHour {
		unit = "hour"
	}
	args := []any{start, end}
	where := "timestamp >= $1 AND timestamp < $2"
	if c := f.clause(&args); c != "" {
		where += " AND " + c
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT date_trunc('%s', timestamp) AS bucket,
			COUNT(*)::BIGINT,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION,
			COALESCE(SUM(input_tokens), 0)::BIGINT,
			COALESCE(SUM(output_tokens), 0)::BIGINT,
			COALESCE(SUM(cached_tokens), 0)::BIGINT,
			COALESCE(SUM(total_tokens), 0)::BIGINT,
			COALESCE(SUM(latency_ms), 0)::BIGINT,
			COUNT(latency_ms)::BIGINT
		FROM llm_events
		WHERE %s
		GROUP BY 1 ORDER BY 1`, unit, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s rollup: %w", unit, err)
	}
	return scanRollups(rows)
}

func scanRollups(rows pgx.Rows) ([]rollup, error) {
	defer rows.Close()
	var out []rollup
	for rows.Next() {
		var r rollup
		if err := rows.Scan(&r.bucket, &r.requests, &r.cost, &r.inputTokens,
			&r.outputTokens, &r.cachedTokens, &r.totalTokens, &r.latencySum, &r.latencyCount); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// mergeRollups combines two bucket sets, summing rows that land on the
// same instant, and returns them in bucket order.
func mergeRollups(a, b []rollup) []rollup {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	byBucket := make(map[int64]rollup, len(a)+len(b))
	add := func(r rollup) {
		k := r.bucket.Unix()
		m := byBucket[k]
		m.bucket = r.bucket
		m.requests += r.requests
		m.cost += r.cost
		m.inputTokens += r.inputTokens
		m.outputTokens += r.outputTokens
		m.cachedTokens += r.cachedTokens
		m.totalTokens += r.totalTokens
		m.latencySum += r.latencySum
		m.latencyCount += r.latencyCount
		byBucket[k] = m
	}
	for _, r := range a {
		add(r)
	}
	for _, r := range b {
		add(r)
	}
	out := make([]rollup, 0, len(byBucket))
	for _, r := range byBucket {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bucket.Before(out[j].bucket) })
	return out
}

// fillDays pads missing calendar days with zero rows so a bounded daily
// series renders contiguously. start must be midnight-aligned.
func fillDays(rollups []rollup, start, end time.Time) []rollup {
	byDay := make(map[int64]rollup, len(rollups))
	for _, r := range rollups {
		byDay[r.bucket.Unix()] = r
	}
	var out []rollup
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if r, ok := byDay[d.Unix()]; ok {
			out = append(out, r)
		} else {
			out = append(out, rollup{bucket: d})
		}
	}
	return out
}

// latencyPercentilesByBucket computes p50/p95/p99 per time bucket from the
// base table. The rollup views carry only sums, so percentiles always come
// from raw rows.
func latencyPercentilesByBucket(ctx context.Context, pool *pgxpool.Pool, resolution string, win Window) (map[int64]LatencyPercentiles, error) {
	unit := "day"
	if resolution == ResolutionHour {
		unit = "hour"
	}
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT date_trunc('%s', timestamp) AS bucket,
			percentile_cont(0.5) WITHIN GROUP (ORDER BY latency_ms)::DOUBLE PRECISION,
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms)::DOUBLE PRECISION,
			percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms)::DOUBLE PRECISION
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2 AND latency_ms IS NOT NULL
		GROUP BY 1`, unit), win.Start, win.End)
	if err != nil {
		return nil, fmt.Errorf("query latency percentiles: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]LatencyPercentiles)
	for rows.Next() {
		var bucket time.Time
		var p LatencyPercentiles
		if err := rows.Scan(&bucket, &p.P50, &p.P95, &p.P99); err != nil {
			return nil, fmt.Errorf("scan latency percentiles: %w", err)
		}
		out[bucket.Unix()] = p
	}
	return out, rows.Err()
}

// latencyBands are the fixed distribution buckets. hiMs zero means
// unbounded.
var latencyBands = []struct {
	label string
	loMs  int64
	hiMs  int64
}{
	{"0-1s", 0, 1000},
	{"1-2s", 1000, 2000},
	{"2-5s", 2000, 5000},
	{"5-10s", 5000, 10000},
	{"10-20s", 10000, 20000},
	{"20s+", 20000, 0},
}

func latencyDistribution(ctx context.Context, pool *pgxpool.Pool, win Window) (LatencyDistribution, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, b := range latencyBands {
		if i > 0 {
			sb.WriteString(", ")
		}
		if b.hiMs > 0 {
			fmt.Fprintf(&sb, "COUNT(*) FILTER (WHERE latency_ms >= %d AND latency_ms < %d)", b.loMs, b.hiMs)
		} else {
			fmt.Fprintf(&sb, "COUNT(*) FILTER (WHERE latency_ms >= %d)", b.loMs)
		}
	}
	sb.WriteString(" FROM llm_events WHERE timestamp >= $1 AND timestamp < $2 AND latency_ms IS NOT NULL")

	counts := make([]int64, len(latencyBands))
	dest := make([]any, len(counts))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := pool.QueryRow(ctx, sb.String(), win.Start, win.End).Scan(dest...); err != nil {
		return LatencyDistribution{}, fmt.Errorf("query latency distribution: %w", err)
	}
	var dist LatencyDistribution
	for _, c := range counts {
		dist.Total += c
	}
	for i, b := range latencyBands {
		dist.Buckets = append(dist.Buckets, LatencyBucket{
			Bucket: b.label,
			Count:  counts[i],
			Share:  sharePercent(float64(counts[i]), float64(dist.Total)),
		})
	}
	return dist, nil
}

// modelCost is one (model, provider) spend row. Provider stays attached
// until presentation so cached tokens can be priced per provider.
type modelCost struct {
	model    string
	provider string
	requests int64
	cost     float64
	cached   int64
}

func modelCostsHybrid(ctx context.Context, pool *pgxpool.Pool, win Window, now time.Time) ([]modelCost, error) {
	midnight := midnightUTC(now)
	var history []modelCost
	if win.Start.Before(midnight) {
		var err error
		history, err = caModelCosts(ctx, pool, win.Start, midnight)
		if err != nil {
			slog.Warn("model rollup query failed, scanning base table", "error", err)
			return baseModelCosts(ctx, pool, win.Start, win.End)
		}
	}
	recentStart := win.Start
	if midnight.After(recentStart) {
		recentStart = midnight
	}
	recent, err := baseModelCosts(ctx, pool, recentStart, win.End)
	if err != nil {
		return nil, err
	}
	return mergeModelCosts(history, recent), nil
}

func caModelCosts(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) ([]modelCost, error) {
	rows, err := pool.Query(ctx, `SELECT model, provider,
			SUM(requests)::BIGINT,
			SUM(total_cost)::DOUBLE PRECISION,
			SUM(cached_tokens)::BIGINT
		FROM llm_events_daily_by_model_ca
		WHERE bucket >= $1 AND bucket < $2
		GROUP BY 1, 2`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query model rollup: %w", err)
	}
	return scanModelCosts(rows)
}

func baseModelCosts(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) ([]modelCost, error) {
	rows, err := pool.Query(ctx, `SELECT model, COALESCE(provider, ''),
			COUNT(*)::BIGINT,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION,
			COALESCE(SUM(cached_tokens), 0)::BIGINT
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY 1, 2`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query model costs: %w", err)
	}
	return scanModelCosts(rows)
}

func scanModelCosts(rows pgx.Rows) ([]modelCost, error) {
	defer rows.Close()
	var out []modelCost
	for rows.Next() {
		var m modelCost
		if err := rows.Scan(&m.model, &m.provider, &m.requests, &m.cost, &m.cached); err != nil {
			return nil, fmt.Errorf("scan model costs: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func mergeModelCosts(a, b []modelCost) []modelCost {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	type key struct{ model, provider string }
	byKey := make(map[key]modelCost, len(a)+len(b))
	order := make([]key, 0, len(a)+len(b))
	for _, rows := range [][]modelCost{a, b} {
		for _, m := range rows {
			k := key{m.model, m.provider}
			cur, ok := byKey[k]
			if !ok {
				order = append(order, k)
				cur = modelCost{model: m.model, provider: m.provider}
			}
			cur.requests += m.requests
			cur.cost += m.cost
			cur.cached += m.cached
			byKey[k] = cur
		}
	}
	out := make([]modelCost, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// agentCost is one effective-agent spend row. Events without an agent are
// excluded.
type agentCost struct {
	agent string
	cost  float64
}

func agentCostsHybrid(ctx context.Context, pool *pgxpool.Pool, win Window, now time.Time) ([]agentCost, error) {
	midnight := midnightUTC(now)
	var history []agentCost
	if win.Start.Before(midnight) {
		var err error
		history, err = caAgentCosts(ctx, pool, win.Start, midnight)
		if err != nil {
			slog.Warn("agent rollup query failed, scanning base table", "error", err)
			return baseAgentCosts(ctx, pool, win.Start, win.End)
		}
	}
	recentStart := win.Start
	if midnight.After(recentStart) {
		recentStart = midnight
	}
	recent, err := baseAgentCosts(ctx, pool, recentStart, win.End)
	if err != nil {
		return nil, err
	}
	return append(history, recent...), nil
}

func caAgentCosts(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) ([]agentCost, error) {
	rows, err := pool.Query(ctx, `SELECT agent, SUM(total_cost)::DOUBLE PRECISION
		FROM llm_events_daily_by_agent_ca
		WHERE agent IS NOT NULL AND bucket >= $1 AND bucket < $2
		GROUP BY 1`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query agent rollup: %w", err)
	}
	return scanAgentCosts(rows)
}

func baseAgentCosts(ctx context.Context, pool *pgxpool.Pool, start, end time.Time) ([]agentCost, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT %s AS agent,
			COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION
		FROM llm_events
		WHERE timestamp >= $1 AND timestamp < $2 AND %s IS NOT NULL
		GROUP BY 1`, store.EffectiveAgentExpr, store.EffectiveAgentExpr), start, end)
	if err != nil {
		return nil, fmt.Errorf("query agent costs: %w", err)
	}
	return scanAgentCosts(rows)
}

func scanAgentCosts(rows pgx.Rows) ([]agentCost, error) {
	defer rows.Close()
	var out []agentCost
	for rows.Next() {
		var a agentCost
		if err := rows.Scan(&a.agent, &a.cost); err != nil {
			return nil, fmt.Errorf("scan agent costs: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
