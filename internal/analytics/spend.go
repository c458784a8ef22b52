package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MonthToDateSpend totals the cost of events matching the filter from the
// start of the current month until now. Completed days are read from a
// rollup view when the filter kind has one; the remainder comes from the
// base table.
func (e *Engine) MonthToDateSpend(ctx context.Context, teamID string, f Filter) (float64, error) {
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("acquire pool: %w", err)
	}
	now := e.nowFunc().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	midnight := midnightUTC(now)

	table := f.caTable()
	if table == "" || !start.Before(midnight) {
		return baseSpend(ctx, pool, start, now, f)
	}
	history, err := caSpend(ctx, pool, table, f, start, midnight)
	if err != nil {
		slog.Warn("rollup spend query failed, scanning base table", "error", err)
		return baseSpend(ctx, pool, start, now, f)
	}
	recent, err := baseSpend(ctx, pool, midnight, now, f)
	if err != nil {
		return 0, err
	}
	return history + recent, nil
}

func caSpend(ctx context.Context, pool *pgxpool.Pool, table string, f Filter, start, end time.Time) (float64, error) {
	args := []any{start, end}
	where := "bucket >= $1 AND bucket < $2"
	if c := f.caClause(&args); c != "" {
		where += " AND " + c
	}
	var total float64
	err := pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT COALESCE(SUM(total_cost), 0)::DOUBLE PRECISION FROM %s WHERE %s", table, where,
	), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query rollup spend: %w", err)
	}
	return total, nil
}

func baseSpend(ctx context.Context, pool *pgxpool.Pool, start, end time.Time, f Filter) (float64, error) {
	args := []any{start, end}
	where := "timestamp >= $1 AND timestamp < $2"
	if c := f.clause(&args); c != "" {
		where += " AND " + c
	}
	var total float64
	err := pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT COALESCE(SUM(cost_total), 0)::DOUBLE PRECISION FROM llm_events WHERE %s", where,
	), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query spend: %w", err)
	}
	return total, nil
}
