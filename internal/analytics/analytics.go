// Package analytics answers windowed aggregation queries over the event
// store: spend summaries, time series, per-model and per-agent breakdowns,
// request rates and month-to-date budget spend. Daily resolutions read the
// daily rollup views for completed days and the base table for today;
// hourly resolutions scan the base table directly.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiveops/hive/internal/pricing"
	"github.com/hiveops/hive/internal/store"
)

// Timeline resolutions accepted by Analytics.
const (
	ResolutionDay  = "day"
	ResolutionHour = "hour"
)

// Engine runs aggregation queries against per-tenant pools.
type Engine struct {
	pools   store.Pools
	prices  *pricing.Engine
	nowFunc func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = now }
}

// New builds an engine over the given tenant pools. The pricing engine
// translates cached token counts into cache savings.
func New(pools store.Pools, prices *pricing.Engine, opts ...Option) *Engine {
	e := &Engine{pools: pools, prices: prices, nowFunc: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Report is the full answer to an Analytics call.
type Report struct {
	Window              Window              `json:"window"`
	Summary             Summary             `json:"summary"`
	Timeline            Timeline            `json:"timeline"`
	CostByModel         ModelCosts          `json:"cost_by_model"`
	CostByAgent         AgentCosts          `json:"cost_by_agent"`
	LatencyDistribution LatencyDistribution `json:"latency_distribution"`
}

// Summary holds the headline totals of a window.
type Summary struct {
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheSavings  float64 `json:"cache_savings"`
}

// Timeline carries one series keyed by the resolution it was built at.
type Timeline struct {
	Resolution string  `json:"resolution"`
	Daily      *Series `json:"daily,omitempty"`
	Hourly     *Series `json:"hourly,omitempty"`
}

// Series is a set of parallel arrays, one entry per time bucket. Buckets
// with no traffic are omitted.
type Series struct {
	Buckets            []time.Time          `json:"buckets"`
	Cost               []float64            `json:"cost"`
	Requests           []int64              `json:"requests"`
	Tokens             []int64              `json:"tokens"`
	LatencyPercentiles []LatencyPercentiles `json:"latency_percentiles"`
}

// LatencyPercentiles are per-bucket latency quantiles in milliseconds.
type LatencyPercentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ModelCosts ranks models by spend. Share is a percentage of TotalCost.
type ModelCosts struct {
	TotalCost float64     `json:"total_cost"`
	Models    []CostShare `json:"models"`
}

// AgentCosts ranks agents by spend over events that carry an agent. Share
// is a percentage of TotalCost, the attributed total.
type AgentCosts struct {
	TotalCost float64     `json:"total_cost"`
	Agents    []CostShare `json:"agents"`
}

// CostShare is one row of a cost ranking.
type CostShare struct {
	Model     string  `json:"model,omitempty"`
	Agent     string  `json:"agent,omitempty"`
	CostTotal float64 `json:"cost_total"`
	Share     float64 `json:"share"`
}

// LatencyDistribution counts requests per fixed latency band.
type LatencyDistribution struct {
	Total   int64           `json:"total"`
	Buckets []LatencyBucket `json:"buckets"`
}

// LatencyBucket is one latency band. Share is a percentage of Total.
type LatencyBucket struct {
	Bucket string  `json:"bucket"`
	Count  int64   `json:"count"`
	Share  float64 `json:"share"`
}

// Analytics builds the dashboard report for a named window at day or hour
// resolution.
func (e *Engine) Analytics(ctx context.Context, teamID, windowName, resolution string) (*Report, error) {
	if resolution == "" {
		resolution = ResolutionDay
	}
	if resolution != ResolutionDay && resolution != ResolutionHour {
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	now := e.nowFunc().UTC()
	win, err := ParseWindow(windowName, now)
	if err != nil {
		return nil, err
	}
	pool, err := e.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("acquire pool: %w", err)
	}

	var rollups []rollup
	if resolution == ResolutionDay {
		rollups, err = dailyRollups(ctx, pool, win, now)
	} else {
		rollups, err = baseRollups(ctx, pool, ResolutionHour, win.Start, win.End, Filter{})
	}
	if err != nil {
		return nil, err
	}
	pct, err := latencyPercentilesByBucket(ctx, pool, resolution, win)
	if err != nil {
		return nil, err
	}
	models, err := modelCostsHybrid(ctx, pool, win, now)
	if err != nil {
		return nil, err
	}
	agents, err := agentCostsHybrid(ctx, pool, win, now)
	if err != nil {
		return nil, err
	}
	dist, err := latencyDistribution(ctx, pool, win)
	if err != nil {
		return nil, err
	}

	rep := &Report{Window: win}
	rep.Summary = summarize(rollups)
	rep.Summary.CacheSavings = e.cacheSavings(ctx, models)
	rep.Timeline = buildTimeline(resolution, rollups, pct)
	rep.CostByModel = buildModelCosts(models)
	rep.CostByAgent = buildAgentCosts(agents)
	rep.LatencyDistribution = dist
	return rep, nil
}

func summarize(rollups []rollup) Summary {
	var s Summary
	var latencySum, latencyCount int64
	for _, r := range rollups {
		s.TotalCost += r.cost
		s.TotalRequests += r.requests
		s.TotalTokens += r.totalTokens
		latencySum += r.latencySum
		latencyCount += r.latencyCount
	}
	if latencyCount > 0 {
		s.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return s
}

func buildTimeline(resolution string, rollups []rollup, pct map[int64]LatencyPercentiles) Timeline {
	s := &Series{
		Buckets:            make([]time.Time, 0, len(rollups)),
		Cost:               make([]float64, 0, len(rollups)),
		Requests:           make([]int64, 0, len(rollups)),
		Tokens:             make([]int64, 0, len(rollups)),
		LatencyPercentiles: make([]LatencyPercentiles, 0, len(rollups)),
	}
	for _, r := range rollups {
		s.Buckets = append(s.Buckets, r.bucket)
		s.Cost = append(s.Cost, r.cost)
		s.Requests = append(s.Requests, r.requests)
		s.Tokens = append(s.Tokens, r.totalTokens)
		s.LatencyPercentiles = append(s.LatencyPercentiles, pct[r.bucket.Unix()])
	}
	t := Timeline{Resolution: resolution}
	if resolution == ResolutionHour {
		t.Hourly = s
	} else {
		t.Daily = s
	}
	return t
}

func buildModelCosts(models []modelCost) ModelCosts {
	byModel := make(map[string]float64, len(models))
	for _, m := range models {
		byModel[m.model] += m.cost
	}
	var out ModelCosts
	for model, cost := range byModel {
		out.TotalCost += cost
		out.Models = append(out.Models, CostShare{Model: model, CostTotal: cost})
	}
	sort.Slice(out.Models, func(i, j int) bool {
		if out.Models[i].CostTotal != out.Models[j].CostTotal {
			return out.Models[i].CostTotal > out.Models[j].CostTotal
		}
		return out.Models[i].Model < out.Models[j].Model
	})
	for i := range out.Models {
		out.Models[i].Share = sharePercent(out.Models[i].CostTotal, out.TotalCost)
	}
	return out
}

func buildAgentCosts(agents []agentCost) AgentCosts {
	byAgent := make(map[string]float64, len(agents))
	for _, a := range agents {
		byAgent[a.agent] += a.cost
	}
	var out AgentCosts
	for agent, cost := range byAgent {
		out.TotalCost += cost
		out.Agents = append(out.Agents, CostShare{Agent: agent, CostTotal: cost})
	}
	sort.Slice(out.Agents, func(i, j int) bool {
		if out.Agents[i].CostTotal != out.Agents[j].CostTotal {
			return out.Agents[i].CostTotal > out.Agents[j].CostTotal
		}
		return out.Agents[i].Agent < out.Agents[j].Agent
	})
	for i := range out.Agents {
		out.Agents[i].Share = sharePercent(out.Agents[i].CostTotal, out.TotalCost)
	}
	return out
}

// cacheSavings prices each model's cached tokens at its input rate.
func (e *Engine) cacheSavings(ctx context.Context, models []modelCost) float64 {
	var total float64
	for _, m := range models {
		if m.cached <= 0 {
			continue
		}
		q := e.prices.Quote(ctx, m.model, m.provider)
		total += float64(m.cached) / 1e6 * q.InputPer1M
	}
	return total
}

func sharePercent(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}
