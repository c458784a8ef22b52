package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/hiveops/hive/internal/analytics"
)

// analyticsFilter reads the optional scope parameters shared by the usage
// and rate views. The first recognized parameter wins; none means global.
func analyticsFilter(r *http.Request) analytics.Filter {
	q := r.URL.Query()
	if v := q.Get("agent"); v != "" {
		return analytics.Filter{Kind: analytics.FilterAgent, Name: v}
	}
	if v := q.Get("tenant"); v != "" {
		return analytics.Filter{Kind: analytics.FilterTenant, Name: v}
	}
	if v := q.Get("customer"); v != "" {
		return analytics.Filter{Kind: analytics.FilterCustomer, Name: v}
	}
	if v := q.Get("feature"); v != "" {
		return analytics.Filter{Kind: analytics.FilterFeature, Name: v}
	}
	if v := q.Get("tags"); v != "" {
		return analytics.Filter{Kind: analytics.FilterTag, Tags: strings.Split(v, ",")}
	}
	if v := q.Get("context"); v != "" {
		return analytics.ForContext(v)
	}
	return analytics.Filter{}
}

// AnalyticsHandler handles GET /v1/control/metrics — the dashboard's main
// report over a named window (1h, 24h, 7d, 30d) and resolution.
func AnalyticsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		report, err := d.Analytics.Analytics(r.Context(), id.TeamID, r.URL.Query().Get("window"), r.URL.Query().Get("resolution"))
		if err != nil {
			internalError(w, d, "compute analytics", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// UsageBreakdownHandler handles GET /v1/control/metrics/usage.
func UsageBreakdownHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		breakdown, err := d.Analytics.UsageBreakdown(r.Context(), id.TeamID, intParam(r, "days", 30), analyticsFilter(r))
		if err != nil {
			internalError(w, d, "compute usage breakdown", err)
			return
		}
		writeJSON(w, http.StatusOK, breakdown)
	}
}

// RateMetricsHandler handles GET /v1/control/metrics/rates.
func RateMetricsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		rates, err := d.Analytics.RateMetrics(r.Context(), id.TeamID, intParam(r, "days", 30), analyticsFilter(r))
		if err != nil {
			internalError(w, d, "compute rate metrics", err)
			return
		}
		writeJSON(w, http.StatusOK, rates)
	}
}

// MetricsOverviewHandler handles GET /v1/control/metrics/overview — period
// totals with deltas against the previous period.
func MetricsOverviewHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		report, err := d.Analytics.Metrics(r.Context(), id.TeamID, intParam(r, "days", 30))
		if err != nil {
			internalError(w, d, "compute metrics overview", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// logGroupBys enumerates the groupings LogsHandler accepts; anything else
// is a 400 before the query runs.
var logGroupBys = map[string]bool{
	"":               true,
	"model":          true,
	"agent":          true,
	"provider":       true,
	"model,agent":    true,
	"model,provider": true,
}

// LogsHandler handles GET /v1/control/logs: raw event pages or grouped
// aggregates between two instants.
func LogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		q := analytics.LogsQuery{
			GroupBy: r.URL.Query().Get("group_by"),
			Limit:   intParam(r, "limit", 0),
			Offset:  intParam(r, "offset", 0),
		}
		if !logGroupBys[q.GroupBy] {
			jsonError(w, "unknown group_by", http.StatusBadRequest)
			return
		}
		if raw := r.URL.Query().Get("start"); raw != "" {
			start, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				jsonError(w, "invalid start timestamp", http.StatusBadRequest)
				return
			}
			q.Start = start
		}
		if raw := r.URL.Query().Get("end"); raw != "" {
			end, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				jsonError(w, "invalid end timestamp", http.StatusBadRequest)
				return
			}
			q.End = end
		}
		result, err := d.Analytics.Logs(r.Context(), id.TeamID, q)
		if err != nil {
			internalError(w, d, "query logs", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// InsightsHandler handles GET /v1/control/insights.
func InsightsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		report, err := d.Analytics.Insights(r.Context(), id.TeamID, intParam(r, "days", 30))
		if err != nil {
			internalError(w, d, "compute insights", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
