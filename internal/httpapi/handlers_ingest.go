package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hiveops/hive/internal/store"
)

// maxIngestBody caps one ingest request. SDK batches are bounded client
// side; anything past this is a misbehaving sender.
const maxIngestBody = 16 << 20

// EventsIngestHandler handles POST /v1/control/events: normalize, price,
// persist across the three tiers, then feed the dashboards, the activity
// window and the alert pipeline. Alert evaluation runs detached from the
// request so a slow webhook never holds an SDK connection open.
func EventsIngestHandler(d Dependencies) http.HandlerFunc {
	type ingestReq struct {
		Events []map[string]any `json:"events"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req ingestReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if d.Limiter != nil && !d.Limiter.AllowN(id.TeamID, len(req.Events)) {
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if len(req.Events) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "processed": 0})
			return
		}

		res := d.Normalizer.Normalize(r.Context(), id.TeamID, req.Events)

		var result store.UpsertResult
		if res.Accepted() > 0 {
			var err error
			result, err = d.Store.Upsert(r.Context(), id.TeamID, res.Batch)
			if err != nil {
				internalError(w, d, "persist events", err)
				return
			}
		}

		if d.Metrics != nil {
			d.Metrics.EventsIngested.WithLabelValues("accepted").Add(float64(res.Accepted()))
			d.Metrics.EventsIngested.WithLabelValues("rejected").Add(float64(len(res.Rejected)))
			d.Metrics.ContentBlobs.WithLabelValues("stored").Add(float64(result.ContentStored))
			d.Metrics.ContentBlobs.WithLabelValues("deduplicated").Add(float64(result.ContentDeduplicated))
			for _, ev := range res.Batch.Events {
				d.Metrics.CostUSD.WithLabelValues(ev.Model, ev.Provider).Add(ev.CostTotal)
			}
		}
		if d.Batcher != nil {
			d.Batcher.Add(id.TeamID, res.Batch.Events)
		}
		if d.Tracker != nil {
			d.Tracker.RecordIngest(id.TeamID, res.Accepted())
		}
		if d.Alerts != nil && res.Accepted() > 0 {
			go d.Alerts.ProcessEvents(context.WithoutCancel(r.Context()), id.TeamID, res.Batch.Events)
		}

		body := map[string]any{
			"success":   true,
			"processed": res.Accepted(),
		}
		if len(res.Rejected) > 0 {
			body["rejected"] = res.Rejected
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// EventsListHandler handles GET /v1/control/events with since, trace_id,
// limit and offset query parameters.
func EventsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		q := store.EventQuery{
			TraceID: r.URL.Query().Get("trace_id"),
			Limit:   intParam(r, "limit", 0),
			Offset:  intParam(r, "offset", 0),
		}
		if raw := r.URL.Query().Get("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				jsonError(w, "invalid since timestamp", http.StatusBadRequest)
				return
			}
			q.Since = &since
		}
		events, err := d.Store.ListEvents(r.Context(), id.TeamID, q)
		if err != nil {
			internalError(w, d, "list events", err)
			return
		}
		if events == nil {
			events = []store.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
	}
}

// EventContentHandler handles GET
// /v1/control/events/{traceID}/{callSeq}/content: the warm references of
// one call joined with their cold payloads.
func EventContentHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		traceID := chi.URLParam(r, "traceID")
		callSeq, err := strconv.ParseInt(chi.URLParam(r, "callSeq"), 10, 64)
		if err != nil || callSeq < 0 {
			jsonError(w, "invalid call sequence", http.StatusBadRequest)
			return
		}
		contents, err := d.Store.FetchEventContent(r.Context(), id.TeamID, traceID, callSeq)
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "content not found", http.StatusNotFound)
			return
		}
		if err != nil {
			internalError(w, d, "fetch event content", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"trace_id":      traceID,
			"call_sequence": callSeq,
			"content":       contents,
		})
	}
}
