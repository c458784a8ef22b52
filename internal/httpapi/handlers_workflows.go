package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
)

// listableStatuses are the visibility filter values the list endpoint
// accepts. Anything else would be pasted into the visibility query string,
// so unknown values are rejected instead.
var listableStatuses = map[string]bool{
	"Running":        true,
	"Completed":      true,
	"Failed":         true,
	"Canceled":       true,
	"Terminated":     true,
	"ContinuedAsNew": true,
	"TimedOut":       true,
}

// workflowSummary flattens the visibility record into the wire shape shared
// by the list and describe endpoints.
func workflowSummary(info *workflowpb.WorkflowExecutionInfo) map[string]any {
	wf := map[string]any{
		"workflow_id": info.Execution.GetWorkflowId(),
		"run_id":      info.Execution.GetRunId(),
		"type":        info.Type.GetName(),
		"status":      info.Status.String(),
		"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
	}
	if info.CloseTime != nil {
		wf["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
		wf["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
	}
	return wf
}

// WorkflowsListHandler handles GET /v1/control/workflows?limit=50&status=Running.
// Without a workflow engine attached it reports temporal_enabled: false so
// dashboards can hide the maintenance panel instead of erroring.
func WorkflowsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		if d.Temporal == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"workflows":        []any{},
				"temporal_enabled": false,
			})
			return
		}

		limit := intParam(r, "limit", 50)
		if limit < 1 || limit > 200 {
			limit = 50
		}

		query := ""
		if status := r.URL.Query().Get("status"); status != "" {
			if !listableStatuses[status] {
				jsonError(w, "unknown status filter", http.StatusBadRequest)
				return
			}
			query = "ExecutionStatus = '" + status + "'"
		}

		resp, err := d.Temporal.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			internalError(w, d, "list workflows", err)
			return
		}

		workflows := make([]map[string]any, 0, len(resp.Executions))
		for _, exec := range resp.Executions {
			workflows = append(workflows, workflowSummary(exec))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workflows":        workflows,
			"temporal_enabled": true,
		})
	}
}

// WorkflowDescribeHandler handles GET /v1/control/workflows/{id}.
func WorkflowDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		if d.Temporal == nil {
			jsonError(w, "workflow engine not enabled", http.StatusServiceUnavailable)
			return
		}
		workflowID := chi.URLParam(r, "id")
		if workflowID == "" {
			jsonError(w, "workflow id required", http.StatusBadRequest)
			return
		}

		desc, err := d.Temporal.DescribeWorkflowExecution(r.Context(), workflowID, "")
		if err != nil {
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				jsonError(w, "workflow not found", http.StatusNotFound)
				return
			}
			internalError(w, d, "describe workflow", err)
			return
		}
		writeJSON(w, http.StatusOK, workflowSummary(desc.WorkflowExecutionInfo))
	}
}

// WorkflowHistoryHandler handles GET /v1/control/workflows/{id}/history.
// Maintenance crons continue-as-new, so full histories stay small enough to
// return in one response.
func WorkflowHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		if d.Temporal == nil {
			jsonError(w, "workflow engine not enabled", http.StatusServiceUnavailable)
			return
		}
		workflowID := chi.URLParam(r, "id")
		if workflowID == "" {
			jsonError(w, "workflow id required", http.StatusBadRequest)
			return
		}

		iter := d.Temporal.GetWorkflowHistory(r.Context(), workflowID, "",
			false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

		events := []map[string]any{}
		for iter.HasNext() {
			event, err := iter.Next()
			if err != nil {
				var notFound *serviceerror.NotFound
				if errors.As(err, &notFound) {
					jsonError(w, "workflow not found", http.StatusNotFound)
					return
				}
				internalError(w, d, "read workflow history", err)
				return
			}
			events = append(events, map[string]any{
				"event_id":   event.EventId,
				"event_type": event.EventType.String(),
				"timestamp":  event.EventTime.AsTime().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"events":      events,
		})
	}
}
