package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hiveops/hive/internal/agent"
)

// statusStreamInterval is the cadence of agent-status SSE frames after the
// immediate first one.
const statusStreamInterval = 2 * time.Second

// agentStatusPayload is one status frame: whether anything is connected,
// how many instances, the instances themselves and the rolling ingest
// rate. The HTTP view, the SSE stream and the MCP tool all serve it.
func agentStatusPayload(d Dependencies, teamID string) map[string]any {
	instances := []agent.Session{}
	count := 0
	perMinute := 0
	if d.Tracker != nil {
		instances = d.Tracker.ListInstances(teamID)
		count = d.Tracker.CountConnected(teamID)
		perMinute = d.Tracker.EventsPerMinute(teamID)
	}
	return map[string]any{
		"active":            count > 0,
		"count":             count,
		"instances":         instances,
		"events_per_minute": perMinute,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
}

// AgentStatusHandler handles GET /v1/control/agent-status.
func AgentStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, agentStatusPayload(d, id.TeamID))
	}
}

// AgentStatusStreamHandler handles GET /v1/control/agent-status/stream:
// an SSE stream that sends a frame immediately and then every two seconds
// until the client goes away.
func AgentStatusStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		send := func() {
			data, err := json.Marshal(agentStatusPayload(d, id.TeamID))
			if err != nil {
				return
			}
			_, _ = fmt.Fprintf(w, "event: agent-status\ndata: %s\n\n", data)
			flusher.Flush()
		}
		send()

		ticker := time.NewTicker(statusStreamInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}
}

// HeartbeatHandler handles POST /v1/control/heartbeat — the liveness path
// for SDKs that cannot hold a WebSocket open.
func HeartbeatHandler(d Dependencies) http.HandlerFunc {
	type heartbeatReq struct {
		SDKInstanceID string `json:"sdk_instance_id"`
		AgentName     string `json:"agent_name"`
		PolicyID      string `json:"policy_id"`
		Status        string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req heartbeatReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.SDKInstanceID == "" {
			jsonError(w, "sdk_instance_id required", http.StatusBadRequest)
			return
		}
		if d.Tracker == nil {
			jsonError(w, "agent tracking not configured", http.StatusServiceUnavailable)
			return
		}
		sess := d.Tracker.Heartbeat(id.TeamID, agent.SessionInfo{
			InstanceID: req.SDKInstanceID,
			AgentName:  req.AgentName,
			PolicyID:   req.PolicyID,
			Status:     req.Status,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
	}
}

// AgentsHandler handles GET /v1/control/agents: the historical agent
// aggregates joined with live sessions into one fleet view.
func AgentsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var since *time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				jsonError(w, "invalid since timestamp", http.StatusBadRequest)
				return
			}
			since = &t
		}
		history, err := d.Store.ListDistinctAgents(r.Context(), id.TeamID, since, intParam(r, "limit", 0))
		if err != nil {
			internalError(w, d, "list agents", err)
			return
		}
		var live []agent.Session
		if d.Tracker != nil {
			live = d.Tracker.ListInstances(id.TeamID)
		}
		fleet := agent.MergeFleet(history, live)
		writeJSON(w, http.StatusOK, map[string]any{"agents": fleet, "count": len(fleet)})
	}
}
