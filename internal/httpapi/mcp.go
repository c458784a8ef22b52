package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// MCP protocol constants. The version string is the protocol revision the
// server negotiates in initialize.
const (
	mcpProtocolVersion = "2024-11-05"
	mcpKeepaliveEvery  = 25 * time.Second
	maxMCPBody         = 1 << 20
)

// MCPSessionInfo is the wire form of one transport session.
type MCPSessionInfo struct {
	SessionID string    `json:"session_id"`
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// mcpSession is one SSE channel: messages POSTed to /mcp/message are
// answered over out. Closing done tears the stream down.
type mcpSession struct {
	info MCPSessionInfo
	out  chan json.RawMessage
	done chan struct{}
	once sync.Once
}

func (s *mcpSession) close() {
	s.once.Do(func() { close(s.done) })
}

// MCPBroker tracks open MCP transport sessions. Each session is pinned to
// the team that opened it; cross-team message delivery is refused.
type MCPBroker struct {
	mu       sync.Mutex
	sessions map[string]*mcpSession
}

func NewMCPBroker() *MCPBroker {
	return &MCPBroker{sessions: make(map[string]*mcpSession)}
}

func (b *MCPBroker) open(teamID, userID string) *mcpSession {
	s := &mcpSession{
		info: MCPSessionInfo{
			SessionID: uuid.NewString(),
			TeamID:    teamID,
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		},
		out:  make(chan json.RawMessage, 32),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.sessions[s.info.SessionID] = s
	b.mu.Unlock()
	return s
}

func (b *MCPBroker) get(id string) (*mcpSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// drop removes and closes a session. Safe to call for ids already gone.
func (b *MCPBroker) drop(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

func (b *MCPBroker) list(teamID string) []MCPSessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MCPSessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.info.TeamID == teamID {
			out = append(out, s.info)
		}
	}
	return out
}

func (b *MCPBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// JSON-RPC 2.0 envelopes.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeToolFailed     = -32000
)

// MCPConnectHandler handles GET /mcp: opens an SSE session and announces
// the message endpoint the client must POST to. The stream then carries
// JSON-RPC responses and periodic keepalive comments until either side
// goes away.
func MCPConnectHandler(d Dependencies) http.HandlerFunc {
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
		sess := d.MCP.open(id.TeamID, id.UserID)
		defer d.MCP.drop(sess.info.SessionID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		_, _ = fmt.Fprintf(w, "event: endpoint\ndata: /mcp/message?session_id=%s\n\n", sess.info.SessionID)
		flusher.Flush()

		keepalive := time.NewTicker(mcpKeepaliveEvery)
		defer keepalive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-sess.done:
				return
			case msg := <-sess.out:
				_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

// MCPMessageHandler handles POST /mcp/message?session_id=…. The body is a
// JSON-RPC request; the response goes out over the session's SSE stream
// and the POST itself just acknowledges receipt.
func MCPMessageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		sess, ok := d.MCP.get(r.URL.Query().Get("session_id"))
		if !ok {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		if sess.info.TeamID != id.TeamID {
			jsonError(w, "session belongs to another team", http.StatusForbidden)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMCPBody))
		if err != nil {
			jsonError(w, "read body", http.StatusBadRequest)
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		// Notifications carry no id and get no response.
		if len(req.ID) == 0 || string(req.ID) == "null" {
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		}

		resp := mcpDispatch(r.Context(), d, sess.info.TeamID, req)
		data, err := json.Marshal(resp)
		if err != nil {
			internalError(w, d, "encode mcp response", err)
			return
		}
		select {
		case sess.out <- data:
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		default:
			jsonError(w, "session backlogged", http.StatusServiceUnavailable)
		}
	}
}

// MCPSessionsHandler handles GET /mcp/sessions — the caller's team only.
func MCPSessionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		sessions := d.MCP.list(id.TeamID)
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
	}
}

// MCPSessionDeleteHandler handles DELETE /mcp/sessions/{id}.
func MCPSessionDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		sess, ok := d.MCP.get(chi.URLParam(r, "id"))
		if !ok {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		if sess.info.TeamID != id.TeamID {
			jsonError(w, "session belongs to another team", http.StatusForbidden)
			return
		}
		d.MCP.drop(sess.info.SessionID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// MCPHealthHandler handles GET /mcp/health. Unauthenticated: it exposes a
// count, never session contents.
func MCPHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": d.MCP.Len()})
	}
}

// mcpDispatch routes one JSON-RPC request to its handler. Every path runs
// under the session's team, so a tool can never read another tenant.
func mcpDispatch(ctx context.Context, d Dependencies, teamID string, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "hive", "version": "1.0.0"},
		}
	case "tools/list":
		resp.Result = map[string]any{"tools": mcpTools}
	case "tools/call":
		result, rpcErr := mcpCallTool(ctx, d, teamID, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
			break
		}
		resp.Result = result
	case "ping":
		resp.Result = map[string]any{}
	default:
		resp.Error = &rpcError{Code: rpcCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

// mcpTools describes the callable surface: the same capabilities the HTTP
// control routes expose, shaped for autonomous clients.
var mcpTools = []map[string]any{
	{
		"name":        "get_policy",
		"description": "Fetch a governance policy with budgets enriched by current spend. Omit policy_id for the default policy.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"policy_id": map[string]any{"type": "string"},
			},
		},
	},
	{
		"name":        "validate_budget",
		"description": "Check an estimated cost against the policy's budgets before making an LLM call.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"policy_id":      map[string]any{"type": "string"},
				"budget_id":      map[string]any{"type": "string"},
				"context":        map[string]any{"type": "object"},
				"estimated_cost": map[string]any{"type": "number"},
				"local_spend":    map[string]any{"type": "number"},
			},
			"required": []string{"estimated_cost"},
		},
	},
	{
		"name":        "get_analytics",
		"description": "Usage and spend report over a named window (1h, 24h, 7d, 30d).",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"window":     map[string]any{"type": "string"},
				"resolution": map[string]any{"type": "string"},
			},
		},
	},
	{
		"name":        "get_agent_status",
		"description": "Connected SDK instances and the rolling ingest rate.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

// mcpCallTool executes one tools/call request.
func mcpCallTool(ctx context.Context, d Dependencies, teamID string, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "malformed tools/call params"}
	}
	switch call.Name {
	case "get_policy":
		var args struct {
			PolicyID string `json:"policy_id"`
		}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "malformed arguments"}
			}
		}
		doc, err := d.Policies.Get(ctx, teamID, args.PolicyID)
		if err != nil {
			return nil, &rpcError{Code: rpcCodeToolFailed, Message: "load policy: " + err.Error()}
		}
		return toolResult(doc)
	case "validate_budget":
		var args struct {
			PolicyID string `json:"policy_id"`
			budgetValidateRequest
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "malformed arguments"}
		}
		if args.EstimatedCost == nil || *args.EstimatedCost < 0 {
			return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "estimated_cost must be a non-negative number"}
		}
		decision, err := validateBudget(ctx, d, teamID, args.PolicyID, args.budgetValidateRequest)
		if err != nil {
			return nil, &rpcError{Code: rpcCodeToolFailed, Message: "validate budget: " + err.Error()}
		}
		if d.Metrics != nil {
			d.Metrics.Validations.WithLabelValues(decision.Action).Inc()
		}
		return toolResult(decision)
	case "get_analytics":
		var args struct {
			Window     string `json:"window"`
			Resolution string `json:"resolution"`
		}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "malformed arguments"}
			}
		}
		report, err := d.Analytics.Analytics(ctx, teamID, args.Window, args.Resolution)
		if err != nil {
			return nil, &rpcError{Code: rpcCodeToolFailed, Message: "compute analytics: " + err.Error()}
		}
		return toolResult(report)
	case "get_agent_status":
		return toolResult(agentStatusPayload(d, teamID))
	default:
		return nil, &rpcError{Code: rpcCodeInvalidParams, Message: "unknown tool: " + call.Name}
	}
}

// toolResult wraps a value as MCP tool-call content.
func toolResult(v any) (any, *rpcError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &rpcError{Code: rpcCodeToolFailed, Message: "encode result: " + err.Error()}
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	}, nil
}
