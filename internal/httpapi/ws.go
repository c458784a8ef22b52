package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hiveops/hive/internal/agent"
	"github.com/hiveops/hive/internal/auth"
)

// maxWSMessage caps inbound client control frames. Clients only send small
// subscribe and heartbeat envelopes; bulk data rides the HTTP ingest path.
const maxWSMessage = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards and SDKs connect from arbitrary origins; the bearer
	// token is the access control, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClientMessage is the envelope for everything a client sends. Unknown
// types are ignored so newer SDKs can talk to older servers.
type wsClientMessage struct {
	Type          string `json:"type"`
	InstanceID    string `json:"instance_id"`
	SDKInstanceID string `json:"sdk_instance_id"`
	AgentName     string `json:"agent_name"`
	PolicyID      string `json:"policy_id"`
	Status        string `json:"status"`
}

// WSHandler handles GET /ws. The bearer token is verified before the
// upgrade so a rejected client gets a clean 401 instead of a broken
// handshake. The instance_id, agent_name and policy_id query parameters
// register the connection as an SDK instance; without instance_id the
// session is an anonymous dashboard.
func WSHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ident auth.Identity
		if token := auth.TokenFromRequest(r); token == "" {
			anon, ok := d.Verifier.Anonymous()
			if !ok {
				jsonError(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ident = anon
		} else {
			var err error
			if ident, err = d.Verifier.Verify(token); err != nil {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}

		instanceID := r.URL.Query().Get("instance_id")
		agentName := r.URL.Query().Get("agent_name")
		policyID := r.URL.Query().Get("policy_id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already answered the client.
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}

		sess := d.Hub.Register(conn, ident.TeamID, ident.UserID, instanceID)
		if d.Tracker != nil && instanceID != "" {
			d.Tracker.Connect(ident.TeamID, agent.SessionInfo{
				InstanceID: instanceID,
				AgentName:  agentName,
				PolicyID:   policyID,
			}, agent.ConnectionWebsocket)
		}
		slog.Info("websocket connected",
			"team_id", ident.TeamID,
			"user_id", ident.UserID,
			"instance_id", instanceID)

		defer func() {
			d.Hub.Unregister(sess)
			if d.Tracker != nil && instanceID != "" {
				d.Tracker.Disconnect(ident.TeamID, instanceID)
			}
			slog.Info("websocket disconnected",
				"team_id", ident.TeamID,
				"instance_id", instanceID)
		}()

		conn.SetReadLimit(maxWSMessage)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					slog.Warn("websocket read failed", "team_id", ident.TeamID, "error", err)
				}
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "subscribe-llm-events":
				d.Hub.SubscribeEvents(sess)
				_ = sess.Send(map[string]any{"type": "subscribed"})
			case "heartbeat", "ping":
				if d.Tracker == nil {
					continue
				}
				info := agent.SessionInfo{
					InstanceID: msg.InstanceID,
					AgentName:  msg.AgentName,
					PolicyID:   msg.PolicyID,
					Status:     msg.Status,
				}
				if info.InstanceID == "" {
					info.InstanceID = msg.SDKInstanceID
				}
				if info.InstanceID == "" {
					info.InstanceID = instanceID
				}
				if info.InstanceID != "" {
					d.Tracker.Heartbeat(ident.TeamID, info)
				}
			}
		}
	}
}
