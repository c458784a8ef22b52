package agent

import (
	"time"

	"github.com/hiveops/hive/internal/store"
)

// Fleet statuses for the merged discovery view.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// FleetEntry is one row of the merged agent listing: historical aggregates
// from the event store joined with live session state.
type FleetEntry struct {
	Agent         string     `json:"agent"`
	AgentName     string     `json:"agent_name,omitempty"`
	InstanceID    string     `json:"instance_id,omitempty"`
	Status        string     `json:"status"`
	FirstSeen     *time.Time `json:"first_seen,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	TotalRequests int64      `json:"total_requests"`
	TotalCost     float64    `json:"total_cost"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// MergeFleet joins store aggregates with live sessions. History rows match
// a session by instance id first, then by agent name. Store-only agents
// come back disconnected; healthy sessions with no history are appended
// after the historical rows.
func MergeFleet(history []store.AgentAggregate, live []Session) []FleetEntry {
	byInstance := make(map[string]*Session, len(live))
	byName := make(map[string]*Session, len(live))
	for i := range live {
		s := &live[i]
		byInstance[s.InstanceID] = s
		if s.AgentName != "" {
			if _, ok := byName[s.AgentName]; !ok {
				byName[s.AgentName] = s
			}
		}
	}

	matched := make(map[string]bool, len(live))
	out := make([]FleetEntry, 0, len(history)+len(live))
	for _, h := range history {
		entry := FleetEntry{
			Agent:         h.Agent,
			AgentName:     h.AgentName,
			Status:        StatusDisconnected,
			TotalRequests: h.TotalRequests,
			TotalCost:     h.TotalCost,
		}
		if !h.FirstSeen.IsZero() {
			first := h.FirstSeen
			entry.FirstSeen = &first
		}
		if !h.LastSeen.IsZero() {
			last := h.LastSeen
			entry.LastSeen = &last
		}
		s, ok := byInstance[h.Agent]
		if !ok && h.AgentName != "" {
			s, ok = byName[h.AgentName]
		}
		if ok {
			matched[s.InstanceID] = true
			entry.InstanceID = s.InstanceID
			connected := s.ConnectedAt
			heartbeat := s.LastHeartbeat
			entry.ConnectedAt = &connected
			entry.LastHeartbeat = &heartbeat
			if s.Healthy {
				entry.Status = StatusConnected
			}
			if entry.AgentName == "" {
				entry.AgentName = s.AgentName
			}
		}
		out = append(out, entry)
	}

	for i := range live {
		s := &live[i]
		if matched[s.InstanceID] {
			continue
		}
		status := StatusDisconnected
		if s.Healthy {
			status = StatusConnected
		}
		connected := s.ConnectedAt
		heartbeat := s.LastHeartbeat
		out = append(out, FleetEntry{
			Agent:         s.InstanceID,
			AgentName:     s.AgentName,
			InstanceID:    s.InstanceID,
			Status:        status,
			ConnectedAt:   &connected,
			LastHeartbeat: &heartbeat,
		})
	}
	return out
}
