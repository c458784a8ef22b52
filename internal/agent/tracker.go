// Package agent tracks connected SDK instances per team. Sessions are
// created on WebSocket connect or HTTP heartbeat and expire when the
// instance stops reporting.
package agent

import (
	"sort"
	"sync"
	"time"
)

// Connection types recorded on a session.
const (
	ConnectionWebsocket = "websocket"
	ConnectionHTTP      = "http"
)

// DefaultHealthyWindow is how recently an instance must have heartbeated
// to count as healthy.
const DefaultHealthyWindow = 60 * time.Second

// DefaultStaleAfter is how long an instance may stay silent before the
// sweeper drops its session entirely.
const DefaultStaleAfter = 10 * time.Minute

// DefaultSweepInterval is how often the stale sweeper runs.
const DefaultSweepInterval = 5 * time.Minute

// Session is the tracked state of one SDK instance.
type Session struct {
	InstanceID     string    `json:"instance_id"`
	TeamID         string    `json:"team_id"`
	PolicyID       string    `json:"policy_id,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ConnectionType string    `json:"connection_type"`
	Status         string    `json:"status,omitempty"`
	Healthy        bool      `json:"healthy"`
}

// SessionInfo carries the client-supplied identity fields of a session.
// Empty fields leave existing values untouched on heartbeat.
type SessionInfo struct {
	InstanceID string
	AgentName  string
	PolicyID   string
	Status     string
}

type sessionKey struct {
	teamID     string
	instanceID string
}

// Tracker maintains the (team, instance) session map and a rolling
// ingest-rate window per team.
type Tracker struct {
	healthyWindow time.Duration
	staleAfter    time.Duration
	sweepEvery    time.Duration
	nowFunc       func() time.Time

	mu       sync.RWMutex
	sessions map[sessionKey]*Session

	rates *rateWindow

	stop chan struct{}
	done chan struct{}
}

// Option configures optional Tracker behaviour.
type Option func(*Tracker)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

// WithHealthyWindow overrides how recent a heartbeat must be for an
// instance to count as healthy.
func WithHealthyWindow(d time.Duration) Option {
	return func(t *Tracker) { t.healthyWindow = d }
}

// WithStaleAfter overrides how long a silent session survives before the
// sweeper evicts it.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// WithSweepInterval overrides the sweep cadence. Zero disables the
// background sweeper; callers can still evict manually via SweepStale.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sweepEvery = d }
}

// NewTracker builds a tracker and starts its stale sweeper.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		healthyWindow: DefaultHealthyWindow,
		staleAfter:    DefaultStaleAfter,
		sweepEvery:    DefaultSweepInterval,
		nowFunc:       time.Now,
		sessions:      make(map[sessionKey]*Session),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rates = newRateWindow(time.Minute, t.nowFunc)
	if t.sweepEvery > 0 {
		go t.sweepLoop()
	} else {
		close(t.done)
	}
	return t
}

// Close stops the background sweeper.
func (t *Tracker) Close() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

// Connect registers a session for an SDK instance, replacing any previous
// session for the same (team, instance) pair. Returns nil when the
// instance id is empty; anonymous dashboard connections are not tracked.
func (t *Tracker) Connect(teamID string, info SessionInfo, connectionType string) *Session {
	if teamID == "" || info.InstanceID == "" {
		return nil
	}
	now := t.nowFunc()
	s := &Session{
		InstanceID:     info.InstanceID,
		TeamID:         teamID,
		PolicyID:       info.PolicyID,
		AgentName:      info.AgentName,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		ConnectionType: connectionType,
		Status:         info.Status,
	}
	t.mu.Lock()
	t.sessions[sessionKey{teamID, info.InstanceID}] = s
	t.mu.Unlock()
	cp := *s
	cp.Healthy = true
	return &cp
}

// Heartbeat refreshes last_heartbeat for an instance, creating an HTTP
// session when none exists yet. Non-empty identity fields update the
// stored session.
func (t *Tracker) Heartbeat(teamID string, info SessionInfo) *Session {
	if teamID == "" || info.InstanceID == "" {
		return nil
	}
	now := t.nowFunc()
	t.mu.Lock()
	key := sessionKey{teamID, info.InstanceID}
	s, ok := t.sessions[key]
	if !ok {
		s = &Session{
			InstanceID:     info.InstanceID,
			TeamID:         teamID,
			ConnectedAt:    now,
			ConnectionType: ConnectionHTTP,
		}
		t.sessions[key] = s
	}
	s.LastHeartbeat = now
	if info.AgentName != "" {
		s.AgentName = info.AgentName
	}
	if info.PolicyID != "" {
		s.PolicyID = info.PolicyID
	}
	if info.Status != "" {
		s.Status = info.Status
	}
	cp := *s
	t.mu.Unlock()
	cp.Healthy = true
	return &cp
}

// Disconnect drops the session for an instance.
func (t *Tracker) Disconnect(teamID, instanceID string) {
	if teamID == "" || instanceID == "" {
		return
	}
	t.mu.Lock()
	delete(t.sessions, sessionKey{teamID, instanceID})
	t.mu.Unlock()
}

// CountConnected returns how many of a team's instances are healthy.
func (t *Tracker) CountConnected(teamID string) int {
	now := t.nowFunc()
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for key, s := range t.sessions {
		if key.teamID == teamID && now.Sub(s.LastHeartbeat) < t.healthyWindow {
			n++
		}
	}
	return n
}

// CountTotal returns the number of tracked sessions across all teams.
func (t *Tracker) CountTotal() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ListInstances returns copies of a team's sessions with the healthy flag
// computed, most recently heartbeated first.
func (t *Tracker) ListInstances(teamID string) []Session {
	now := t.nowFunc()
	t.mu.RLock()
	out := make([]Session, 0, 4)
	for key, s := range t.sessions {
		if key.teamID != teamID {
			continue
		}
		cp := *s
		cp.Healthy = now.Sub(s.LastHeartbeat) < t.healthyWindow
		out = append(out, cp)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// RecordIngest notes events accepted for a team so status frames can
// report a per-minute ingest rate.
func (t *Tracker) RecordIngest(teamID string, n int) {
	t.rates.Record(teamID, n)
}

// EventsPerMinute returns how many events a team ingested during the
// trailing rate window.
func (t *Tracker) EventsPerMinute(teamID string) int {
	return t.rates.Rate(teamID)
}

// SweepStale drops sessions whose last heartbeat is older than the stale
// threshold and returns how many were removed.
func (t *Tracker) SweepStale() int {
	cutoff := t.nowFunc().Add(-t.staleAfter)
	t.mu.Lock()
	removed := 0
	for key, s := range t.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			delete(t.sessions, key)
			removed++
		}
	}
	t.mu.Unlock()
	t.rates.Sweep()
	return removed
}

func (t *Tracker) sweepLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.SweepStale()
		}
	}
}
