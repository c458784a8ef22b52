package agent

import (
	"testing"
	"time"

	"github.com/hiveops/hive/internal/store"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(clock *fakeClock) *Tracker {
	return NewTracker(WithNow(clock.Now), WithSweepInterval(0))
}

func TestHeartbeatCreatesAndRefreshes(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	s := tr.Heartbeat("acme", SessionInfo{InstanceID: "sdk-1", AgentName: "support-bot"})
	if s == nil {
		t.Fatal("heartbeat returned nil session")
	}
	if s.ConnectionType != ConnectionHTTP {
		t.Fatalf("connection type = %q, want %q", s.ConnectionType, ConnectionHTTP)
	}
	if got := tr.CountConnected("acme"); got != 1 {
		t.Fatalf("CountConnected = %d, want 1", got)
	}

	// Beyond the healthy window the instance stops counting as connected
	// but stays listed until the stale sweep.
	clock.advance(61 * time.Second)
	if got := tr.CountConnected("acme"); got != 0 {
		t.Fatalf("CountConnected after 61s = %d, want 0", got)
	}
	instances := tr.ListInstances("acme")
	if len(instances) != 1 || instances[0].Healthy {
		t.Fatalf("instances = %+v, want one unhealthy entry", instances)
	}

	// A fresh heartbeat restores health and keeps the original connect time.
	connectedAt := instances[0].ConnectedAt
	s = tr.Heartbeat("acme", SessionInfo{InstanceID: "sdk-1", Status: "idle"})
	if !s.Healthy {
		t.Fatal("refreshed session should be healthy")
	}
	if !s.ConnectedAt.Equal(connectedAt) {
		t.Fatalf("ConnectedAt changed on heartbeat: %v -> %v", connectedAt, s.ConnectedAt)
	}
	if s.Status != "idle" {
		t.Fatalf("status = %q, want %q", s.Status, "idle")
	}
	if s.AgentName != "support-bot" {
		t.Fatalf("agent name lost on heartbeat: %q", s.AgentName)
	}
}

func TestConnectReplacesSession(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	tr.Heartbeat("acme", SessionInfo{InstanceID: "sdk-1", Status: "busy"})
	clock.advance(30 * time.Second)
	s := tr.Connect("acme", SessionInfo{InstanceID: "sdk-1", AgentName: "support-bot"}, ConnectionWebsocket)
	if s.ConnectionType != ConnectionWebsocket {
		t.Fatalf("connection type = %q, want %q", s.ConnectionType, ConnectionWebsocket)
	}
	if s.Status != "" {
		t.Fatalf("connect should start a fresh session, got status %q", s.Status)
	}
	if !s.ConnectedAt.Equal(clock.Now()) {
		t.Fatalf("ConnectedAt = %v, want %v", s.ConnectedAt, clock.Now())
	}
	if tr.CountTotal() != 1 {
		t.Fatalf("CountTotal = %d, want 1", tr.CountTotal())
	}

	if got := tr.Connect("acme", SessionInfo{}, ConnectionWebsocket); got != nil {
		t.Fatalf("connect without instance id returned %+v, want nil", got)
	}
}

func TestDisconnectAndStaleSweep(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	tr.Connect("acme", SessionInfo{InstanceID: "sdk-1"}, ConnectionWebsocket)
	tr.Connect("acme", SessionInfo{InstanceID: "sdk-2"}, ConnectionWebsocket)
	tr.Connect("globex", SessionInfo{InstanceID: "sdk-9"}, ConnectionWebsocket)

	tr.Disconnect("acme", "sdk-2")
	if got := tr.CountTotal(); got != 2 {
		t.Fatalf("CountTotal after disconnect = %d, want 2", got)
	}

	// sdk-9 keeps heartbeating, sdk-1 goes silent past the stale threshold.
	clock.advance(6 * time.Minute)
	tr.Heartbeat("globex", SessionInfo{InstanceID: "sdk-9"})
	clock.advance(5 * time.Minute)
	if removed := tr.SweepStale(); removed != 1 {
		t.Fatalf("SweepStale removed %d, want 1", removed)
	}
	if got := tr.CountTotal(); got != 1 {
		t.Fatalf("CountTotal after sweep = %d, want 1", got)
	}
	if got := len(tr.ListInstances("acme")); got != 0 {
		t.Fatalf("acme instances after sweep = %d, want 0", got)
	}
}

func TestListInstancesOrder(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	tr.Connect("acme", SessionInfo{InstanceID: "sdk-a"}, ConnectionWebsocket)
	clock.advance(time.Second)
	tr.Connect("acme", SessionInfo{InstanceID: "sdk-b"}, ConnectionWebsocket)
	clock.advance(time.Second)
	tr.Heartbeat("acme", SessionInfo{InstanceID: "sdk-a"})

	instances := tr.ListInstances("acme")
	if len(instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(instances))
	}
	if instances[0].InstanceID != "sdk-a" || instances[1].InstanceID != "sdk-b" {
		t.Fatalf("order = %s,%s; most recent heartbeat should sort first",
			instances[0].InstanceID, instances[1].InstanceID)
	}
}

func TestEventsPerMinuteWindow(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	tr.RecordIngest("acme", 10)
	clock.advance(30 * time.Second)
	tr.RecordIngest("acme", 5)
	if got := tr.EventsPerMinute("acme"); got != 15 {
		t.Fatalf("EventsPerMinute = %d, want 15", got)
	}

	// The first sample ages out of the trailing minute.
	clock.advance(31 * time.Second)
	if got := tr.EventsPerMinute("acme"); got != 5 {
		t.Fatalf("EventsPerMinute after 61s = %d, want 5", got)
	}

	clock.advance(2 * time.Minute)
	if got := tr.EventsPerMinute("acme"); got != 0 {
		t.Fatalf("EventsPerMinute after idle = %d, want 0", got)
	}
	if got := tr.EventsPerMinute("globex"); got != 0 {
		t.Fatalf("EventsPerMinute for unknown team = %d, want 0", got)
	}
}

func TestMergeFleet(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	defer tr.Close()

	firstSeen := clock.Now().Add(-48 * time.Hour)
	lastSeen := clock.Now().Add(-2 * time.Hour)
	history := []store.AgentAggregate{
		{Agent: "sdk-1", AgentName: "support-bot", FirstSeen: firstSeen, LastSeen: lastSeen, TotalRequests: 120, TotalCost: 3.5},
		{Agent: "legacy-agent", AgentName: "billing-bot", FirstSeen: firstSeen, LastSeen: lastSeen, TotalRequests: 40, TotalCost: 1.1},
		{Agent: "retired", FirstSeen: firstSeen, LastSeen: lastSeen, TotalRequests: 7, TotalCost: 0.2},
	}

	// sdk-1 matches by instance id, billing-2 matches legacy-agent by agent
	// name, sdk-new has no history at all.
	tr.Connect("acme", SessionInfo{InstanceID: "sdk-1", AgentName: "support-bot"}, ConnectionWebsocket)
	tr.Connect("acme", SessionInfo{InstanceID: "billing-2", AgentName: "billing-bot"}, ConnectionWebsocket)
	tr.Connect("acme", SessionInfo{InstanceID: "sdk-new", AgentName: "fresh-bot"}, ConnectionWebsocket)

	entries := MergeFleet(history, tr.ListInstances("acme"))
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}

	byAgent := make(map[string]FleetEntry, len(entries))
	for _, e := range entries {
		byAgent[e.Agent] = e
	}
	if e := byAgent["sdk-1"]; e.Status != StatusConnected || e.InstanceID != "sdk-1" || e.TotalRequests != 120 {
		t.Fatalf("sdk-1 entry = %+v", e)
	}
	if e := byAgent["legacy-agent"]; e.Status != StatusConnected || e.InstanceID != "billing-2" {
		t.Fatalf("legacy-agent entry = %+v", e)
	}
	if e := byAgent["retired"]; e.Status != StatusDisconnected || e.InstanceID != "" {
		t.Fatalf("retired entry = %+v", e)
	}
	if e := byAgent["sdk-new"]; e.Status != StatusConnected || e.TotalRequests != 0 || e.LastHeartbeat == nil {
		t.Fatalf("sdk-new entry = %+v", e)
	}

	// Historical rows come first in store order, live-only rows after.
	if entries[0].Agent != "sdk-1" || entries[3].Agent != "sdk-new" {
		t.Fatalf("ordering = %s ... %s", entries[0].Agent, entries[3].Agent)
	}
}
