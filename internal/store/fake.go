package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory EventStore for tests. It mirrors the TieredStore
// write semantics: an exact (timestamp, trace_id, call_sequence) replay
// refreshes the row, a replay with a different timestamp adds a row, and
// blob conflicts bump ref_count. Reads resolve a (trace_id, call_sequence)
// pair to its newest timestamp the same way the SQL does.
type Fake struct {
	mu    sync.Mutex
	now   func() time.Time
	teams map[string]*fakeTeam
}

type fakeTeam struct {
	events map[eventKey]Event
	refs   []ContentRef
	blobs  map[string]*ColdContent
}

type eventKey struct {
	ts    int64
	trace string
	seq   int64
}

func NewFake() *Fake {
	return &Fake{
		now:   time.Now,
		teams: make(map[string]*fakeTeam),
	}
}

func (f *Fake) team(id string) *fakeTeam {
	t, ok := f.teams[id]
	if !ok {
		t = &fakeTeam{
			events: make(map[eventKey]Event),
			blobs:  make(map[string]*ColdContent),
		}
		f.teams[id] = t
	}
	return t
}

func (f *Fake) Upsert(ctx context.Context, teamID string, batch Batch) (UpsertResult, error) {
	var res UpsertResult
	if len(batch.Events) == 0 && len(batch.Refs) == 0 && len(batch.Blobs) == 0 {
		return res, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.team(teamID)
	now := f.now()

	for _, ev := range batch.Events {
		ev.TeamID = teamID
		key := eventKey{ts: ev.Timestamp.UnixNano(), trace: ev.TraceID, seq: ev.CallSequence}
		t.events[key] = ev
		res.RowsWritten++
	}

	for _, b := range batch.Blobs {
		if existing, ok := t.blobs[b.ContentHash]; ok {
			existing.RefCount++
			existing.LastSeenAt = now
			res.ContentDeduplicated++
			continue
		}
		t.blobs[b.ContentHash] = &ColdContent{
			ContentHash: b.ContentHash,
			TeamID:      teamID,
			Content:     b.Content,
			ByteSize:    b.ByteSize,
			RefCount:    1,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		res.ContentStored++
	}

	for _, r := range batch.Refs {
		r.TeamID = teamID
		t.refs = append(t.refs, r)
	}
	return res, nil
}

func (f *Fake) FetchEventContent(ctx context.Context, teamID, traceID string, callSeq int64) ([]EventContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.team(teamID)

	latest := make(map[string]ContentRef)
	for _, r := range t.refs {
		if r.TraceID != traceID || r.CallSequence != callSeq {
			continue
		}
		if prev, ok := latest[r.ContentType]; !ok || r.Timestamp.After(prev.Timestamp) {
			latest[r.ContentType] = r
		}
	}
	if len(latest) == 0 {
		return nil, ErrNotFound
	}

	types := make([]string, 0, len(latest))
	for ct := range latest {
		types = append(types, ct)
	}
	sort.Strings(types)

	out := make([]EventContent, 0, len(types))
	for _, ct := range types {
		r := latest[ct]
		blob, ok := t.blobs[r.ContentHash]
		if !ok {
			continue
		}
		out = append(out, EventContent{
			ContentType:      r.ContentType,
			ContentHash:      r.ContentHash,
			ByteSize:         r.ByteSize,
			MessageCount:     r.MessageCount,
			TruncatedPreview: r.TruncatedPreview,
			Content:          blob.Content,
		})
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (f *Fake) FetchContentByHash(ctx context.Context, teamID, hash string) (*ColdContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.team(teamID).blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	c := *blob
	return &c, nil
}

func (f *Fake) ListDistinctAgents(ctx context.Context, teamID string, since *time.Time, limit int) ([]AgentAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	byAgent := make(map[string]*AgentAggregate)
	for _, ev := range f.team(teamID).events {
		agent := effectiveAgent(ev)
		if agent == "" {
			continue
		}
		if since != nil && ev.Timestamp.Before(*since) {
			continue
		}
		agg, ok := byAgent[agent]
		if !ok {
			agg = &AgentAggregate{Agent: agent, FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp}
			byAgent[agent] = agg
		}
		if ev.Timestamp.Before(agg.FirstSeen) {
			agg.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(agg.LastSeen) {
			agg.LastSeen = ev.Timestamp
		}
		if ev.AgentName > agg.AgentName {
			agg.AgentName = ev.AgentName
		}
		agg.TotalRequests++
		agg.TotalCost += ev.CostTotal
	}

	out := make([]AgentAggregate, 0, len(byAgent))
	for _, agg := range byAgent {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Agent < out[j].Agent
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListEvents(ctx context.Context, teamID string, q EventQuery) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Event
	for _, ev := range f.team(teamID).events {
		if q.Since != nil && ev.Timestamp.Before(*q.Since) {
			continue
		}
		if q.TraceID != "" && ev.TraceID != q.TraceID {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].TraceID != out[j].TraceID {
			return out[i].TraceID < out[j].TraceID
		}
		return out[i].CallSequence < out[j].CallSequence
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) SweepExpiredContent(ctx context.Context, teamID string, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.team(teamID)

	var removed int64
	for hash, blob := range t.blobs {
		if blob.RefCount <= 0 && blob.LastSeenAt.Before(olderThan) {
			delete(t.blobs, hash)
			removed++
		}
	}
	return removed, nil
}

// ReleaseContent decrements a blob's reference count, standing in for the
// external retention path that SweepExpiredContent cleans up after.
func (f *Fake) ReleaseContent(teamID, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blob, ok := f.team(teamID).blobs[hash]; ok {
		blob.RefCount--
	}
}

// effectiveAgent mirrors the SQL expression: a non-empty metadata.agent
// overrides the event column.
func effectiveAgent(ev Event) string {
	if v, ok := ev.Metadata["agent"]; ok {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case nil:
			s = ""
		default:
			s = fmt.Sprint(val)
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ev.Agent
}
