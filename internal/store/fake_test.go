package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testEvent(trace string, seq int64, ts time.Time, cost float64) Event {
	return Event{
		Timestamp:    ts,
		TraceID:      trace,
		CallSequence: seq,
		Model:        "claude-sonnet-4",
		Provider:     "anthropic",
		CostTotal:    cost,
	}
}

func TestUpsertEmptyBatch(t *testing.T) {
	f := NewFake()
	res, err := f.Upsert(context.Background(), "acme", Batch{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res != (UpsertResult{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestExactReplayRefreshesRow(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, cost := range []float64{0.10, 0.25} {
		res, err := f.Upsert(ctx, "acme", Batch{Events: []Event{testEvent("tr-1", 0, ts, cost)}})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if res.RowsWritten != 1 {
			t.Fatalf("upsert %d: rowsWritten = %d, want 1", i, res.RowsWritten)
		}
	}

	events, err := f.ListEvents(ctx, "acme", EventQuery{TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d rows, want 1", len(events))
	}
	if events[0].CostTotal != 0.25 {
		t.Fatalf("cost = %v, want the replayed 0.25", events[0].CostTotal)
	}
}

func TestReplayWithEarlierTimestampCannotWin(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	first := testEvent("tr-1", 0, ts, 0.10)
	if _, err := f.Upsert(ctx, "acme", Batch{
		Events: []Event{first},
		Refs: []ContentRef{{
			Timestamp: ts, TraceID: "tr-1", CallSequence: 0,
			ContentType: "response", ContentHash: "hash-new", ByteSize: 4,
		}},
		Blobs: []ContentBlob{{ContentHash: "hash-new", Content: "0.10", ByteSize: 4}},
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	replay := testEvent("tr-1", 0, ts.Add(-time.Second), 0.05)
	if _, err := f.Upsert(ctx, "acme", Batch{
		Events: []Event{replay},
		Refs: []ContentRef{{
			Timestamp: ts.Add(-time.Second), TraceID: "tr-1", CallSequence: 0,
			ContentType: "response", ContentHash: "hash-old", ByteSize: 4,
		}},
		Blobs: []ContentBlob{{ContentHash: "hash-old", Content: "0.05", ByteSize: 4}},
	}); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	// The replay lands as its own row because the timestamp differs.
	events, err := f.ListEvents(ctx, "acme", EventQuery{TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d rows, want 2", len(events))
	}
	if events[0].CostTotal != 0.10 {
		t.Fatalf("newest row cost = %v, want 0.10", events[0].CostTotal)
	}

	// Point reads resolve the pair to the newest timestamp.
	content, err := f.FetchEventContent(ctx, "acme", "tr-1", 0)
	if err != nil {
		t.Fatalf("fetch content: %v", err)
	}
	if len(content) != 1 || content[0].Content != "0.10" {
		t.Fatalf("content = %+v, want the newer payload", content)
	}
}

func TestContentDeduplication(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	batch := func(trace string, offset time.Duration) Batch {
		return Batch{
			Events: []Event{testEvent(trace, 0, ts.Add(offset), 0.01)},
			Refs: []ContentRef{{
				Timestamp: ts.Add(offset), TraceID: trace, CallSequence: 0,
				ContentType: "request", ContentHash: "shared-hash", ByteSize: 11,
			}},
			Blobs: []ContentBlob{{ContentHash: "shared-hash", Content: "same prompt", ByteSize: 11}},
		}
	}

	res, err := f.Upsert(ctx, "acme", batch("tr-1", 0))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.ContentStored != 1 || res.ContentDeduplicated != 0 {
		t.Fatalf("first upsert: stored=%d dedup=%d, want 1/0", res.ContentStored, res.ContentDeduplicated)
	}

	res, err = f.Upsert(ctx, "acme", batch("tr-2", time.Second))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.ContentStored != 0 || res.ContentDeduplicated != 1 {
		t.Fatalf("second upsert: stored=%d dedup=%d, want 0/1", res.ContentStored, res.ContentDeduplicated)
	}

	blob, err := f.FetchContentByHash(ctx, "acme", "shared-hash")
	if err != nil {
		t.Fatalf("fetch by hash: %v", err)
	}
	if blob.RefCount != 2 {
		t.Fatalf("ref_count = %d, want 2", blob.RefCount)
	}

	// Both events resolve to the single stored payload.
	for _, trace := range []string{"tr-1", "tr-2"} {
		content, err := f.FetchEventContent(ctx, "acme", trace, 0)
		if err != nil {
			t.Fatalf("fetch %s: %v", trace, err)
		}
		if len(content) != 1 || content[0].Content != "same prompt" {
			t.Fatalf("fetch %s: content = %+v", trace, content)
		}
	}
}

func TestFetchEventContentNotFound(t *testing.T) {
	f := NewFake()
	_, err := f.FetchEventContent(context.Background(), "acme", "missing", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_, err = f.FetchContentByHash(context.Background(), "acme", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFetchEventContentLatestPerType(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := f.Upsert(ctx, "acme", Batch{
		Refs: []ContentRef{
			{Timestamp: ts, TraceID: "tr-1", CallSequence: 0, ContentType: "response", ContentHash: "h1", ByteSize: 3},
			{Timestamp: ts.Add(time.Minute), TraceID: "tr-1", CallSequence: 0, ContentType: "response", ContentHash: "h2", ByteSize: 3},
			{Timestamp: ts, TraceID: "tr-1", CallSequence: 0, ContentType: "request", ContentHash: "h3", ByteSize: 3},
		},
		Blobs: []ContentBlob{
			{ContentHash: "h1", Content: "old", ByteSize: 3},
			{ContentHash: "h2", Content: "new", ByteSize: 3},
			{ContentHash: "h3", Content: "req", ByteSize: 3},
		},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	content, err := f.FetchEventContent(ctx, "acme", "tr-1", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(content) != 2 {
		t.Fatalf("got %d content types, want 2", len(content))
	}
	// Sorted by content type, newest reference per type.
	if content[0].ContentType != "request" || content[0].Content != "req" {
		t.Fatalf("content[0] = %+v", content[0])
	}
	if content[1].ContentType != "response" || content[1].Content != "new" {
		t.Fatalf("content[1] = %+v, want the newer response", content[1])
	}
}

func TestListDistinctAgents(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	events := []Event{
		testEvent("tr-1", 0, base, 0.10),
		testEvent("tr-2", 0, base.Add(time.Hour), 0.20),
		testEvent("tr-3", 0, base.Add(2*time.Hour), 0.30),
		testEvent("tr-4", 0, base.Add(3*time.Hour), 0.40),
	}
	events[0].Agent = "support-bot"
	events[1].Agent = "support-bot"
	events[1].AgentName = "Support Bot"
	// metadata.agent overrides the column.
	events[2].Agent = "support-bot"
	events[2].Metadata = map[string]any{"agent": "research-bot"}
	// no agent at all: excluded.
	events[3].Agent = ""

	if _, err := f.Upsert(ctx, "acme", Batch{Events: events}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agents, err := f.ListDistinctAgents(ctx, "acme", nil, 0)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2: %+v", len(agents), agents)
	}
	if agents[0].Agent != "research-bot" {
		t.Fatalf("agents[0] = %q, want research-bot first (newest activity)", agents[0].Agent)
	}
	sb := agents[1]
	if sb.Agent != "support-bot" || sb.TotalRequests != 2 || sb.AgentName != "Support Bot" {
		t.Fatalf("support-bot aggregate = %+v", sb)
	}
	if got, want := sb.TotalCost, 0.30; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("support-bot cost = %v, want %v", got, want)
	}

	since := base.Add(90 * time.Minute)
	agents, err = f.ListDistinctAgents(ctx, "acme", &since, 0)
	if err != nil {
		t.Fatalf("list agents since: %v", err)
	}
	if len(agents) != 1 || agents[0].Agent != "research-bot" {
		t.Fatalf("since filter: %+v", agents)
	}
}

func TestListEventsFilters(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var events []Event
	for i := int64(0); i < 5; i++ {
		events = append(events, testEvent("tr-1", i, base.Add(time.Duration(i)*time.Minute), 0.01))
	}
	events = append(events, testEvent("tr-2", 0, base.Add(10*time.Minute), 0.01))
	if _, err := f.Upsert(ctx, "acme", Batch{Events: events}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := f.ListEvents(ctx, "acme", EventQuery{TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("list by trace: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("trace filter: got %d, want 5", len(got))
	}
	if got[0].CallSequence != 4 {
		t.Fatalf("newest first: got seq %d", got[0].CallSequence)
	}

	since := base.Add(9 * time.Minute)
	got, err = f.ListEvents(ctx, "acme", EventQuery{Since: &since})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(got) != 1 || got[0].TraceID != "tr-2" {
		t.Fatalf("since filter: %+v", got)
	}

	got, err = f.ListEvents(ctx, "acme", EventQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("paging: got %d, want 2", len(got))
	}
	if got[0].TraceID != "tr-1" || got[0].CallSequence != 4 {
		t.Fatalf("offset skips the newest row: %+v", got[0])
	}
}

func TestSweepExpiredContent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return old }

	_, err := f.Upsert(ctx, "acme", Batch{Blobs: []ContentBlob{
		{ContentHash: "orphaned-old", Content: "a", ByteSize: 1},
		{ContentHash: "referenced-old", Content: "b", ByteSize: 1},
	}})
	if err != nil {
		t.Fatalf("upsert old: %v", err)
	}

	recent := old.AddDate(0, 1, 0)
	f.now = func() time.Time { return recent }
	if _, err := f.Upsert(ctx, "acme", Batch{Blobs: []ContentBlob{
		{ContentHash: "orphaned-recent", Content: "c", ByteSize: 1},
	}}); err != nil {
		t.Fatalf("upsert recent: %v", err)
	}

	f.ReleaseContent("acme", "orphaned-old")
	f.ReleaseContent("acme", "orphaned-recent")

	removed, err := f.SweepExpiredContent(ctx, "acme", old.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := f.FetchContentByHash(ctx, "acme", "orphaned-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphaned-old should be gone, err = %v", err)
	}
	if _, err := f.FetchContentByHash(ctx, "acme", "referenced-old"); err != nil {
		t.Fatalf("referenced-old should survive: %v", err)
	}
	if _, err := f.FetchContentByHash(ctx, "acme", "orphaned-recent"); err != nil {
		t.Fatalf("orphaned-recent should survive the cutoff: %v", err)
	}
}

func TestTeamsAreIsolated(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := f.Upsert(ctx, "acme", Batch{
		Events: []Event{testEvent("tr-1", 0, ts, 0.10)},
		Blobs:  []ContentBlob{{ContentHash: "h1", Content: "x", ByteSize: 1}},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	events, err := f.ListEvents(ctx, "other", EventQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("cross-team leak: %+v", events)
	}
	if _, err := f.FetchContentByHash(ctx, "other", "h1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-team blob read: err = %v", err)
	}
}
