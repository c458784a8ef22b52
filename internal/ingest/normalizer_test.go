package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/hiveops/hive/internal/pricing"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(pricing.New(nil))
}

func rawEvent(overrides map[string]any) map[string]any {
	m := map[string]any{
		"timestamp":     "2026-03-10T12:00:00Z",
		"trace_id":      "tr-1",
		"call_sequence": float64(0),
		"model":         "claude-3-5-haiku",
	}
	for k, v := range overrides {
		m[k] = v
	}
	return m
}

func TestNormalizeRejections(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		name   string
		event  map[string]any
		reason string
	}{
		{"missing timestamp", map[string]any{"trace_id": "tr", "call_sequence": float64(0)}, "missing or invalid timestamp"},
		{"unparseable timestamp", rawEvent(map[string]any{"timestamp": "yesterday"}), "missing or invalid timestamp"},
		{"zero epoch", rawEvent(map[string]any{"timestamp": float64(0)}), "missing or invalid timestamp"},
		{"missing trace", rawEvent(map[string]any{"trace_id": ""}), "missing trace_id"},
		{"missing call_sequence", map[string]any{"timestamp": "2026-03-10T12:00:00Z", "trace_id": "tr"}, "missing or invalid call_sequence"},
		{"negative call_sequence", rawEvent(map[string]any{"call_sequence": float64(-1)}), "missing or invalid call_sequence"},
		{"fractional call_sequence", rawEvent(map[string]any{"call_sequence": 1.5}), "missing or invalid call_sequence"},
		{"string call_sequence", rawEvent(map[string]any{"call_sequence": "3"}), "missing or invalid call_sequence"},
		{"foreign team", rawEvent(map[string]any{"team_id": "other"}), "team_id mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(context.Background(), "acme", []map[string]any{tt.event})
			if res.Accepted() != 0 {
				t.Fatalf("accepted %d, want 0", res.Accepted())
			}
			if len(res.Rejected) != 1 {
				t.Fatalf("rejected %d, want 1", len(res.Rejected))
			}
			if res.Rejected[0].Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", res.Rejected[0].Reason, tt.reason)
			}
			if res.Rejected[0].Index != 0 {
				t.Fatalf("index = %d, want 0", res.Rejected[0].Index)
			}
		})
	}
}

func TestNormalizeEvent(t *testing.T) {
	n := newTestNormalizer()
	raw := rawEvent(map[string]any{
		"provider":       "anthropic",
		"stream":         true,
		"span_id":        "sp-1",
		"request_id":     "req-9",
		"user_id":        "u-7",
		"latency_ms":     float64(850),
		"finish_reason":  "stop",
		"agent_name":     "Support Bot",
		"usage":          map[string]any{"input": float64(1000000), "output": float64(500000), "total": float64(1500000)},
		"metadata":       map[string]any{"feature": "chat"},
		"call_site":      map[string]any{"file": "bot.py"},
	})

	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	if res.Accepted() != 1 || len(res.Rejected) != 0 {
		t.Fatalf("accepted=%d rejected=%v", res.Accepted(), res.Rejected)
	}
	ev := res.Batch.Events[0]

	if ev.TeamID != "acme" || ev.TraceID != "tr-1" || ev.CallSequence != 0 {
		t.Fatalf("identity fields: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}
	if !ev.Stream || ev.SpanID != "sp-1" || ev.RequestID != "req-9" || ev.UserID != "u-7" {
		t.Fatalf("scalar fields: %+v", ev)
	}
	if ev.LatencyMs == nil || *ev.LatencyMs != 850 {
		t.Fatalf("latency = %v", ev.LatencyMs)
	}
	if ev.Usage.Input == nil || *ev.Usage.Input != 1000000 || ev.Usage.Output == nil || *ev.Usage.Output != 500000 {
		t.Fatalf("usage = %+v", ev.Usage)
	}
	if ev.Usage.Cached != nil {
		t.Fatalf("cached should stay nil when absent, got %v", *ev.Usage.Cached)
	}
	// haiku rates: 0.80 in, 4.00 out per million.
	want := 0.80 + 2.00
	if ev.CostTotal < want-1e-9 || ev.CostTotal > want+1e-9 {
		t.Fatalf("cost = %v, want %v", ev.CostTotal, want)
	}
	if ev.FinishReason != "stop" || ev.HasContent || ev.ToolCallCount != 0 {
		t.Fatalf("derived fields: %+v", ev)
	}
	if ev.Metadata["feature"] != "chat" || ev.CallSite["file"] != "bot.py" {
		t.Fatalf("payload maps: %+v", ev)
	}
}

func TestNormalizeTimestampForms(t *testing.T) {
	n := newTestNormalizer()
	want := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []map[string]any{
		rawEvent(map[string]any{"timestamp": "2026-03-10T12:00:00Z"}),
		rawEvent(map[string]any{"timestamp": "2026-03-10T13:00:00+01:00", "trace_id": "tr-2"}),
		rawEvent(map[string]any{"timestamp": float64(want.UnixMilli()), "trace_id": "tr-3"}),
	}
	res := n.Normalize(context.Background(), "acme", events)
	if res.Accepted() != 3 {
		t.Fatalf("accepted=%d rejected=%v", res.Accepted(), res.Rejected)
	}
	for i, ev := range res.Batch.Events {
		if !ev.Timestamp.Equal(want) {
			t.Fatalf("event %d timestamp = %v, want %v", i, ev.Timestamp, want)
		}
	}
}

func TestNormalizeFlatUsage(t *testing.T) {
	n := newTestNormalizer()
	raw := rawEvent(map[string]any{
		"input_tokens":  float64(100),
		"output_tokens": float64(50),
		"cached_tokens": float64(25),
	})
	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	ev := res.Batch.Events[0]
	if orZero(ev.Usage.Input) != 100 || orZero(ev.Usage.Output) != 50 || orZero(ev.Usage.Cached) != 25 {
		t.Fatalf("flat usage = %+v", ev.Usage)
	}
}

func TestNormalizeUsageNeverAcceptsStrings(t *testing.T) {
	n := newTestNormalizer()
	raw := rawEvent(map[string]any{
		"usage": map[string]any{"input": "1000", "output": float64(10)},
	})
	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	ev := res.Batch.Events[0]
	if ev.Usage.Input != nil {
		t.Fatalf("string input coerced to %v, want nil", *ev.Usage.Input)
	}
	if orZero(ev.Usage.Output) != 10 {
		t.Fatalf("output = %+v", ev.Usage.Output)
	}
}

func TestNormalizeAgentFold(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		name      string
		overrides map[string]any
		wantAgent string
		wantStack []string
	}{
		{
			"top-level agent leads the stack",
			map[string]any{"agent": "support-bot"},
			"support-bot",
			[]string{"support-bot"},
		},
		{
			"metadata overrides but the column keeps the raw value",
			map[string]any{"agent": "support-bot", "metadata": map[string]any{"agent": "research-bot"}},
			"support-bot",
			[]string{"research-bot"},
		},
		{
			"effective agent already present is not duplicated",
			map[string]any{"agent": "lead", "agent_stack": []any{"lead", "helper"}},
			"lead",
			[]string{"lead", "helper"},
		},
		{
			"effective agent prepended before existing stack",
			map[string]any{"agent": "lead", "agent_stack": []any{"helper"}},
			"lead",
			[]string{"lead", "helper"},
		},
		{
			"no agent anywhere leaves the stack alone",
			map[string]any{"agent_stack": []any{"helper"}},
			"",
			[]string{"helper"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(context.Background(), "acme", []map[string]any{rawEvent(tt.overrides)})
			ev := res.Batch.Events[0]
			if ev.Agent != tt.wantAgent {
				t.Fatalf("agent = %q, want %q", ev.Agent, tt.wantAgent)
			}
			if len(ev.AgentStack) != len(tt.wantStack) {
				t.Fatalf("stack = %v, want %v", ev.AgentStack, tt.wantStack)
			}
			for i := range tt.wantStack {
				if ev.AgentStack[i] != tt.wantStack[i] {
					t.Fatalf("stack = %v, want %v", ev.AgentStack, tt.wantStack)
				}
			}
		})
	}
}

func TestNormalizeContentExtraction(t *testing.T) {
	n := newTestNormalizer()
	longPrompt := strings.Repeat("p", 450)
	raw := rawEvent(map[string]any{
		"system_prompt": longPrompt,
		"messages": []any{
			map[string]any{"role": "user", "content": "hi", "tool_calls": []any{map[string]any{}, map[string]any{}}},
			map[string]any{"role": "assistant", "content": "hello", "tool_calls": []any{map[string]any{}}},
		},
		"response_content": "hello there",
		"tools":            []any{map[string]any{"name": "search"}},
		"params":           map[string]any{"temperature": 0.2},
	})

	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	ev := res.Batch.Events[0]
	if !ev.HasContent {
		t.Fatal("has_content should be true")
	}
	if ev.ToolCallCount != 3 {
		t.Fatalf("tool_call_count = %d, want 3", ev.ToolCallCount)
	}
	if len(res.Batch.Refs) != 5 || len(res.Batch.Blobs) != 5 {
		t.Fatalf("refs=%d blobs=%d, want 5/5", len(res.Batch.Refs), len(res.Batch.Blobs))
	}

	byType := map[string]int{}
	for i, ref := range res.Batch.Refs {
		byType[ref.ContentType] = i
	}
	for _, want := range []string{"system_prompt", "messages", "response", "tools", "params"} {
		if _, ok := byType[want]; !ok {
			t.Fatalf("missing content type %q in %v", want, byType)
		}
	}

	sys := res.Batch.Refs[byType["system_prompt"]]
	sum := sha256.Sum256([]byte(longPrompt))
	if sys.ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("system_prompt hash mismatch")
	}
	if sys.ByteSize != int64(len(longPrompt)) {
		t.Fatalf("byte_size = %d, want %d", sys.ByteSize, len(longPrompt))
	}
	if len(sys.TruncatedPreview) != previewLimit {
		t.Fatalf("preview length = %d, want %d", len(sys.TruncatedPreview), previewLimit)
	}

	msgs := res.Batch.Refs[byType["messages"]]
	if msgs.MessageCount == nil || *msgs.MessageCount != 2 {
		t.Fatalf("message_count = %v, want 2", msgs.MessageCount)
	}

	resp := res.Batch.Refs[byType["response"]]
	respSum := sha256.Sum256([]byte("hello there"))
	if resp.ContentHash != hex.EncodeToString(respSum[:]) {
		t.Fatalf("response hash mismatch")
	}
	if resp.MessageCount != nil {
		t.Fatalf("message_count should only apply to messages")
	}
}

func TestNormalizeSharedBlobAcrossEvents(t *testing.T) {
	n := newTestNormalizer()
	events := []map[string]any{
		rawEvent(map[string]any{"response_content": "identical output"}),
		rawEvent(map[string]any{"trace_id": "tr-2", "response_content": "identical output"}),
	}
	res := n.Normalize(context.Background(), "acme", events)
	if res.Accepted() != 2 {
		t.Fatalf("accepted = %d", res.Accepted())
	}
	if len(res.Batch.Refs) != 2 {
		t.Fatalf("refs = %d, want one per event", len(res.Batch.Refs))
	}
	if len(res.Batch.Blobs) != 1 {
		t.Fatalf("blobs = %d, want a single blob per hash per batch", len(res.Batch.Blobs))
	}
	if res.Batch.Refs[0].ContentHash != res.Batch.Refs[1].ContentHash {
		t.Fatal("both refs should point at the shared hash")
	}
}

func TestNormalizeInBatchDedupe(t *testing.T) {
	n := newTestNormalizer()
	earlier := rawEvent(map[string]any{
		"timestamp":        "2026-03-10T12:00:00Z",
		"response_content": "first draft",
	})
	later := rawEvent(map[string]any{
		"timestamp":        "2026-03-10T12:00:05Z",
		"response_content": "final answer",
	})

	res := n.Normalize(context.Background(), "acme", []map[string]any{earlier, later})
	if res.Accepted() != 1 {
		t.Fatalf("accepted = %d, want 1 after dedupe", res.Accepted())
	}
	ev := res.Batch.Events[0]
	if !ev.Timestamp.Equal(time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC)) {
		t.Fatalf("kept timestamp = %v, want the later one", ev.Timestamp)
	}
	if len(res.Batch.Refs) != 1 || len(res.Batch.Blobs) != 1 {
		t.Fatalf("refs=%d blobs=%d, want 1/1", len(res.Batch.Refs), len(res.Batch.Blobs))
	}
	if res.Batch.Blobs[0].Content != "final answer" {
		t.Fatalf("surviving blob = %q", res.Batch.Blobs[0].Content)
	}

	// Order flipped: the later event arrives first and must survive.
	res = n.Normalize(context.Background(), "acme", []map[string]any{later, earlier})
	if res.Accepted() != 1 {
		t.Fatalf("accepted = %d", res.Accepted())
	}
	if res.Batch.Blobs[0].Content != "final answer" {
		t.Fatalf("surviving blob = %q", res.Batch.Blobs[0].Content)
	}
}

func TestNormalizeSkipsEmptyCaptures(t *testing.T) {
	n := newTestNormalizer()
	raw := rawEvent(map[string]any{
		"system_prompt":    "",
		"messages":         []any{},
		"response_content": nil,
		"params":           map[string]any{},
	})
	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	ev := res.Batch.Events[0]
	if ev.HasContent || len(res.Batch.Refs) != 0 || len(res.Batch.Blobs) != 0 {
		t.Fatalf("empty captures produced refs=%d blobs=%d has_content=%v",
			len(res.Batch.Refs), len(res.Batch.Blobs), ev.HasContent)
	}
}

func TestNormalizeDefaultsUnknownModel(t *testing.T) {
	n := newTestNormalizer()
	raw := rawEvent(nil)
	delete(raw, "model")
	res := n.Normalize(context.Background(), "acme", []map[string]any{raw})
	if res.Batch.Events[0].Model != "unknown" {
		t.Fatalf("model = %q, want unknown", res.Batch.Events[0].Model)
	}
}
