// Package ingest turns raw SDK event batches into normalized store batches
// and fans light summaries out to dashboards through a per-team buffer.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hiveops/hive/internal/pricing"
	"github.com/hiveops/hive/internal/store"
)

// previewLimit caps the truncated preview stored on warm references.
const previewLimit = 200

// contentFields maps raw capture fields to their stored content type.
var contentFields = []struct {
	raw string
	typ string
}{
	{"system_prompt", "system_prompt"},
	{"messages", "messages"},
	{"response_content", "response"},
	{"tools", "tools"},
	{"params", "params"},
}

// Rejection explains why one raw event was dropped, keyed by its position
// in the submitted batch.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of normalizing one raw batch.
type Result struct {
	Batch    store.Batch
	Rejected []Rejection
}

// Accepted reports how many events survived validation and in-batch dedupe.
func (r Result) Accepted() int {
	return len(r.Batch.Events)
}

// Normalizer validates raw SDK events, derives cost via the pricing engine,
// and extracts content-addressable blobs.
type Normalizer struct {
	pricing *pricing.Engine
}

func NewNormalizer(engine *pricing.Engine) *Normalizer {
	return &Normalizer{pricing: engine}
}

// Normalize processes one raw batch for teamID. Events missing a valid
// timestamp, trace_id, or call_sequence are rejected individually; a
// team_id that contradicts the authenticated team is rejected as well.
// Duplicate (trace_id, call_sequence) pairs inside the batch collapse to
// the entry with the later timestamp. Blobs are unique per hash per batch.
func (n *Normalizer) Normalize(ctx context.Context, teamID string, raw []map[string]any) Result {
	var res Result

	type pairKey struct {
		trace string
		seq   int64
	}
	type entry struct {
		event store.Event
		refs  []store.ContentRef
		blobs []store.ContentBlob
	}
	entries := make(map[pairKey]*entry)
	var order []pairKey

	for i, m := range raw {
		ts, ok := parseTimestamp(m["timestamp"])
		if !ok {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "missing or invalid timestamp"})
			continue
		}
		traceID := asString(m["trace_id"])
		if traceID == "" {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "missing trace_id"})
			continue
		}
		seq, ok := asCallSequence(m["call_sequence"])
		if !ok {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "missing or invalid call_sequence"})
			continue
		}
		if rawTeam := asString(m["team_id"]); rawTeam != "" && rawTeam != teamID {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "team_id mismatch"})
			continue
		}

		ev := store.Event{
			Timestamp:    ts,
			TeamID:       teamID,
			TraceID:      traceID,
			CallSequence: seq,
			SpanID:       asString(m["span_id"]),
			ParentSpanID: asString(m["parent_span_id"]),
			RequestID:    asString(m["request_id"]),
			Provider:     asString(m["provider"]),
			Model:        asString(m["model"]),
			Stream:       asBool(m["stream"]),
			Agent:        asString(m["agent"]),
			AgentName:    asString(m["agent_name"]),
			AgentStack:   asStringSlice(m["agent_stack"]),
			UserID:       asString(m["user_id"]),
			LatencyMs:    asInt64Ptr(m["latency_ms"]),
			Usage:        usageFrom(m),
			Metadata:     asMap(m["metadata"]),
			CallSite:     asMap(m["call_site"]),
			FinishReason: asString(m["finish_reason"]),
		}
		if ev.Model == "" {
			ev.Model = "unknown"
		}

		// metadata.agent overrides the top-level agent; the effective
		// value leads the agent stack. The column itself keeps the raw
		// top-level value so spend predicates can check both.
		if effective := effectiveAgent(ev.Agent, ev.Metadata); effective != "" {
			if !containsString(ev.AgentStack, effective) {
				ev.AgentStack = append([]string{effective}, ev.AgentStack...)
			}
		}

		cost := n.pricing.Cost(ctx, pricing.CostInput{
			Model:    ev.Model,
			Provider: ev.Provider,
			Input:    orZero(ev.Usage.Input),
			Output:   orZero(ev.Usage.Output),
			Cached:   orZero(ev.Usage.Cached),
		})
		ev.CostTotal = cost.Total

		refs, blobs := extractContent(m, &ev)
		ev.HasContent = len(refs) > 0
		ev.ToolCallCount = toolCallCount(m["messages"])

		key := pairKey{trace: traceID, seq: seq}
		if existing, ok := entries[key]; ok {
			if ts.Before(existing.event.Timestamp) {
				continue
			}
			*existing = entry{event: ev, refs: refs, blobs: blobs}
			continue
		}
		entries[key] = &entry{event: ev, refs: refs, blobs: blobs}
		order = append(order, key)
	}

	seenHashes := make(map[string]bool)
	for _, key := range order {
		e := entries[key]
		res.Batch.Events = append(res.Batch.Events, e.event)
		res.Batch.Refs = append(res.Batch.Refs, e.refs...)
		for _, b := range e.blobs {
			if seenHashes[b.ContentHash] {
				continue
			}
			seenHashes[b.ContentHash] = true
			res.Batch.Blobs = append(res.Batch.Blobs, b)
		}
	}
	return res
}

// extractContent hashes each non-empty capture field into a warm reference
// and a cold blob. The event's primary key fields must already be set.
func extractContent(m map[string]any, ev *store.Event) ([]store.ContentRef, []store.ContentBlob) {
	var refs []store.ContentRef
	var blobs []store.ContentBlob

	for _, field := range contentFields {
		v, ok := m[field.raw]
		if !ok || isEmptyContent(v) {
			continue
		}
		text := stringifyContent(v)
		if text == "" {
			continue
		}
		sum := sha256.Sum256([]byte(text))
		hash := hex.EncodeToString(sum[:])

		ref := store.ContentRef{
			Timestamp:        ev.Timestamp,
			TraceID:          ev.TraceID,
			CallSequence:     ev.CallSequence,
			TeamID:           ev.TeamID,
			ContentType:      field.typ,
			ContentHash:      hash,
			ByteSize:         int64(len(text)),
			TruncatedPreview: truncate(text, previewLimit),
		}
		if field.typ == "messages" {
			if arr, ok := v.([]any); ok {
				count := len(arr)
				ref.MessageCount = &count
			}
		}
		refs = append(refs, ref)
		blobs = append(blobs, store.ContentBlob{
			ContentHash: hash,
			TeamID:      ev.TeamID,
			Content:     text,
			ByteSize:    int64(len(text)),
		})
	}
	return refs, blobs
}

// stringifyContent renders a capture field for hashing: strings pass
// through, structured values are JSON-encoded with sorted keys (Go's
// encoder sorts map keys, so equal values hash equally).
func stringifyContent(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func isEmptyContent(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func toolCallCount(messages any) int {
	arr, ok := messages.([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, m := range arr {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if calls, ok := msg["tool_calls"].([]any); ok {
			total += len(calls)
		}
	}
	return total
}

func effectiveAgent(agent string, metadata map[string]any) string {
	if v, ok := metadata["agent"].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return agent
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseTimestamp accepts RFC 3339 strings or epoch milliseconds. Anything
// else is invalid; all results are UTC.
func parseTimestamp(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case float64:
		if val <= 0 || val != math.Trunc(val) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(val)).UTC(), true
	case int64:
		if val <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(val).UTC(), true
	case int:
		if val <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(val)).UTC(), true
	case time.Time:
		if val.IsZero() {
			return time.Time{}, false
		}
		return val.UTC(), true
	}
	return time.Time{}, false
}

func asCallSequence(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		if val < 0 || val != math.Trunc(val) {
			return 0, false
		}
		return int64(val), true
	case int:
		if val < 0 {
			return 0, false
		}
		return int64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

// usageFrom reads token counts either nested under "usage" or flat on the
// event. String values never leak into the numeric fields.
func usageFrom(m map[string]any) store.Usage {
	if nested, ok := m["usage"].(map[string]any); ok {
		return store.Usage{
			Input:              asInt64Ptr(nested["input"]),
			Output:             asInt64Ptr(nested["output"]),
			Total:              asInt64Ptr(nested["total"]),
			Cached:             asInt64Ptr(nested["cached"]),
			Reasoning:          asInt64Ptr(nested["reasoning"]),
			AcceptedPrediction: asInt64Ptr(nested["accepted_prediction"]),
			RejectedPrediction: asInt64Ptr(nested["rejected_prediction"]),
		}
	}
	return store.Usage{
		Input:              asInt64Ptr(m["input_tokens"]),
		Output:             asInt64Ptr(m["output_tokens"]),
		Total:              asInt64Ptr(m["total_tokens"]),
		Cached:             asInt64Ptr(m["cached_tokens"]),
		Reasoning:          asInt64Ptr(m["reasoning_tokens"]),
		AcceptedPrediction: asInt64Ptr(m["accepted_prediction_tokens"]),
		RejectedPrediction: asInt64Ptr(m["rejected_prediction_tokens"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64Ptr(v any) *int64 {
	var n int64
	switch val := v.(type) {
	case float64:
		n = int64(val)
	case int:
		n = int64(val)
	case int64:
		n = val
	default:
		return nil
	}
	return &n
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct
		}
		return nil
	}
	var out []string
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func orZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
