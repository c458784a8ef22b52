// Package store persists normalized LLM events across the three tenant
// tiers: hot metric rows, warm content references, and deduplicated cold
// content blobs. The real implementation runs on Postgres/TimescaleDB via
// per-tenant pools; Fake carries the same upsert semantics in memory for
// tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested event or content row does not
// exist.
var ErrNotFound = errors.New("store: not found")

// EventStore is the tiered persistence surface consumed by the ingest
// pipeline and the control API.
type EventStore interface {
	Upsert(ctx context.Context, teamID string, batch Batch) (UpsertResult, error)
	FetchEventContent(ctx context.Context, teamID, traceID string, callSeq int64) ([]EventContent, error)
	FetchContentByHash(ctx context.Context, teamID, hash string) (*ColdContent, error)
	ListDistinctAgents(ctx context.Context, teamID string, since *time.Time, limit int) ([]AgentAggregate, error)
	ListEvents(ctx context.Context, teamID string, q EventQuery) ([]Event, error)
	SweepExpiredContent(ctx context.Context, teamID string, olderThan time.Time) (int64, error)
}

// Event is one normalized LLM event (hot tier row).
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	TeamID        string         `json:"team_id"`
	TraceID       string         `json:"trace_id"`
	CallSequence  int64          `json:"call_sequence"`
	SpanID        string         `json:"span_id,omitempty"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model"`
	Stream        bool           `json:"stream"`
	Agent         string         `json:"agent,omitempty"`
	AgentName     string         `json:"agent_name,omitempty"`
	AgentStack    []string       `json:"agent_stack,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	LatencyMs     *int64         `json:"latency_ms,omitempty"`
	Usage         Usage          `json:"usage"`
	CostTotal     float64        `json:"cost_total"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CallSite      map[string]any `json:"call_site,omitempty"`
	HasContent    bool           `json:"has_content"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	ToolCallCount int            `json:"tool_call_count"`
}

// Usage keeps absent wire values distinct from explicit zeros.
type Usage struct {
	Input              *int64 `json:"input,omitempty"`
	Output             *int64 `json:"output,omitempty"`
	Total              *int64 `json:"total,omitempty"`
	Cached             *int64 `json:"cached,omitempty"`
	Reasoning          *int64 `json:"reasoning,omitempty"`
	AcceptedPrediction *int64 `json:"accepted_prediction,omitempty"`
	RejectedPrediction *int64 `json:"rejected_prediction,omitempty"`
}

// ContentRef is one warm-tier reference row. An event produces one per
// captured content type.
type ContentRef struct {
	Timestamp        time.Time `json:"timestamp"`
	TraceID          string    `json:"trace_id"`
	CallSequence     int64     `json:"call_sequence"`
	TeamID           string    `json:"team_id"`
	ContentType      string    `json:"content_type"`
	ContentHash      string    `json:"content_hash"`
	ByteSize         int64     `json:"byte_size"`
	MessageCount     *int      `json:"message_count,omitempty"`
	TruncatedPreview string    `json:"truncated_preview,omitempty"`
}

// ContentBlob is one cold-tier payload keyed by content hash.
type ContentBlob struct {
	ContentHash string `json:"content_hash"`
	TeamID      string `json:"team_id"`
	Content     string `json:"content"`
	ByteSize    int64  `json:"byte_size"`
}

// Batch is the normalized output of one ingest request: deduplicated
// events, their warm references, and the unique blobs among them.
type Batch struct {
	Events []Event
	Refs   []ContentRef
	Blobs  []ContentBlob
}

// UpsertResult reports what one Upsert call did.
type UpsertResult struct {
	RowsWritten         int `json:"rowsWritten"`
	ContentStored       int `json:"contentStored"`
	ContentDeduplicated int `json:"contentDeduplicated"`
}

// EventContent is a warm reference joined with its cold payload.
type EventContent struct {
	ContentType      string `json:"content_type"`
	ContentHash      string `json:"content_hash"`
	ByteSize         int64  `json:"byte_size"`
	MessageCount     *int   `json:"message_count,omitempty"`
	TruncatedPreview string `json:"truncated_preview,omitempty"`
	Content          string `json:"content"`
}

// ColdContent is one cold-tier row.
type ColdContent struct {
	ContentHash string    `json:"content_hash"`
	TeamID      string    `json:"team_id"`
	Content     string    `json:"content"`
	ByteSize    int64     `json:"byte_size"`
	RefCount    int       `json:"ref_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// AgentAggregate is one row of the historical agent view.
type AgentAggregate struct {
	Agent         string    `json:"agent"`
	AgentName     string    `json:"agent_name"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	TotalRequests int64     `json:"total_requests"`
	TotalCost     float64   `json:"total_cost"`
}

// EventQuery filters ListEvents.
type EventQuery struct {
	Since   *time.Time
	TraceID string
	Limit   int
	Offset  int
}
