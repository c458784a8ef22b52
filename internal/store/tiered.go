package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools hands out a per-team connection pool whose search_path is already
// pinned to the team schema. All SQL below is schema-unqualified and relies
// on that.
type Pools interface {
	Pool(ctx context.Context, teamID string) (*pgxpool.Pool, error)
}

// TieredStore is the Postgres/Timescale implementation of EventStore.
// Hot rows land in llm_events, warm references in llm_event_content, and
// deduplicated payloads in llm_content_store.
type TieredStore struct {
	pools Pools
}

func NewTiered(pools Pools) *TieredStore {
	return &TieredStore{pools: pools}
}

const insertEventSQL = `INSERT INTO llm_events (
		timestamp, team_id, trace_id, call_sequence,
		span_id, parent_span_id, request_id,
		provider, model, stream,
		agent, agent_name, agent_stack, user_id,
		latency_ms,
		input_tokens, output_tokens, total_tokens, cached_tokens,
		reasoning_tokens, accepted_prediction_tokens, rejected_prediction_tokens,
		cost_total, metadata, call_site,
		has_content, finish_reason, tool_call_count
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
	)
	ON CONFLICT (timestamp, trace_id, call_sequence) DO UPDATE SET
		team_id = EXCLUDED.team_id,
		span_id = EXCLUDED.span_id,
		parent_span_id = EXCLUDED.parent_span_id,
		request_id = EXCLUDED.request_id,
		provider = EXCLUDED.provider,
		model = EXCLUDED.model,
		stream = EXCLUDED.stream,
		agent = EXCLUDED.agent,
		agent_name = EXCLUDED.agent_name,
		agent_stack = EXCLUDED.agent_stack,
		user_id = EXCLUDED.user_id,
		latency_ms = EXCLUDED.latency_ms,
		input_tokens = EXCLUDED.input_tokens,
		output_tokens = EXCLUDED.output_tokens,
		total_tokens = EXCLUDED.total_tokens,
		cached_tokens = EXCLUDED.cached_tokens,
		reasoning_tokens = EXCLUDED.reasoning_tokens,
		accepted_prediction_tokens = EXCLUDED.accepted_prediction_tokens,
		rejected_prediction_tokens = EXCLUDED.rejected_prediction_tokens,
		cost_total = EXCLUDED.cost_total,
		metadata = EXCLUDED.metadata,
		call_site = EXCLUDED.call_site,
		has_content = EXCLUDED.has_content,
		finish_reason = EXCLUDED.finish_reason,
		tool_call_count = EXCLUDED.tool_call_count
	WHERE EXCLUDED.timestamp >= llm_events.timestamp`

const insertBlobSQL = `INSERT INTO llm_content_store (content_hash, team_id, content, byte_size)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (content_hash, team_id) DO UPDATE SET
		ref_count = llm_content_store.ref_count + 1,
		last_seen_at = now()
	RETURNING (xmax = 0) AS inserted`

const insertRefSQL = `INSERT INTO llm_event_content (
		timestamp, trace_id, call_sequence, team_id,
		content_type, content_hash, byte_size, message_count, truncated_preview
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Upsert writes one normalized batch in a single transaction. Replays of an
// identical (timestamp, trace_id, call_sequence) refresh the row in place;
// a replay carrying a different timestamp lands as its own row, and reads
// resolve the pair to the newest timestamp. Blob conflicts bump ref_count
// instead of rewriting content.
func (s *TieredStore) Upsert(ctx context.Context, teamID string, batch Batch) (UpsertResult, error) {
	var res UpsertResult
	if len(batch.Events) == 0 && len(batch.Refs) == 0 && len(batch.Blobs) == 0 {
		return res, nil
	}

	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return res, fmt.Errorf("tenant pool: %w", err)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range batch.Events {
		ev := &batch.Events[i]
		tag, err := tx.Exec(ctx, insertEventSQL,
			ev.Timestamp, teamID, ev.TraceID, ev.CallSequence,
			nullIfEmpty(ev.SpanID), nullIfEmpty(ev.ParentSpanID), nullIfEmpty(ev.RequestID),
			nullIfEmpty(ev.Provider), ev.Model, ev.Stream,
			nullIfEmpty(ev.Agent), nullIfEmpty(ev.AgentName), orEmptySlice(ev.AgentStack), nullIfEmpty(ev.UserID),
			ev.LatencyMs,
			ev.Usage.Input, ev.Usage.Output, ev.Usage.Total, ev.Usage.Cached,
			ev.Usage.Reasoning, ev.Usage.AcceptedPrediction, ev.Usage.RejectedPrediction,
			ev.CostTotal, orEmptyMap(ev.Metadata), orEmptyMap(ev.CallSite),
			ev.HasContent, nullIfEmpty(ev.FinishReason), ev.ToolCallCount,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert event %s/%d: %w", ev.TraceID, ev.CallSequence, err)
		}
		res.RowsWritten += int(tag.RowsAffected())
	}

	for i := range batch.Blobs {
		b := &batch.Blobs[i]
		var inserted bool
		err := tx.QueryRow(ctx, insertBlobSQL, b.ContentHash, teamID, b.Content, b.ByteSize).Scan(&inserted)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert blob %s: %w", b.ContentHash, err)
		}
		if inserted {
			res.ContentStored++
		} else {
			res.ContentDeduplicated++
		}
	}

	for i := range batch.Refs {
		r := &batch.Refs[i]
		_, err := tx.Exec(ctx, insertRefSQL,
			r.Timestamp, r.TraceID, r.CallSequence, teamID,
			r.ContentType, r.ContentHash, r.ByteSize, r.MessageCount, nullIfEmpty(r.TruncatedPreview),
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert content ref %s/%d: %w", r.TraceID, r.CallSequence, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// FetchEventContent joins the newest warm reference per content type with
// its cold payload. The timestamp ordering makes a replayed event resolve
// to its most recent write.
func (s *TieredStore) FetchEventContent(ctx context.Context, teamID, traceID string, callSeq int64) ([]EventContent, error) {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT DISTINCT ON (w.content_type)
			w.content_type, w.content_hash, w.byte_size, w.message_count,
			COALESCE(w.truncated_preview, ''), c.content
		FROM llm_event_content w
		JOIN llm_content_store c
			ON c.content_hash = w.content_hash AND c.team_id = w.team_id
		WHERE w.trace_id = $1 AND w.call_sequence = $2
		ORDER BY w.content_type, w.timestamp DESC`, traceID, callSeq)
	if err != nil {
		return nil, fmt.Errorf("query event content: %w", err)
	}
	defer rows.Close()

	var out []EventContent
	for rows.Next() {
		var ec EventContent
		if err := rows.Scan(&ec.ContentType, &ec.ContentHash, &ec.ByteSize, &ec.MessageCount, &ec.TruncatedPreview, &ec.Content); err != nil {
			return nil, fmt.Errorf("scan event content: %w", err)
		}
		out = append(out, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event content: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *TieredStore) FetchContentByHash(ctx context.Context, teamID, hash string) (*ColdContent, error) {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}

	var c ColdContent
	err = pool.QueryRow(ctx, `SELECT content_hash, team_id, content, byte_size, ref_count, first_seen_at, last_seen_at
		FROM llm_content_store
		WHERE content_hash = $1 AND team_id = $2`, hash, teamID).
		Scan(&c.ContentHash, &c.TeamID, &c.Content, &c.ByteSize, &c.RefCount, &c.FirstSeenAt, &c.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query content by hash: %w", err)
	}
	return &c, nil
}

// ListDistinctAgents aggregates events by effective agent, newest activity
// first. Events with neither an agent column nor a metadata override are
// excluded.
func (s *TieredStore) ListDistinctAgents(ctx context.Context, teamID string, since *time.Time, limit int) ([]AgentAggregate, error) {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}

	where := EffectiveAgentExpr + " IS NOT NULL"
	args := []any{}
	if since != nil {
		args = append(args, *since)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s AS agent,
			MAX(COALESCE(agent_name, '')) AS agent_name,
			MIN(timestamp) AS first_seen,
			MAX(timestamp) AS last_seen,
			COUNT(*) AS total_requests,
			COALESCE(SUM(cost_total), 0) AS total_cost
		FROM llm_events
		WHERE %s
		GROUP BY 1
		ORDER BY last_seen DESC
		LIMIT $%d`, EffectiveAgentExpr, where, len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []AgentAggregate
	for rows.Next() {
		var a AgentAggregate
		if err := rows.Scan(&a.Agent, &a.AgentName, &a.FirstSeen, &a.LastSeen, &a.TotalRequests, &a.TotalCost); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read agents: %w", err)
	}
	return out, nil
}

func (s *TieredStore) ListEvents(ctx context.Context, teamID string, q EventQuery) ([]Event, error) {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}

	var conds []string
	var args []any
	if q.Since != nil {
		args = append(args, *q.Since)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if q.TraceID != "" {
		args = append(args, q.TraceID)
		conds = append(conds, fmt.Sprintf("trace_id = $%d", len(args)))
	}

	query := `SELECT timestamp, team_id, trace_id, call_sequence,
			COALESCE(span_id, ''), COALESCE(parent_span_id, ''), COALESCE(request_id, ''),
			COALESCE(provider, ''), model, stream,
			COALESCE(agent, ''), COALESCE(agent_name, ''), agent_stack, COALESCE(user_id, ''),
			latency_ms,
			input_tokens, output_tokens, total_tokens, cached_tokens,
			reasoning_tokens, accepted_prediction_tokens, rejected_prediction_tokens,
			cost_total, metadata, call_site,
			has_content, COALESCE(finish_reason, ''), tool_call_count
		FROM llm_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, trace_id, call_sequence"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(
			&ev.Timestamp, &ev.TeamID, &ev.TraceID, &ev.CallSequence,
			&ev.SpanID, &ev.ParentSpanID, &ev.RequestID,
			&ev.Provider, &ev.Model, &ev.Stream,
			&ev.Agent, &ev.AgentName, &ev.AgentStack, &ev.UserID,
			&ev.LatencyMs,
			&ev.Usage.Input, &ev.Usage.Output, &ev.Usage.Total, &ev.Usage.Cached,
			&ev.Usage.Reasoning, &ev.Usage.AcceptedPrediction, &ev.Usage.RejectedPrediction,
			&ev.CostTotal, &ev.Metadata, &ev.CallSite,
			&ev.HasContent, &ev.FinishReason, &ev.ToolCallCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

// SweepExpiredContent removes cold rows whose references are gone and that
// have not been touched since olderThan.
func (s *TieredStore) SweepExpiredContent(ctx context.Context, teamID string, olderThan time.Time) (int64, error) {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("tenant pool: %w", err)
	}
	tag, err := pool.Exec(ctx, `DELETE FROM llm_content_store
		WHERE ref_count <= 0 AND last_seen_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep content: %w", err)
	}
	return tag.RowsAffected(), nil
}

var continuousAggregates = []string{
	"llm_events_daily_ca",
	"llm_events_daily_by_model_ca",
	"llm_events_daily_by_agent_ca",
}

// RefreshAggregates forces the recent window of each continuous aggregate
// current. A no-op when timescaledb is absent: the stand-in views are
// computed at read time.
func (s *TieredStore) RefreshAggregates(ctx context.Context, teamID string) error {
	pool, err := s.pools.Pool(ctx, teamID)
	if err != nil {
		return fmt.Errorf("tenant pool: %w", err)
	}

	var hasTimescale bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&hasTimescale); err != nil {
		return fmt.Errorf("check timescaledb: %w", err)
	}
	if !hasTimescale {
		return nil
	}

	// refresh_continuous_aggregate cannot run inside an explicit
	// transaction, so each CALL goes out as its own autocommit statement.
	for _, ca := range continuousAggregates {
		stmt := fmt.Sprintf(`CALL refresh_continuous_aggregate('%s', now() - INTERVAL '3 days', now())`, ca)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("refresh %s: %w", ca, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
