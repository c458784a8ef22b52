package store

import (
	"fmt"
	"strings"
)

// EffectiveAgentExpr resolves the agent an event belongs to the same way
// the evaluator does: metadata.agent overrides the top-level column.
const EffectiveAgentExpr = `COALESCE(NULLIF(metadata->>'agent', ''), NULLIF(agent, ''))`

// SchemaStatements renders the full per-tenant DDL. The first statement
// creates the schema itself; everything after is idempotent so replays and
// concurrent initializers are harmless. Hypertables and continuous
// aggregates are created only when the timescaledb extension is installed;
// otherwise plain views with the same names and columns stand in, and the
// analytics hybrid path degrades to base-table scans transparently.
func SchemaStatements(schema string) []string {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.llm_events (
			timestamp TIMESTAMPTZ NOT NULL,
			team_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			call_sequence BIGINT NOT NULL,
			span_id TEXT,
			parent_span_id TEXT,
			request_id TEXT,
			provider TEXT,
			model TEXT NOT NULL,
			stream BOOLEAN NOT NULL DEFAULT FALSE,
			agent TEXT,
			agent_name TEXT,
			agent_stack TEXT[] NOT NULL DEFAULT '{}',
			user_id TEXT,
			latency_ms BIGINT,
			input_tokens BIGINT,
			output_tokens BIGINT,
			total_tokens BIGINT,
			cached_tokens BIGINT,
			reasoning_tokens BIGINT,
			accepted_prediction_tokens BIGINT,
			rejected_prediction_tokens BIGINT,
			cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			call_site JSONB NOT NULL DEFAULT '{}'::jsonb,
			has_content BOOLEAN NOT NULL DEFAULT FALSE,
			finish_reason TEXT,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (timestamp, trace_id, call_sequence)
		)`, schema),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_events_trace
			ON %s.llm_events (trace_id, call_sequence, timestamp DESC)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_events_ts
			ON %s.llm_events (timestamp DESC)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_events_model
			ON %s.llm_events (model, timestamp DESC)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_events_metadata
			ON %s.llm_events USING GIN (metadata)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.llm_event_content (
			timestamp TIMESTAMPTZ NOT NULL,
			trace_id TEXT NOT NULL,
			call_sequence BIGINT NOT NULL,
			team_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			byte_size BIGINT NOT NULL DEFAULT 0,
			message_count INTEGER,
			truncated_preview TEXT
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_event_content_trace
			ON %s.llm_event_content (trace_id, call_sequence)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_event_content_hash
			ON %s.llm_event_content (content_hash)`, schema),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.llm_content_store (
			content_hash TEXT NOT NULL,
			team_id TEXT NOT NULL,
			content TEXT NOT NULL,
			byte_size BIGINT NOT NULL DEFAULT 0,
			ref_count INTEGER NOT NULL DEFAULT 1,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (content_hash, team_id)
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_llm_content_store_last_seen
			ON %s.llm_content_store (last_seen_at)`, schema),

		fmt.Sprintf(`DO $$
		BEGIN
			IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
				PERFORM create_hypertable('%s.llm_events', 'timestamp',
					chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE);
			END IF;
		END $$`, schema),
	}

	statements = append(statements,
		aggregateStatement(schema, "llm_events_daily_ca", nil),
		aggregateStatement(schema, "llm_events_daily_by_model_ca", []dimension{
			{selectExpr: "model", groupExpr: "model"},
			{selectExpr: "COALESCE(provider, '') AS provider", groupExpr: "COALESCE(provider, '')"},
		}),
		aggregateStatement(schema, "llm_events_daily_by_agent_ca", []dimension{
			{selectExpr: EffectiveAgentExpr + " AS agent", groupExpr: EffectiveAgentExpr},
		}),
	)
	return statements
}

// dimension is one non-time grouping column of a daily rollup.
type dimension struct {
	selectExpr string
	groupExpr  string
}

// aggregateStatement renders one daily rollup as a continuous aggregate
// when timescaledb is present, or a plain view with identical columns when
// it is not. Continuous aggregates need their grouping expressions spelled
// out, so groupExpr repeats selectExpr without the alias.
func aggregateStatement(schema, name string, dims []dimension) string {
	selects := ""
	groups := make([]string, 0, len(dims))
	for _, d := range dims {
		selects += d.selectExpr + ",\n\t\t\t\t\t"
		groups = append(groups, d.groupExpr)
	}
	caGroup := strings.Join(append([]string{"time_bucket('1 day', timestamp)"}, groups...), ", ")
	vwGroup := strings.Join(append([]string{"date_trunc('day', timestamp)"}, groups...), ", ")

	aggregates := `count(*) AS requests,
					sum(cost_total) AS total_cost,
					sum(coalesce(input_tokens, 0)) AS input_tokens,
					sum(coalesce(output_tokens, 0)) AS output_tokens,
					sum(coalesce(cached_tokens, 0)) AS cached_tokens,
					sum(coalesce(total_tokens, 0)) AS total_tokens,
					sum(coalesce(latency_ms, 0)) AS latency_ms_sum,
					count(latency_ms) AS latency_count`

	return fmt.Sprintf(`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			EXECUTE $ca$
				CREATE MATERIALIZED VIEW IF NOT EXISTS %[1]s.%[2]s
				WITH (timescaledb.continuous) AS
				SELECT time_bucket('1 day', timestamp) AS bucket,
					%[3]s%[4]s
				FROM %[1]s.llm_events
				GROUP BY %[5]s
				WITH NO DATA
			$ca$;
			PERFORM add_continuous_aggregate_policy('%[1]s.%[2]s',
				start_offset => INTERVAL '30 days',
				end_offset => INTERVAL '1 hour',
				schedule_interval => INTERVAL '15 minutes',
				if_not_exists => TRUE);
		ELSE
			EXECUTE $vw$
				CREATE OR REPLACE VIEW %[1]s.%[2]s AS
				SELECT date_trunc('day', timestamp) AS bucket,
					%[3]s%[4]s
				FROM %[1]s.llm_events
				GROUP BY %[6]s
			$vw$;
		END IF;
	END $$`, schema, name, selects, aggregates, caGroup, vwGroup)
}
