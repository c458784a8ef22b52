package ingest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hiveops/hive/internal/metrics"
	"github.com/hiveops/hive/internal/store"
)

// Flush reasons carried in envelope meta.
const (
	FlushTimer      = "timer"
	FlushBufferFull = "buffer_full"
	FlushManual     = "manual"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultMaxBuffer     = 500
	defaultMaxPerFlush   = 100
	idleSweepInterval    = 5 * time.Minute
	idleEvictAfter       = 5 * time.Minute
)

// Emitter receives flushed envelopes. The fan-out hub implements it;
// delivery is fire-and-forget.
type Emitter interface {
	EmitEventBatch(teamID string, envelope BatchEnvelope)
}

// EventSummary is the light per-event payload dashboards stream.
type EventSummary struct {
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    *int64    `json:"latency_ms,omitempty"`
}

// BatchEnvelope is one flush emitted to room team:{id}:llm-events.
type BatchEnvelope struct {
	Type   string         `json:"type"`
	TeamID string         `json:"team_id"`
	Events []EventSummary `json:"events"`
	Meta   BatchMeta      `json:"meta"`
}

type BatchMeta struct {
	BatchSize    int       `json:"batchSize"`
	DroppedCount int       `json:"droppedCount"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
	FlushReason  string    `json:"flushReason"`
}

// Stats exposes the batcher's running totals. At any quiescent point
// Added == Emitted + Buffered + Dropped.
type Stats struct {
	Added    int64 `json:"added"`
	Emitted  int64 `json:"emitted"`
	Dropped  int64 `json:"dropped"`
	Buffered int64 `json:"buffered"`
}

type teamBuffer struct {
	summaries    []EventSummary
	dropped      int
	timer        *time.Timer
	timerPending bool
	immediate    bool
	emptySince   time.Time
}

// Batcher buffers event summaries per team and flushes them to the emitter
// on a timer, on overflow, and on shutdown. Overflow drops the oldest
// summaries; the drop count rides along in the next envelope. The batcher
// offers no durability: the tiered store is the system of record.
type Batcher struct {
	emitter       Emitter
	flushInterval time.Duration
	maxBuffer     int
	maxPerFlush   int
	metrics       *metrics.Registry

	mu      sync.Mutex
	teams   map[string]*teamBuffer
	added   int64
	emitted int64
	dropped int64
	closed  bool

	done chan struct{}
}

type BatcherOption func(*Batcher)

func WithFlushInterval(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

func WithMaxBuffer(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBuffer = n
		}
	}
}

func WithMaxPerFlush(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxPerFlush = n
		}
	}
}

func WithMetrics(m *metrics.Registry) BatcherOption {
	return func(b *Batcher) { b.metrics = m }
}

func NewBatcher(emitter Emitter, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		emitter:       emitter,
		flushInterval: defaultFlushInterval,
		maxBuffer:     defaultMaxBuffer,
		maxPerFlush:   defaultMaxPerFlush,
		teams:         make(map[string]*teamBuffer),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweepIdle()
	return b
}

// Add appends summaries for teamID. When the buffer is full the oldest
// summaries are dropped first; if the call leaves the buffer at capacity an
// immediate flush is scheduled, otherwise the interval timer covers it.
func (b *Batcher) Add(teamID string, events []store.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	tb, ok := b.teams[teamID]
	if !ok {
		tb = &teamBuffer{}
		b.teams[teamID] = tb
	}

	for i := range events {
		tb.summaries = append(tb.summaries, summarize(events[i]))
		b.added++
		if len(tb.summaries) > b.maxBuffer {
			tb.summaries = tb.summaries[1:]
			tb.dropped++
			b.dropped++
			if b.metrics != nil {
				b.metrics.BatcherDropped.Inc()
			}
		}
	}
	tb.emptySince = time.Time{}

	if len(tb.summaries) >= b.maxBuffer {
		b.scheduleLocked(teamID, tb, 0, FlushBufferFull)
	} else {
		b.scheduleLocked(teamID, tb, b.flushInterval, FlushTimer)
	}
}

// scheduleLocked arms a flush for teamID. A zero delay preempts any pending
// interval timer; at most one immediate flush is in flight per team.
func (b *Batcher) scheduleLocked(teamID string, tb *teamBuffer, delay time.Duration, reason string) {
	if b.closed {
		return
	}
	if delay == 0 {
		if tb.immediate {
			return
		}
		if tb.timerPending && tb.timer != nil {
			tb.timer.Stop()
		}
		tb.immediate = true
		tb.timerPending = true
		tb.timer = time.AfterFunc(0, func() { b.flushTeam(teamID, reason) })
		return
	}
	if tb.timerPending {
		return
	}
	tb.timerPending = true
	tb.timer = time.AfterFunc(delay, func() { b.flushTeam(teamID, reason) })
}

// Flush drains up to maxPerFlush summaries for teamID right away.
func (b *Batcher) Flush(teamID string) {
	b.flushTeam(teamID, FlushManual)
}

func (b *Batcher) flushTeam(teamID, reason string) {
	b.mu.Lock()
	tb, ok := b.teams[teamID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	env := b.drainLocked(teamID, tb, reason)
	b.mu.Unlock()

	if env != nil {
		b.emit(teamID, *env)
	}
}

// drainLocked cuts one envelope off the front of the buffer and hands the
// accumulated drop count to it. Remaining summaries re-arm the timer.
func (b *Batcher) drainLocked(teamID string, tb *teamBuffer, reason string) *BatchEnvelope {
	tb.timerPending = false
	tb.immediate = false

	if len(tb.summaries) == 0 {
		if tb.emptySince.IsZero() {
			tb.emptySince = time.Now()
		}
		return nil
	}

	count := len(tb.summaries)
	if count > b.maxPerFlush {
		count = b.maxPerFlush
	}
	events := make([]EventSummary, count)
	copy(events, tb.summaries[:count])
	tb.summaries = tb.summaries[count:]
	b.emitted += int64(count)

	droppedCount := tb.dropped
	tb.dropped = 0

	if len(tb.summaries) > 0 {
		b.scheduleLocked(teamID, tb, b.flushInterval, FlushTimer)
	} else {
		tb.emptySince = time.Now()
	}

	windowStart, windowEnd := events[0].Timestamp, events[0].Timestamp
	for _, s := range events[1:] {
		if s.Timestamp.Before(windowStart) {
			windowStart = s.Timestamp
		}
		if s.Timestamp.After(windowEnd) {
			windowEnd = s.Timestamp
		}
	}

	return &BatchEnvelope{
		Type:   "llm-events-batch",
		TeamID: teamID,
		Events: events,
		Meta: BatchMeta{
			BatchSize:    count,
			DroppedCount: droppedCount,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			FlushReason:  reason,
		},
	}
}

func (b *Batcher) emit(teamID string, env BatchEnvelope) {
	if b.metrics != nil {
		b.metrics.BatcherFlushes.WithLabelValues(env.Meta.FlushReason).Inc()
	}
	slog.Debug("batch flushed",
		"team_id", teamID,
		"batch_size", env.Meta.BatchSize,
		"dropped", env.Meta.DroppedCount,
		"reason", env.Meta.FlushReason)
	b.emitter.EmitEventBatch(teamID, env)
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{Added: b.added, Emitted: b.emitted, Dropped: b.dropped}
	for _, tb := range b.teams {
		s.Buffered += int64(len(tb.summaries))
	}
	return s
}

// Close stops the timers and the idle sweeper, then drains every buffer to
// the emitter.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)

	var pending []BatchEnvelope
	for teamID, tb := range b.teams {
		if tb.timer != nil {
			tb.timer.Stop()
		}
		for {
			env := b.drainLocked(teamID, tb, FlushManual)
			if env == nil {
				break
			}
			pending = append(pending, *env)
		}
	}
	b.mu.Unlock()

	for _, env := range pending {
		b.emit(env.TeamID, env)
	}
}

// sweepIdle evicts buffers that have sat empty past the idle horizon.
func (b *Batcher) sweepIdle() {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for teamID, tb := range b.teams {
				if len(tb.summaries) == 0 && !tb.emptySince.IsZero() && now.Sub(tb.emptySince) > idleEvictAfter {
					if tb.timer != nil {
						tb.timer.Stop()
					}
					delete(b.teams, teamID)
				}
			}
			b.mu.Unlock()
		}
	}
}

func summarize(ev store.Event) EventSummary {
	agent := ev.Agent
	if len(ev.AgentStack) > 0 {
		agent = ev.AgentStack[0]
	}
	return EventSummary{
		Timestamp:    ev.Timestamp,
		TraceID:      ev.TraceID,
		Model:        ev.Model,
		Provider:     ev.Provider,
		Agent:        agent,
		InputTokens:  orZero(ev.Usage.Input),
		OutputTokens: orZero(ev.Usage.Output),
		Cost:         ev.CostTotal,
		LatencyMs:    ev.LatencyMs,
	}
}
