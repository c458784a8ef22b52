package agent

import (
	"sync"
	"time"
)

// rateSample is one ingest observation inside the rolling window.
type rateSample struct {
	at    time.Time
	count int
}

// rateWindow counts ingested events over a trailing window, bucketed per
// team. Samples older than the window are pruned on read and write.
type rateWindow struct {
	window  time.Duration
	nowFunc func() time.Time

	mu      sync.Mutex
	samples map[string][]rateSample
}

func newRateWindow(window time.Duration, nowFunc func() time.Time) *rateWindow {
	return &rateWindow{
		window:  window,
		nowFunc: nowFunc,
		samples: make(map[string][]rateSample),
	}
}

// Record adds n events to a team's window.
func (w *rateWindow) Record(teamID string, n int) {
	if teamID == "" || n <= 0 {
		return
	}
	now := w.nowFunc()
	w.mu.Lock()
	w.samples[teamID] = append(w.pruneLocked(teamID, now.Add(-w.window)), rateSample{at: now, count: n})
	w.mu.Unlock()
}

// Rate returns the event count inside the trailing window for a team.
func (w *rateWindow) Rate(teamID string) int {
	now := w.nowFunc()
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.pruneLocked(teamID, now.Add(-w.window))
	if len(kept) == 0 {
		delete(w.samples, teamID)
		return 0
	}
	w.samples[teamID] = kept
	total := 0
	for _, s := range kept {
		total += s.count
	}
	return total
}

// Sweep drops teams whose samples have all aged out.
func (w *rateWindow) Sweep() {
	cutoff := w.nowFunc().Add(-w.window)
	w.mu.Lock()
	defer w.mu.Unlock()
	for teamID := range w.samples {
		kept := w.pruneLocked(teamID, cutoff)
		if len(kept) == 0 {
			delete(w.samples, teamID)
		} else {
			w.samples[teamID] = kept
		}
	}
}

// pruneLocked returns the team's samples at or after cutoff. Caller must
// hold w.mu. Samples are appended in time order, so the scan stops at the
// first survivor.
func (w *rateWindow) pruneLocked(teamID string, cutoff time.Time) []rateSample {
	samples := w.samples[teamID]
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}
