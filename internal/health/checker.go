// Package health runs periodic probes against hive's backing services
// and caches the results for the liveness endpoint.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Check probes one backend. The document store, the tenant router and
// the redis client all adapt to it through their Ping methods.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Status is the cached result of one backend probe.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	LatencyMs float64   `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckerConfig configures probe cadence and per-probe timeout.
type CheckerConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultCheckerConfig returns sensible defaults.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Checker periodically probes registered backends and caches the results
// so the liveness endpoint never blocks on a slow dependency.
type Checker struct {
	cfg    CheckerConfig
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}

	mu      sync.RWMutex
	checks  []Check
	results map[string]Status
}

// NewChecker creates a checker over the given backends.
func NewChecker(cfg CheckerConfig, checks []Check, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckerConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultCheckerConfig().ProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:     cfg,
		logger:  logger,
		checks:  checks,
		results: make(map[string]Status),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddCheck registers another backend. Safe while the checker is running.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// Start begins the periodic probe loop in a goroutine.
func (c *Checker) Start() {
	go c.run()
}

// Stop signals the checker to stop and waits for it to finish.
func (c *Checker) Stop() {
	close(c.stop)
	<-c.done
}

// Healthy reports whether every probed backend passed its last check.
// Before the first probe completes there is nothing to report against.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.results {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns the cached probe results ordered by backend name.
func (c *Checker) Snapshot() []Status {
	c.mu.RLock()
	out := make([]Status, 0, len(c.results))
	for _, s := range c.results {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProbeAll runs every check once, in parallel, and caches the results.
func (c *Checker) ProbeAll() {
	c.mu.RLock()
	snapshot := make([]Check, len(c.checks))
	copy(snapshot, c.checks)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range snapshot {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()
			c.probe(check)
		}(check)
	}
	wg.Wait()
}

func (c *Checker) run() {
	defer close(c.done)

	// Probe immediately on start.
	c.ProbeAll()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.ProbeAll()
		case <-c.stop:
			return
		}
	}
}

func (c *Checker) probe(check Check) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := check.Probe(ctx)
	latencyMs := float64(time.Since(start).Milliseconds())

	status := Status{
		Name:      check.Name,
		Healthy:   err == nil,
		LatencyMs: latencyMs,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		c.logger.Warn("health probe failed",
			slog.String("backend", check.Name),
			slog.String("error", err.Error()),
		)
	} else {
		c.logger.Debug("health probe ok",
			slog.String("backend", check.Name),
			slog.Float64("latency_ms", latencyMs),
		)
	}

	c.mu.Lock()
	c.results[check.Name] = status
	c.mu.Unlock()
}
