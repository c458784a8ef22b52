package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProbeAllCachesResults(t *testing.T) {
	calls := 0
	checker := NewChecker(DefaultCheckerConfig(), []Check{
		{Name: "docstore", Probe: func(context.Context) error { return nil }},
		{Name: "timeseries", Probe: func(context.Context) error {
			calls++
			return errors.New("connection refused")
		}},
	}, nil)

	if !checker.Healthy() {
		t.Fatal("checker with no results yet should report healthy")
	}

	checker.ProbeAll()
	if checker.Healthy() {
		t.Fatal("failing backend should flip Healthy to false")
	}
	snapshot := checker.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d entries, want 2", len(snapshot))
	}
	if snapshot[0].Name != "docstore" || !snapshot[0].Healthy {
		t.Fatalf("docstore status = %+v", snapshot[0])
	}
	if snapshot[1].Name != "timeseries" || snapshot[1].Healthy || snapshot[1].Error == "" {
		t.Fatalf("timeseries status = %+v", snapshot[1])
	}
	if calls != 1 {
		t.Fatalf("probe ran %d times, want 1", calls)
	}
}

func TestProbeTimeout(t *testing.T) {
	cfg := CheckerConfig{Interval: time.Minute, ProbeTimeout: 20 * time.Millisecond}
	checker := NewChecker(cfg, []Check{
		{Name: "slow", Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, nil)

	checker.ProbeAll()
	snapshot := checker.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Healthy {
		t.Fatalf("slow backend should time out unhealthy, got %+v", snapshot)
	}
}

func TestStartStop(t *testing.T) {
	probed := make(chan struct{}, 1)
	checker := NewChecker(CheckerConfig{Interval: time.Hour}, []Check{
		{Name: "docstore", Probe: func(context.Context) error {
			select {
			case probed <- struct{}{}:
			default:
			}
			return nil
		}},
	}, nil)

	checker.Start()
	select {
	case <-probed:
	case <-time.After(5 * time.Second):
		t.Fatal("Start should probe immediately")
	}
	checker.Stop()
}
