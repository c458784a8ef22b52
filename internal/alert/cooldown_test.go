package alert

import (
	"testing"
	"time"
)

func TestCooldownTryAcquire(t *testing.T) {
	now := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	c := NewCooldowns(15*time.Minute, WithCooldownNow(func() time.Time { return now }))

	key := cooldownKey("b1", TypeThreshold, "80")
	if !c.TryAcquire(key) {
		t.Fatal("first acquire should succeed")
	}
	if c.TryAcquire(key) {
		t.Fatal("second acquire inside the cooldown should fail")
	}

	now = now.Add(14 * time.Minute)
	if c.TryAcquire(key) {
		t.Fatal("acquire at 14m should still be cooling down")
	}

	now = now.Add(2 * time.Minute)
	if !c.TryAcquire(key) {
		t.Fatal("acquire after the cooldown should succeed")
	}
}

func TestCooldownKeysAreIndependent(t *testing.T) {
	c := NewCooldowns(15 * time.Minute)

	if !c.TryAcquire(cooldownKey("b1", TypeThreshold, "80")) {
		t.Fatal("threshold 80 acquire failed")
	}
	if !c.TryAcquire(cooldownKey("b1", TypeThreshold, "95")) {
		t.Fatal("a different threshold must not be suppressed")
	}
	if !c.TryAcquire(cooldownKey("b1", TypeLimitAction, "kill")) {
		t.Fatal("a limit action must not be suppressed by thresholds")
	}
	if !c.TryAcquire(cooldownKey("b2", TypeThreshold, "80")) {
		t.Fatal("a different budget must not be suppressed")
	}
	if c.Len() != 4 {
		t.Fatalf("ledger has %d keys, want 4", c.Len())
	}
}

func TestCooldownPurge(t *testing.T) {
	now := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	c := NewCooldowns(15*time.Minute, WithCooldownNow(func() time.Time { return now }))

	c.TryAcquire("stale-1")
	c.TryAcquire("stale-2")
	now = now.Add(20 * time.Minute)
	c.TryAcquire("fresh")

	if removed := c.Purge(); removed != 2 {
		t.Fatalf("Purge removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("ledger has %d keys after purge, want 1", c.Len())
	}
	if c.TryAcquire("fresh") {
		t.Fatal("fresh key should still be cooling down after purge")
	}
}

func TestCooldownDefaultTTL(t *testing.T) {
	c := NewCooldowns(0)
	if c.ttl != DefaultCooldown {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultCooldown)
	}
}
