package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "docstore.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := PolicyDocument{
		TeamID:   "team-a",
		PolicyID: "default",
		Name:     "Default Policy",
		Version:  "a1b2c3d4",
		Budgets: []BudgetRule{{
			ID:          "b1",
			Name:        "monthly cap",
			Type:        "global",
			Limit:       500,
			LimitAction: "kill",
			Alerts:      []BudgetAlert{{Threshold: 80, Enabled: true}},
			Notifications: BudgetNotifications{
				InApp: true,
				Email: true, EmailRecipients: []string{"ops@example.com"},
			},
		}},
		Throttles: []map[string]any{{"id": "t1", "rpm": float64(60)}},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertPolicy(ctx, doc); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	got, err := s.GetPolicy(ctx, "team-a", "default")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Name != "Default Policy" || got.Version != "a1b2c3d4" {
		t.Errorf("got name=%q version=%q", got.Name, got.Version)
	}
	if len(got.Budgets) != 1 || got.Budgets[0].LimitAction != "kill" {
		t.Errorf("budgets did not round-trip: %+v", got.Budgets)
	}
	if got.Budgets[0].Alerts[0].Threshold != 80 {
		t.Errorf("alert threshold = %v, want 80", got.Budgets[0].Alerts[0].Threshold)
	}
	if len(got.Throttles) != 1 || got.Throttles[0]["id"] != "t1" {
		t.Errorf("throttles did not round-trip: %+v", got.Throttles)
	}

	// Upsert on the same key replaces the document.
	doc.Version = "e5f6a7b8"
	doc.Name = "Renamed"
	if err := s.UpsertPolicy(ctx, doc); err != nil {
		t.Fatalf("UpsertPolicy update: %v", err)
	}
	got, err = s.GetPolicy(ctx, "team-a", "default")
	if err != nil {
		t.Fatalf("GetPolicy after update: %v", err)
	}
	if got.Version != "e5f6a7b8" || got.Name != "Renamed" {
		t.Errorf("update not applied: name=%q version=%q", got.Name, got.Version)
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPolicy(context.Background(), "team-a", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeletePolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := PolicyDocument{TeamID: "team-a", PolicyID: "p1", Name: "P1", Version: "v1", UpdatedAt: time.Now()}
	if err := s.UpsertPolicy(ctx, doc); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if err := s.DeletePolicy(ctx, "team-a", "p1"); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if _, err := s.GetPolicy(ctx, "team-a", "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPolicy after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeletePolicy(ctx, "team-a", "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeletePolicy = %v, want ErrNotFound", err)
	}
}

func TestListPoliciesScopedToTeam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, doc := range []PolicyDocument{
		{TeamID: "team-a", PolicyID: "default", Version: "v1", UpdatedAt: time.Now()},
		{TeamID: "team-a", PolicyID: "staging", Version: "v1", UpdatedAt: time.Now().Add(time.Second)},
		{TeamID: "team-b", PolicyID: "default", Version: "v1", UpdatedAt: time.Now()},
	} {
		if err := s.UpsertPolicy(ctx, doc); err != nil {
			t.Fatalf("UpsertPolicy %s/%s: %v", doc.TeamID, doc.PolicyID, err)
		}
	}

	docs, err := s.ListPolicies(ctx, "team-a")
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	for _, d := range docs {
		if d.TeamID != "team-a" {
			t.Errorf("leaked policy from %s", d.TeamID)
		}
	}
	// Most recently updated first.
	if docs[0].PolicyID != "staging" {
		t.Errorf("first policy = %s, want staging", docs[0].PolicyID)
	}
}

func TestContentItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.PutContentItems(ctx, []ContentItem{
		{TeamID: "team-a", ContentID: "c1", ContentHash: "hash-1", Content: "hello", ByteSize: 5},
		{TeamID: "team-a", ContentID: "c2", ContentHash: "hash-2", Content: "world", ByteSize: 5},
	})
	if err != nil {
		t.Fatalf("PutContentItems: %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}

	item, err := s.GetContentItem(ctx, "team-a", "c1")
	if err != nil {
		t.Fatalf("GetContentItem: %v", err)
	}
	if item.Content != "hello" || item.ContentHash != "hash-1" {
		t.Errorf("item = %+v", item)
	}

	byHash, err := s.GetContentItemByHash(ctx, "team-a", "hash-2")
	if err != nil {
		t.Fatalf("GetContentItemByHash: %v", err)
	}
	if byHash.ContentID != "c2" {
		t.Errorf("byHash.ContentID = %s, want c2", byHash.ContentID)
	}

	// Re-put with the same id updates in place.
	if _, err := s.PutContentItems(ctx, []ContentItem{
		{TeamID: "team-a", ContentID: "c1", ContentHash: "hash-1b", Content: "hello2", ByteSize: 6},
	}); err != nil {
		t.Fatalf("PutContentItems update: %v", err)
	}
	item, err = s.GetContentItem(ctx, "team-a", "c1")
	if err != nil {
		t.Fatalf("GetContentItem after update: %v", err)
	}
	if item.Content != "hello2" || item.ContentHash != "hash-1b" {
		t.Errorf("update not applied: %+v", item)
	}

	if _, err := s.GetContentItem(ctx, "team-a", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetContentItemByHash(ctx, "team-b", "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-team hash lookup err = %v, want ErrNotFound", err)
	}

	if n, err := s.PutContentItems(ctx, nil); err != nil || n != 0 {
		t.Errorf("empty put = (%d, %v), want (0, nil)", n, err)
	}
}

func TestPricingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []PricingRecord{
		{Model: "claude-sonnet-4", Provider: "anthropic", InputPer1M: 3, OutputPer1M: 15, CachedInputPer1M: 0.3, Aliases: []string{"sonnet"}},
		{Model: "gpt-4o", Provider: "openai", InputPer1M: 2.5, OutputPer1M: 10},
	}
	for _, r := range recs {
		if err := s.UpsertPricing(ctx, r); err != nil {
			t.Fatalf("UpsertPricing %s: %v", r.Model, err)
		}
	}

	got, err := s.ListPricing(ctx)
	if err != nil {
		t.Fatalf("ListPricing: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Ordered by model name.
	if got[0].Model != "claude-sonnet-4" || got[1].Model != "gpt-4o" {
		t.Errorf("order = %s, %s", got[0].Model, got[1].Model)
	}
	if got[0].CachedInputPer1M != 0.3 || len(got[0].Aliases) != 1 {
		t.Errorf("record did not round-trip: %+v", got[0])
	}

	// Upsert replaces the existing record.
	if err := s.UpsertPricing(ctx, PricingRecord{Model: "gpt-4o", Provider: "openai", InputPer1M: 5, OutputPer1M: 20}); err != nil {
		t.Fatalf("UpsertPricing update: %v", err)
	}
	got, err = s.ListPricing(ctx)
	if err != nil {
		t.Fatalf("ListPricing after update: %v", err)
	}
	if len(got) != 2 || got[1].InputPer1M != 5 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "open.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("Open returned %T, want *SQLiteStore", s)
	}
}
