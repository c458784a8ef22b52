// Package policy manages per-team governance documents and evaluates
// spend budgets against request contexts. A policy document groups budget
// rules with opaque throttle, block, degradation and alert rules; reads
// return budgets enriched with month-to-date spend analytics.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveops/hive/internal/analytics"
	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/pricing"
)

// DefaultPolicyID names the policy every team implicitly owns. Reads of
// an empty or "default" policy id resolve here and materialize the
// document on first access.
const DefaultPolicyID = "default"

var (
	// ErrDefaultUndeletable rejects attempts to delete the default policy.
	ErrDefaultUndeletable = errors.New("policy: the default policy cannot be deleted")

	// ErrInvalidRule wraps every rule validation failure so handlers can
	// map the whole family to a 400.
	ErrInvalidRule = errors.New("policy: invalid rule")
)

var budgetTypes = map[string]bool{
	TypeGlobal:   true,
	TypeAgent:    true,
	TypeTenant:   true,
	TypeCustomer: true,
	TypeFeature:  true,
	TypeTag:      true,
}

var limitActions = map[string]bool{
	"kill":     true,
	"throttle": true,
	"degrade":  true,
}

// ruleKinds are the opaque rule arrays a policy document carries beside
// its typed budgets.
var ruleKinds = map[string]bool{
	"throttles":    true,
	"blocks":       true,
	"degradations": true,
	"alerts":       true,
}

// SpendReader answers month-to-date spend for budget enrichment.
// analytics.Engine satisfies it.
type SpendReader interface {
	MonthToDateSpend(ctx context.Context, teamID string, f analytics.Filter) (float64, error)
}

// Store resolves, scaffolds and mutates policy documents on top of the
// document store. Every mutation rotates the document version so SDK
// caches can detect staleness with a string compare.
type Store struct {
	docs    docstore.Store
	spend   SpendReader
	prices  *pricing.Engine
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore builds a policy store over the given document store. spend may
// be nil, in which case budgets are returned without enrichment.
func NewStore(docs docstore.Store, spend SpendReader, prices *pricing.Engine, opts ...Option) *Store {
	s := &Store{
		docs:    docs,
		spend:   spend,
		prices:  prices,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update carries the mutable fields of a policy document. Nil pointers
// leave the stored value untouched.
type Update struct {
	Name         *string                `json:"name"`
	Budgets      *[]docstore.BudgetRule `json:"budgets"`
	Throttles    *[]map[string]any      `json:"throttles"`
	Blocks       *[]map[string]any      `json:"blocks"`
	Degradations *[]map[string]any      `json:"degradations"`
	Alerts       *[]map[string]any      `json:"alerts"`
	UpdatedBy    string                 `json:"-"`
}

// Get returns a policy document, creating it on first access. The default
// policy materializes as "Default Policy"; an explicitly named id that
// does not exist yet materializes as "New Policy".
func (s *Store) Get(ctx context.Context, teamID, policyID string) (*docstore.PolicyDocument, error) {
	id := resolveID(policyID)
	doc, err := s.docs.GetPolicy(ctx, teamID, id)
	if errors.Is(err, docstore.ErrNotFound) {
		doc = s.scaffold(teamID, id)
		if err := s.docs.UpsertPolicy(ctx, *doc); err != nil {
			return nil, fmt.Errorf("materialize policy %s/%s: %w", teamID, id, err)
		}
	} else if err != nil {
		return nil, err
	}
	s.enrich(ctx, doc)
	return doc, nil
}

// List returns the team's policies ordered as the document store returns
// them, windowed by limit and offset. limit <= 0 means no cap.
func (s *Store) List(ctx context.Context, teamID string, limit, offset int) ([]docstore.PolicyDocument, error) {
	docs, err := s.docs.ListPolicies(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(docs) {
		return []docstore.PolicyDocument{}, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	for i := range docs {
		s.enrich(ctx, &docs[i])
	}
	return docs, nil
}

// Set applies the provided fields, scaffolding the document if it does
// not exist. Budgets are validated before anything is written. The stored
// created_at survives; version and updated_at always rotate.
func (s *Store) Set(ctx context.Context, teamID, policyID string, up Update) (*docstore.PolicyDocument, error) {
	if up.Budgets != nil {
		budgets := *up.Budgets
		for i := range budgets {
			if err := s.prepareBudget(ctx, &budgets[i]); err != nil {
				return nil, err
			}
		}
	}
	doc, err := s.load(ctx, teamID, resolveID(policyID))
	if err != nil {
		return nil, err
	}
	if up.Name != nil && strings.TrimSpace(*up.Name) != "" {
		doc.Name = strings.TrimSpace(*up.Name)
	}
	if up.Budgets != nil {
		doc.Budgets = *up.Budgets
	}
	if up.Throttles != nil {
		doc.Throttles = *up.Throttles
	}
	if up.Blocks != nil {
		doc.Blocks = *up.Blocks
	}
	if up.Degradations != nil {
		doc.Degradations = *up.Degradations
	}
	if up.Alerts != nil {
		doc.Alerts = *up.Alerts
	}
	if up.UpdatedBy != "" {
		doc.UpdatedBy = up.UpdatedBy
	}
	return s.save(ctx, doc)
}

// Clear empties every rule array while keeping the document itself.
func (s *Store) Clear(ctx context.Context, teamID, policyID string) (*docstore.PolicyDocument, error) {
	doc, err := s.load(ctx, teamID, resolveID(policyID))
	if err != nil {
		return nil, err
	}
	doc.Budgets = []docstore.BudgetRule{}
	doc.Throttles = []map[string]any{}
	doc.Blocks = []map[string]any{}
	doc.Degradations = []map[string]any{}
	doc.Alerts = []map[string]any{}
	return s.save(ctx, doc)
}

// Delete removes a policy. The default policy is not deletable.
func (s *Store) Delete(ctx context.Context, teamID, policyID string) error {
	id := resolveID(policyID)
	if id == DefaultPolicyID {
		return ErrDefaultUndeletable
	}
	return s.docs.DeletePolicy(ctx, teamID, id)
}

// AppendBudget validates and appends one budget rule, assigning an id if
// the caller did not provide one.
func (s *Store) AppendBudget(ctx context.Context, teamID, policyID string, rule docstore.BudgetRule) (*docstore.PolicyDocument, error) {
	if err := s.prepareBudget(ctx, &rule); err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, teamID, resolveID(policyID))
	if err != nil {
		return nil, err
	}
	doc.Budgets = append(doc.Budgets, rule)
	return s.save(ctx, doc)
}

// AppendRule appends one rule of the given kind. Budgets go through the
// typed validation path; the other kinds are stored as-is with a
// generated id when missing.
func (s *Store) AppendRule(ctx context.Context, kind, teamID, policyID string, rule map[string]any) (*docstore.PolicyDocument, error) {
	if kind == "budgets" {
		var b docstore.BudgetRule
		raw, err := json.Marshal(rule)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: malformed budget rule: %v", ErrInvalidRule, err)
		}
		return s.AppendBudget(ctx, teamID, policyID, b)
	}
	if !ruleKinds[kind] {
		return nil, fmt.Errorf("%w: unknown rule kind %q", ErrInvalidRule, kind)
	}
	if len(rule) == 0 {
		return nil, fmt.Errorf("%w: empty %s rule", ErrInvalidRule, strings.TrimSuffix(kind, "s"))
	}
	if id, _ := rule["id"].(string); id == "" {
		rule["id"] = uuid.NewString()
	}
	doc, err := s.load(ctx, teamID, resolveID(policyID))
	if err != nil {
		return nil, err
	}
	switch kind {
	case "throttles":
		doc.Throttles = append(doc.Throttles, rule)
	case "blocks":
		doc.Blocks = append(doc.Blocks, rule)
	case "degradations":
		doc.Degradations = append(doc.Degradations, rule)
	case "alerts":
		doc.Alerts = append(doc.Alerts, rule)
	}
	return s.save(ctx, doc)
}

// load fetches the stored document or returns a fresh scaffold without
// persisting it. The caller's save persists either way.
func (s *Store) load(ctx context.Context, teamID, id string) (*docstore.PolicyDocument, error) {
	doc, err := s.docs.GetPolicy(ctx, teamID, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	return s.scaffold(teamID, id), nil
}

func (s *Store) save(ctx context.Context, doc *docstore.PolicyDocument) (*docstore.PolicyDocument, error) {
	doc.Version = newVersion()
	doc.UpdatedAt = s.nowFunc().UTC()
	if err := s.docs.UpsertPolicy(ctx, *doc); err != nil {
		return nil, err
	}
	s.enrich(ctx, doc)
	return doc, nil
}

func (s *Store) scaffold(teamID, id string) *docstore.PolicyDocument {
	now := s.nowFunc().UTC()
	name := "New Policy"
	if id == DefaultPolicyID {
		name = "Default Policy"
	}
	return &docstore.PolicyDocument{
		TeamID:       teamID,
		PolicyID:     id,
		Name:         name,
		Version:      newVersion(),
		Budgets:      []docstore.BudgetRule{},
		Throttles:    []map[string]any{},
		Blocks:       []map[string]any{},
		Degradations: []map[string]any{},
		Alerts:       []map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// prepareBudget fills defaults and enforces the budget invariants: a
// positive limit, a known type and action, a name on scoped types, tags
// on tag budgets, a catalogue-consistent degrade target and alert
// thresholds within 0 to 100.
func (s *Store) prepareBudget(ctx context.Context, b *docstore.BudgetRule) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	// Spent is derived on read, never stored.
	b.Spent = 0
	if b.Type == "" {
		b.Type = TypeGlobal
	}
	if !budgetTypes[b.Type] {
		return fmt.Errorf("%w: unknown budget type %q", ErrInvalidRule, b.Type)
	}
	if b.Name == "" {
		if b.Type != TypeGlobal && b.Type != TypeTag {
			return fmt.Errorf("%w: %s budgets need a name to match on", ErrInvalidRule, b.Type)
		}
		b.Name = b.ID
	}
	if b.Limit <= 0 {
		return fmt.Errorf("%w: budget %q needs a positive limit", ErrInvalidRule, b.Name)
	}
	if b.LimitAction == "" {
		b.LimitAction = "kill"
	}
	if !limitActions[b.LimitAction] {
		return fmt.Errorf("%w: unknown limit action %q", ErrInvalidRule, b.LimitAction)
	}
	if b.LimitAction == "degrade" {
		if b.DegradeToModel == "" || b.DegradeToProvider == "" {
			return fmt.Errorf("%w: degrade budget %q needs degradeToModel and degradeToProvider", ErrInvalidRule, b.Name)
		}
		if s.prices != nil {
			provider, ok := s.prices.ProviderOf(ctx, b.DegradeToModel)
			if !ok {
				return fmt.Errorf("%w: degrade target %q is not in the pricing catalogue", ErrInvalidRule, b.DegradeToModel)
			}
			if !strings.EqualFold(provider, b.DegradeToProvider) {
				return fmt.Errorf("%w: degrade target %q belongs to provider %q, not %q", ErrInvalidRule, b.DegradeToModel, provider, b.DegradeToProvider)
			}
		}
	}
	if b.Type == TypeTag && len(b.Tags) == 0 {
		return fmt.Errorf("%w: tag budget %q needs at least one tag", ErrInvalidRule, b.Name)
	}
	for _, a := range b.Alerts {
		if a.Threshold < 0 || a.Threshold > 100 {
			return fmt.Errorf("%w: alert threshold %.1f on budget %q is outside 0-100", ErrInvalidRule, a.Threshold, b.Name)
		}
	}
	return nil
}

func resolveID(policyID string) string {
	id := strings.TrimSpace(policyID)
	if id == "" || id == "null" {
		return DefaultPolicyID
	}
	return id
}

// newVersion returns a short opaque token. SDKs compare versions with a
// plain string equality check, so only uniqueness matters.
func newVersion() string {
	return uuid.NewString()[:8]
}
