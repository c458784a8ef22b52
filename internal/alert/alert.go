// Package alert turns budget threshold crossings into in-app, email and
// webhook notifications. The pipeline runs after ingested events have been
// written, so the enriched spend figures it reads already include them.
// Delivery is best effort: failures are logged and never surface to the
// request that triggered them.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/metrics"
	"github.com/hiveops/hive/internal/policy"
	"github.com/hiveops/hive/internal/store"
)

// Alert types. Threshold alerts fire when spend crosses a configured
// percentage; limit-action alerts fire when the limit itself is hit and a
// control action takes effect. They cool down independently.
const (
	TypeThreshold   = "threshold"
	TypeLimitAction = "limit_action"
)

// PolicyLister loads a team's enriched policy documents. policy.Store
// satisfies it.
type PolicyLister interface {
	List(ctx context.Context, teamID string, limit, offset int) ([]docstore.PolicyDocument, error)
}

// Emitter publishes in-app alerts. The fan-out hub implements it.
type Emitter interface {
	EmitAlert(teamID, policyID string, payload map[string]any)
}

// Alert is one notification about a budget.
type Alert struct {
	AlertType    string
	BudgetID     string
	BudgetName   string
	BudgetType   string
	Threshold    float64 // threshold alerts only
	Action       string  // limit_action alerts only
	SpentPercent float64
	Spent        float64
	Limit        float64
	Timestamp    time.Time
}

// payload is the wire shape shared by the in-app frame and the webhook
// body.
func (a Alert) payload() map[string]any {
	p := map[string]any{
		"type":          "budget-alert",
		"alert_type":    a.AlertType,
		"budget_id":     a.BudgetID,
		"budget_name":   a.BudgetName,
		"budget_type":   a.BudgetType,
		"spent_percent": a.SpentPercent,
		"spent":         a.Spent,
		"limit":         a.Limit,
		"timestamp":     a.Timestamp.UTC().Format(time.RFC3339),
	}
	if a.AlertType == TypeThreshold {
		p["threshold"] = a.Threshold
	} else {
		p["action"] = a.Action
	}
	return p
}

// Pipeline evaluates budgets against freshly ingested events and fans the
// resulting alerts out.
type Pipeline struct {
	policies  PolicyLister
	emitter   Emitter
	notifier  Notifier
	webhooks  *WebhookSender
	cooldowns *Cooldowns
	metrics   *metrics.Registry
	nowFunc   func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier replaces the email notifier.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithWebhookSender replaces the webhook sender.
func WithWebhookSender(w *WebhookSender) Option {
	return func(p *Pipeline) { p.webhooks = w }
}

// WithCooldowns replaces the cooldown ledger.
func WithCooldowns(c *Cooldowns) Option {
	return func(p *Pipeline) { p.cooldowns = c }
}

// WithMetrics attaches delivery counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) { p.nowFunc = now }
}

// NewPipeline builds a pipeline with a log-only notifier, an unsigned
// webhook sender and the default 15 minute cooldown.
func NewPipeline(policies PolicyLister, emitter Emitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		policies:  policies,
		emitter:   emitter,
		notifier:  LogNotifier{},
		webhooks:  NewWebhookSender(),
		cooldowns: NewCooldowns(DefaultCooldown),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cooldowns exposes the ledger for maintenance sweeps.
func (p *Pipeline) Cooldowns() *Cooldowns { return p.cooldowns }

// ProcessEvents checks every budget that covers at least one of the given
// events and fires the alerts whose thresholds the current spend crosses.
func (p *Pipeline) ProcessEvents(ctx context.Context, teamID string, events []store.Event) {
	if len(events) == 0 {
		return
	}
	docs, err := p.policies.List(ctx, teamID, 0, 0)
	if err != nil {
		slog.Warn("alert pipeline could not load policies", "team_id", teamID, "error", err)
		return
	}
	for _, doc := range docs {
		for _, b := range doc.Budgets {
			if b.Limit <= 0 || !matchesAny(b, events) {
				continue
			}
			spentPct := b.Spent / b.Limit * 100
			p.checkThresholds(ctx, doc, b, spentPct)
			p.checkLimitAction(ctx, doc, b, spentPct)
		}
	}
}

func (p *Pipeline) checkThresholds(ctx context.Context, doc docstore.PolicyDocument, b docstore.BudgetRule, spentPct float64) {
	for _, a := range b.Alerts {
		if !a.Enabled || spentPct < a.Threshold {
			continue
		}
		marker := strconv.FormatFloat(a.Threshold, 'f', -1, 64)
		if !p.cooldowns.TryAcquire(cooldownKey(b.ID, TypeThreshold, marker)) {
			continue
		}
		p.dispatch(ctx, doc, b, Alert{
			AlertType:    TypeThreshold,
			BudgetID:     b.ID,
			BudgetName:   b.Name,
			BudgetType:   b.Type,
			Threshold:    a.Threshold,
			SpentPercent: spentPct,
			Spent:        b.Spent,
			Limit:        b.Limit,
			Timestamp:    p.nowFunc(),
		})
	}
}

func (p *Pipeline) checkLimitAction(ctx context.Context, doc docstore.PolicyDocument, b docstore.BudgetRule, spentPct float64) {
	if spentPct < 100 {
		return
	}
	action := b.LimitAction
	if action == "" {
		action = "kill"
	}
	if !p.cooldowns.TryAcquire(cooldownKey(b.ID, TypeLimitAction, action)) {
		return
	}
	p.dispatch(ctx, doc, b, Alert{
		AlertType:    TypeLimitAction,
		BudgetID:     b.ID,
		BudgetName:   b.Name,
		BudgetType:   b.Type,
		Action:       action,
		SpentPercent: spentPct,
		Spent:        b.Spent,
		Limit:        b.Limit,
		Timestamp:    p.nowFunc(),
	})
}

func (p *Pipeline) dispatch(ctx context.Context, doc docstore.PolicyDocument, b docstore.BudgetRule, a Alert) {
	payload := a.payload()

	p.emitter.EmitAlert(doc.TeamID, doc.PolicyID, payload)
	p.count("in_app")

	n := b.Notifications
	if n.Email && len(n.EmailRecipients) > 0 && p.notifier != nil {
		if err := p.notifier.Notify(ctx, n.EmailRecipients, emailSubject(a), emailBody(a)); err != nil {
			slog.Warn("alert email failed",
				"team_id", doc.TeamID,
				"budget_id", b.ID,
				"error", err)
		} else {
			p.count("email")
		}
	}
	if n.Webhook && n.WebhookURL != "" && p.webhooks != nil {
		if err := p.webhooks.Send(ctx, n.WebhookURL, payload); err != nil {
			slog.Warn("alert webhook failed",
				"team_id", doc.TeamID,
				"budget_id", b.ID,
				"url", n.WebhookURL,
				"error", err)
			if p.metrics != nil {
				p.metrics.WebhookFailures.Inc()
			}
		} else {
			p.count("webhook")
		}
	}
}

func (p *Pipeline) count(channel string) {
	if p.metrics != nil {
		p.metrics.AlertsFired.WithLabelValues(channel).Inc()
	}
}

func matchesAny(b docstore.BudgetRule, events []store.Event) bool {
	for _, ev := range events {
		if policy.MatchEvent(b, ev) {
			return true
		}
	}
	return false
}

func emailSubject(a Alert) string {
	if a.AlertType == TypeLimitAction {
		return fmt.Sprintf("Hive: budget %q limit reached, action %s", a.BudgetName, a.Action)
	}
	return fmt.Sprintf("Hive: budget %q crossed the %v%% threshold", a.BudgetName, a.Threshold)
}

func emailBody(a Alert) string {
	return fmt.Sprintf(
		"Budget:   %s (%s)\nSpend:    $%.2f of $%.2f (%.1f%%)\nFired at: %s\n",
		a.BudgetName, a.BudgetType,
		a.Spent, a.Limit, a.SpentPercent,
		a.Timestamp.UTC().Format(time.RFC3339),
	)
}
