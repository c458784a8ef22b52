package policy

import (
	"fmt"
	"strings"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/store"
)

// Budget scope types. The type decides which context field a budget
// matches on.
const (
	TypeGlobal   = "global"
	TypeAgent    = "agent"
	TypeTenant   = "tenant"
	TypeCustomer = "customer"
	TypeFeature  = "feature"
	TypeTag      = "tag"
)

// Decision actions, ordered least to most restrictive. When several
// budgets fire, the most restrictive action wins.
const (
	ActionAllow    = "allow"
	ActionThrottle = "throttle"
	ActionDegrade  = "degrade"
	ActionBlock    = "block"
)

var actionPriority = map[string]int{
	ActionAllow:    0,
	ActionThrottle: 1,
	ActionDegrade:  2,
	ActionBlock:    3,
}

// Context carries the identity fields a budget can match on. A non-empty
// metadata["agent"] overrides the agent field, mirroring how ingestion
// attributes events.
type Context struct {
	Agent      string         `json:"agent,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Feature    string         `json:"feature,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (c Context) effectiveAgent() string {
	if v, ok := c.Metadata["agent"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return c.Agent
}

// Decision is the outcome of validating estimated spend against a set of
// budgets. The restricting budget is the one whose action won.
type Decision struct {
	Allowed               bool          `json:"allowed"`
	Action                string        `json:"action"`
	Reason                string        `json:"reason,omitempty"`
	AuthoritativeSpend    float64       `json:"authoritative_spend"`
	BudgetLimit           float64       `json:"budget_limit"`
	UsagePercent          float64       `json:"usage_percent"`
	ProjectedPercent      float64       `json:"projected_percent"`
	DegradeToModel        string        `json:"degrade_to_model,omitempty"`
	DegradeToProvider     string        `json:"degrade_to_provider,omitempty"`
	RestrictingBudgetID   string        `json:"restricting_budget_id,omitempty"`
	RestrictingBudgetName string        `json:"restricting_budget_name,omitempty"`
	BudgetsChecked        []BudgetCheck `json:"budgets_checked"`
}

// BudgetCheck records the outcome for one budget.
type BudgetCheck struct {
	BudgetID           string  `json:"budget_id"`
	BudgetName         string  `json:"budget_name"`
	BudgetType         string  `json:"budget_type"`
	Action             string  `json:"action"`
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason,omitempty"`
	AuthoritativeSpend float64 `json:"authoritative_spend"`
	BudgetLimit        float64 `json:"budget_limit"`
	UsagePercent       float64 `json:"usage_percent"`
	ProjectedPercent   float64 `json:"projected_percent"`
	DegradeToModel     string  `json:"degrade_to_model,omitempty"`
	DegradeToProvider  string  `json:"degrade_to_provider,omitempty"`
}

// MatchByContext filters budgets to those whose scope covers the context.
// Global budgets always match; scoped budgets match their named field and
// tag budgets match on any tag overlap.
func MatchByContext(budgets []docstore.BudgetRule, ctx Context) []docstore.BudgetRule {
	var matched []docstore.BudgetRule
	for _, b := range budgets {
		if budgetMatches(b, ctx) {
			matched = append(matched, b)
		}
	}
	return matched
}

// MatchEvent reports whether a stored event falls inside a budget's
// scope. Alerting uses it to attribute flushed events to budgets.
func MatchEvent(b docstore.BudgetRule, ev store.Event) bool {
	return budgetMatches(b, eventContext(ev))
}

func budgetMatches(b docstore.BudgetRule, ctx Context) bool {
	switch b.Type {
	case TypeGlobal, "":
		return true
	case TypeAgent:
		return b.Name != "" && ctx.effectiveAgent() == b.Name
	case TypeTenant:
		return b.Name != "" && ctx.TenantID == b.Name
	case TypeCustomer:
		return b.Name != "" && ctx.CustomerID == b.Name
	case TypeFeature:
		return b.Name != "" && ctx.Feature == b.Name
	case TypeTag:
		return anyOverlap(b.Tags, ctx.Tags)
	}
	return false
}

func eventContext(ev store.Event) Context {
	ctx := Context{Agent: ev.Agent, Metadata: ev.Metadata}
	if v, ok := ev.Metadata["tenant_id"].(string); ok {
		ctx.TenantID = v
	}
	if v, ok := ev.Metadata["customer_id"].(string); ok {
		ctx.CustomerID = v
	}
	if v, ok := ev.Metadata["feature"].(string); ok {
		ctx.Feature = v
	}
	ctx.Tags = stringSlice(ev.Metadata["tags"])
	return ctx
}

// Validate checks the estimated cost of a pending request against each
// budget and combines the outcomes. The authoritative spend for a budget
// is the larger of its server-side spend and the SDK's local figure.
func Validate(budgets []docstore.BudgetRule, estimatedCost float64, localSpend *float64) Decision {
	if len(budgets) == 0 {
		return Decision{
			Allowed:        true,
			Action:         ActionAllow,
			Reason:         "No budgets to validate",
			BudgetsChecked: []BudgetCheck{},
		}
	}
	checks := make([]BudgetCheck, 0, len(budgets))
	for _, b := range budgets {
		checks = append(checks, checkBudget(b, estimatedCost, localSpend))
	}
	winner := checks[0]
	for _, c := range checks[1:] {
		if actionPriority[c.Action] > actionPriority[winner.Action] {
			winner = c
			continue
		}
		if actionPriority[c.Action] == actionPriority[winner.Action] && c.ProjectedPercent > winner.ProjectedPercent {
			winner = c
		}
	}
	return Decision{
		Allowed:               winner.Allowed,
		Action:                winner.Action,
		Reason:                winner.Reason,
		AuthoritativeSpend:    winner.AuthoritativeSpend,
		BudgetLimit:           winner.BudgetLimit,
		UsagePercent:          winner.UsagePercent,
		ProjectedPercent:      winner.ProjectedPercent,
		DegradeToModel:        winner.DegradeToModel,
		DegradeToProvider:     winner.DegradeToProvider,
		RestrictingBudgetID:   winner.BudgetID,
		RestrictingBudgetName: winner.BudgetName,
		BudgetsChecked:        checks,
	}
}

// ValidateContext narrows the budgets to those matching the context
// before validating. A context that matches nothing is allowed.
func ValidateContext(budgets []docstore.BudgetRule, ctx Context, estimatedCost float64, localSpend *float64) Decision {
	if len(budgets) == 0 {
		return Validate(nil, estimatedCost, localSpend)
	}
	matched := MatchByContext(budgets, ctx)
	if len(matched) == 0 {
		return Decision{
			Allowed:        true,
			Action:         ActionAllow,
			Reason:         "No budgets match the provided context",
			BudgetsChecked: []BudgetCheck{},
		}
	}
	return Validate(matched, estimatedCost, localSpend)
}

func checkBudget(b docstore.BudgetRule, estimatedCost float64, localSpend *float64) BudgetCheck {
	authoritative := b.Spent
	if localSpend != nil && *localSpend > authoritative {
		authoritative = *localSpend
	}
	projected := authoritative + estimatedCost
	var usagePct, projectedPct float64
	if b.Limit > 0 {
		usagePct = authoritative / b.Limit * 100
		projectedPct = projected / b.Limit * 100
	}
	check := BudgetCheck{
		BudgetID:           b.ID,
		BudgetName:         b.Name,
		BudgetType:         b.Type,
		Action:             ActionAllow,
		Allowed:            true,
		AuthoritativeSpend: authoritative,
		BudgetLimit:        b.Limit,
		UsagePercent:       usagePct,
		ProjectedPercent:   projectedPct,
	}
	switch {
	case projectedPct >= 100:
		switch b.LimitAction {
		case "degrade":
			check.Action = ActionDegrade
			check.DegradeToModel = b.DegradeToModel
			check.DegradeToProvider = b.DegradeToProvider
			check.Reason = fmt.Sprintf("Budget %q exceeded: degrading to %s", b.Name, b.DegradeToModel)
		case "throttle":
			check.Action = ActionThrottle
			check.Reason = fmt.Sprintf("Budget %q exceeded: throttling requests", b.Name)
		default:
			check.Action = ActionBlock
			check.Allowed = false
			check.Reason = fmt.Sprintf("Budget %q exceeded: projected spend $%.2f of $%.2f limit", b.Name, projected, b.Limit)
		}
	case projectedPct >= 90 && b.LimitAction == "degrade" && b.DegradeToModel != "":
		check.Action = ActionDegrade
		check.DegradeToModel = b.DegradeToModel
		check.DegradeToProvider = b.DegradeToProvider
		check.Reason = fmt.Sprintf("Budget %q approaching limit: degrading to %s", b.Name, b.DegradeToModel)
	}
	return check
}

func anyOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
