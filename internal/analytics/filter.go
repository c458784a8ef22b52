package analytics

import (
	"fmt"

	"github.com/hiveops/hive/internal/docstore"
)

// Filter kinds mirror the budget rule types plus the catch-all context
// form used when a caller passes a raw id instead of a budget.
const (
	FilterGlobal   = "global"
	FilterAgent    = "agent"
	FilterTenant   = "tenant"
	FilterCustomer = "customer"
	FilterFeature  = "feature"
	FilterTag      = "tag"
	FilterContext  = "context"
)

// Filter narrows spend and usage queries to the slice of traffic a budget
// or a raw context id governs.
type Filter struct {
	Kind string
	Name string
	Tags []string
}

// ForBudget derives the filter matching the traffic a budget rule governs.
func ForBudget(b docstore.BudgetRule) Filter {
	return Filter{Kind: b.Type, Name: b.Name, Tags: b.Tags}
}

// ForContext builds the catch-all filter for a raw context id: any event
// whose feature, customer, tenant or agent equals the id matches.
func ForContext(id string) Filter {
	return Filter{Kind: FilterContext, Name: id}
}

// clause renders the filter as a predicate over llm_events, appending
// bind values to args. The empty string means no restriction.
func (f Filter) clause(args *[]any) string {
	switch f.Kind {
	case "", FilterGlobal:
		return ""
	case FilterAgent:
		n := push(args, f.Name)
		return fmt.Sprintf("(agent = $%d OR metadata->>'agent' = $%d)", n, n)
	case FilterTenant:
		n := push(args, f.Name)
		return fmt.Sprintf("metadata->>'tenant_id' = $%d", n)
	case FilterCustomer:
		n := push(args, f.Name)
		return fmt.Sprintf("metadata->>'customer_id' = $%d", n)
	case FilterFeature:
		n := push(args, f.Name)
		return fmt.Sprintf("(metadata->>'feature' = $%d OR agent = $%d)", n, n)
	case FilterTag:
		n := push(args, f.Tags)
		return fmt.Sprintf("metadata->'tags' ?| $%d", n)
	case FilterContext:
		n := push(args, f.Name)
		return fmt.Sprintf("(metadata->>'feature' = $%d OR metadata->>'customer_id' = $%d OR metadata->>'tenant_id' = $%d OR agent = $%d OR metadata->>'agent' = $%d)",
			n, n, n, n, n)
	}
	// Unknown kinds match nothing rather than silently matching everything.
	return "FALSE"
}

// caTable names the daily rollup that can answer this filter's historical
// spend, or "" when only the base table can.
func (f Filter) caTable() string {
	switch f.Kind {
	case "", FilterGlobal:
		return "llm_events_daily_ca"
	case FilterAgent:
		return "llm_events_daily_by_agent_ca"
	}
	return ""
}

// caClause renders the filter against its rollup's dimension columns.
func (f Filter) caClause(args *[]any) string {
	if f.Kind == FilterAgent {
		n := push(args, f.Name)
		return fmt.Sprintf("agent = $%d", n)
	}
	return ""
}

func push(args *[]any, v any) int {
	*args = append(*args, v)
	return len(*args)
}
