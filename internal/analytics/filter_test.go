package analytics

import (
	"reflect"
	"testing"
	"time"

	"github.com/hiveops/hive/internal/docstore"
)

func TestFilterClause(t *testing.T) {
	cases := []struct {
		name     string
		filter   Filter
		want     string
		wantArgs []any
	}{
		{
			name:   "global",
			filter: Filter{Kind: FilterGlobal},
			want:   "",
		},
		{
			name:   "empty kind",
			filter: Filter{},
			want:   "",
		},
		{
			name:     "agent",
			filter:   Filter{Kind: FilterAgent, Name: "support-bot"},
			want:     "(agent = $1 OR metadata->>'agent' = $1)",
			wantArgs: []any{"support-bot"},
		},
		{
			name:     "tenant",
			filter:   Filter{Kind: FilterTenant, Name: "acme"},
			want:     "metadata->>'tenant_id' = $1",
			wantArgs: []any{"acme"},
		},
		{
			name:     "customer",
			filter:   Filter{Kind: FilterCustomer, Name: "cust-9"},
			want:     "metadata->>'customer_id' = $1",
			wantArgs: []any{"cust-9"},
		},
		{
			name:     "feature",
			filter:   Filter{Kind: FilterFeature, Name: "chat"},
			want:     "(metadata->>'feature' = $1 OR agent = $1)",
			wantArgs: []any{"chat"},
		},
		{
			name:     "tag",
			filter:   Filter{Kind: FilterTag, Tags: []string{"prod", "beta"}},
			want:     "metadata->'tags' ?| $1",
			wantArgs: []any{[]string{"prod", "beta"}},
		},
		{
			name:     "context",
			filter:   ForContext("checkout"),
			want:     "(metadata->>'feature' = $1 OR metadata->>'customer_id' = $1 OR metadata->>'tenant_id' = $1 OR agent = $1 OR metadata->>'agent' = $1)",
			wantArgs: []any{"checkout"},
		},
		{
			name:   "unknown kind matches nothing",
			filter: Filter{Kind: "mystery"},
			want:   "FALSE",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var args []any
			got := tc.filter.clause(&args)
			if got != tc.want {
				t.Errorf("clause = %q, want %q", got, tc.want)
			}
			if !reflect.DeepEqual(args, tc.wantArgs) {
				t.Errorf("args = %v, want %v", args, tc.wantArgs)
			}
		})
	}
}

func TestFilterClauseContinuesNumbering(t *testing.T) {
	args := []any{time.Time{}, time.Time{}}
	got := Filter{Kind: FilterAgent, Name: "bot"}.clause(&args)
	want := "(agent = $3 OR metadata->>'agent' = $3)"
	if got != want {
		t.Errorf("clause = %q, want %q", got, want)
	}
	if len(args) != 3 {
		t.Errorf("len(args) = %d, want 3", len(args))
	}
	if args[2] != "bot" {
		t.Errorf("args[2] = %v, want bot", args[2])
	}
}

func TestForBudget(t *testing.T) {
	f := ForBudget(docstore.BudgetRule{
		Type: "tag",
		Name: "production workloads",
		Tags: []string{"prod"},
	})
	if f.Kind != FilterTag || f.Name != "production workloads" {
		t.Errorf("unexpected filter %+v", f)
	}
	if !reflect.DeepEqual(f.Tags, []string{"prod"}) {
		t.Errorf("tags = %v", f.Tags)
	}
}

func TestFilterRollupRouting(t *testing.T) {
	cases := []struct {
		filter Filter
		table  string
	}{
		{Filter{Kind: FilterGlobal}, "llm_events_daily_ca"},
		{Filter{}, "llm_events_daily_ca"},
		{Filter{Kind: FilterAgent, Name: "bot"}, "llm_events_daily_by_agent_ca"},
		{Filter{Kind: FilterTenant, Name: "acme"}, ""},
		{Filter{Kind: FilterCustomer, Name: "c"}, ""},
		{Filter{Kind: FilterFeature, Name: "f"}, ""},
		{Filter{Kind: FilterTag, Tags: []string{"t"}}, ""},
		{Filter{Kind: FilterContext, Name: "x"}, ""},
	}
	for _, tc := range cases {
		if got := tc.filter.caTable(); got != tc.table {
			t.Errorf("caTable(%s) = %q, want %q", tc.filter.Kind, got, tc.table)
		}
	}

	var args []any
	if got := (Filter{Kind: FilterAgent, Name: "bot"}).caClause(&args); got != "agent = $1" {
		t.Errorf("agent caClause = %q", got)
	}
	args = nil
	if got := (Filter{Kind: FilterGlobal}).caClause(&args); got != "" {
		t.Errorf("global caClause = %q, want empty", got)
	}
	if len(args) != 0 {
		t.Errorf("global caClause pushed %d args", len(args))
	}
}
