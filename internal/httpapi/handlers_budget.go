package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/policy"
	"github.com/hiveops/hive/internal/pricing"
)

// budgetValidateRequest is the pre-flight check an SDK runs before an LLM
// call. budget_id narrows to one budget; context narrows by scope match;
// neither checks every budget on the policy.
type budgetValidateRequest struct {
	BudgetID      string          `json:"budget_id"`
	Context       *policy.Context `json:"context"`
	EstimatedCost *float64        `json:"estimated_cost"`
	LocalSpend    *float64        `json:"local_spend"`
}

// BudgetValidateHandler handles POST /v1/control/budget/validate. The
// optional X-Policy-ID header selects which policy's budgets apply.
func BudgetValidateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req budgetValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.EstimatedCost == nil || *req.EstimatedCost < 0 {
			jsonError(w, "estimated_cost must be a non-negative number", http.StatusBadRequest)
			return
		}
		decision, err := validateBudget(r.Context(), d, id.TeamID, r.Header.Get("X-Policy-ID"), req)
		if err != nil {
			internalError(w, d, "validate budget", err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.Validations.WithLabelValues(decision.Action).Inc()
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

// validateBudget resolves the policy's enriched budgets and runs the
// evaluator. Ambiguity never errors: an unknown budget_id or a context no
// budget covers comes back allowed with the reason spelled out. The MCP
// validate_budget tool shares this path.
func validateBudget(ctx context.Context, d Dependencies, teamID, policyID string, req budgetValidateRequest) (policy.Decision, error) {
	doc, err := d.Policies.Get(ctx, teamID, policyID)
	if err != nil {
		return policy.Decision{}, err
	}
	cost := *req.EstimatedCost

	if req.BudgetID != "" {
		for _, b := range doc.Budgets {
			if b.ID == req.BudgetID {
				return policy.Validate([]docstore.BudgetRule{b}, cost, req.LocalSpend), nil
			}
		}
		return policy.Decision{
			Allowed:        true,
			Action:         policy.ActionAllow,
			Reason:         fmt.Sprintf("No budget with id %q", req.BudgetID),
			BudgetsChecked: []policy.BudgetCheck{},
		}, nil
	}
	if req.Context != nil {
		return policy.ValidateContext(doc.Budgets, *req.Context, cost, req.LocalSpend), nil
	}
	return policy.Validate(doc.Budgets, cost, req.LocalSpend), nil
}

// DegradationTargetsHandler handles GET /v1/control/degradation-targets.
// An optional provider query parameter narrows the set.
func DegradationTargetsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		set := d.Pricing.DegradationTargets(r.Context())
		if provider := r.URL.Query().Get("provider"); provider != "" {
			targets, ok := set.Models[provider]
			if !ok {
				jsonError(w, "unknown provider", http.StatusNotFound)
				return
			}
			set = pricing.DegradationSet{
				Providers: []string{provider},
				Models:    map[string][]pricing.DegradationTarget{provider: targets},
			}
		}
		writeJSON(w, http.StatusOK, set)
	}
}
