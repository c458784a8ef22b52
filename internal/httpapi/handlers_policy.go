package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/policy"
)

// emitPolicyUpdate pushes a mutated document to the team's policy room so
// connected SDKs pick up the new version without polling.
func emitPolicyUpdate(d Dependencies, doc *docstore.PolicyDocument) {
	if d.Hub != nil && doc != nil {
		d.Hub.EmitPolicyUpdate(doc.TeamID, doc.PolicyID, doc)
	}
}

// policyError maps the policy store's sentinel errors onto status codes.
func policyError(w http.ResponseWriter, d Dependencies, op string, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidRule):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, policy.ErrDefaultUndeletable):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, docstore.ErrNotFound):
		jsonError(w, "policy not found", http.StatusNotFound)
	default:
		internalError(w, d, op, err)
	}
}

// PolicyGetHandler handles GET /v1/control/policy — the SDK bootstrap read.
// The optional X-Policy-ID header selects a named policy; absent or empty
// resolves to the team's default, materializing it on first access.
func PolicyGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		doc, err := d.Policies.Get(r.Context(), id.TeamID, r.Header.Get("X-Policy-ID"))
		if err != nil {
			policyError(w, d, "load policy", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// PoliciesListHandler handles GET /v1/control/policies.
func PoliciesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		docs, err := d.Policies.List(r.Context(), id.TeamID, intParam(r, "limit", 0), intParam(r, "offset", 0))
		if err != nil {
			internalError(w, d, "list policies", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": docs, "count": len(docs)})
	}
}

// PolicyCreateHandler handles POST /v1/control/policies — upsert by body id,
// defaulting to the default policy when the body carries none.
func PolicyCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		ID string `json:"id"`
		policy.Update
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		req.UpdatedBy = id.UserID
		doc, err := d.Policies.Set(r.Context(), id.TeamID, req.ID, req.Update)
		if err != nil {
			policyError(w, d, "save policy", err)
			return
		}
		emitPolicyUpdate(d, doc)
		writeJSON(w, http.StatusOK, doc)
	}
}

// PolicyByIDHandler handles GET /v1/control/policies/{id}.
func PolicyByIDHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		doc, err := d.Policies.Get(r.Context(), id.TeamID, chi.URLParam(r, "id"))
		if err != nil {
			policyError(w, d, "load policy", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// PolicyPutHandler handles PUT /v1/control/policies/{id}.
func PolicyPutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var up policy.Update
		if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		up.UpdatedBy = id.UserID
		doc, err := d.Policies.Set(r.Context(), id.TeamID, chi.URLParam(r, "id"), up)
		if err != nil {
			policyError(w, d, "save policy", err)
			return
		}
		emitPolicyUpdate(d, doc)
		writeJSON(w, http.StatusOK, doc)
	}
}

// PolicyDeleteHandler handles DELETE /v1/control/policies/{id}. The default
// policy is not deletable.
func PolicyDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		if err := d.Policies.Delete(r.Context(), id.TeamID, chi.URLParam(r, "id")); err != nil {
			policyError(w, d, "delete policy", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// PolicyClearHandler handles DELETE /v1/control/policies/{id}/rules —
// empties every rule array while keeping the document.
func PolicyClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		doc, err := d.Policies.Clear(r.Context(), id.TeamID, chi.URLParam(r, "id"))
		if err != nil {
			policyError(w, d, "clear policy rules", err)
			return
		}
		emitPolicyUpdate(d, doc)
		writeJSON(w, http.StatusOK, doc)
	}
}

// PolicyAppendRuleHandler handles POST /v1/control/policies/{id}/{kind} for
// kind in budgets|throttles|blocks|degradations|alerts. Budgets run the
// typed validation path; unknown kinds are a 400 from the store.
func PolicyAppendRuleHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var rule map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		doc, err := d.Policies.AppendRule(r.Context(), chi.URLParam(r, "kind"), id.TeamID, chi.URLParam(r, "id"), rule)
		if err != nil {
			policyError(w, d, "append rule", err)
			return
		}
		emitPolicyUpdate(d, doc)
		writeJSON(w, http.StatusOK, doc)
	}
}
