package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiveops/hive/internal/docstore"
	"github.com/hiveops/hive/internal/store"
)

// ContentPutHandler handles POST /v1/control/content: content documents an
// SDK pushes explicitly, as opposed to blobs extracted on ingest. Every
// item needs a content_id, content_hash, content and byte_size.
func ContentPutHandler(d Dependencies) http.HandlerFunc {
	type putReq struct {
		Items []docstore.ContentItem `json:"items"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var req putReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			jsonError(w, "items required", http.StatusBadRequest)
			return
		}
		for i := range req.Items {
			item := &req.Items[i]
			if item.ContentID == "" || item.ContentHash == "" || item.Content == "" || item.ByteSize <= 0 {
				jsonError(w, "each item needs content_id, content_hash, content and byte_size", http.StatusBadRequest)
				return
			}
			item.TeamID = id.TeamID
		}
		stored, err := d.Docs.PutContentItems(r.Context(), req.Items)
		if err != nil {
			internalError(w, d, "store content items", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "stored": stored})
	}
}

// ContentGetHandler handles GET /v1/control/content/{id}.
func ContentGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		item, err := d.Docs.GetContentItem(r.Context(), id.TeamID, chi.URLParam(r, "id"))
		if errors.Is(err, docstore.ErrNotFound) {
			jsonError(w, "content not found", http.StatusNotFound)
			return
		}
		if err != nil {
			internalError(w, d, "load content item", err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// ContentByHashHandler handles GET /v1/control/content/hash/{hash}. Pushed
// content items answer first; a miss falls through to the cold blob store
// so event-extracted content resolves by hash too.
func ContentByHashHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		hash := chi.URLParam(r, "hash")
		if !validSHA256(hash) {
			jsonError(w, "hash must be 64 hex characters", http.StatusBadRequest)
			return
		}
		item, err := d.Docs.GetContentItemByHash(r.Context(), id.TeamID, hash)
		if err == nil {
			writeJSON(w, http.StatusOK, item)
			return
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			internalError(w, d, "load content item", err)
			return
		}
		blob, err := d.Store.FetchContentByHash(r.Context(), id.TeamID, hash)
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "content not found", http.StatusNotFound)
			return
		}
		if err != nil {
			internalError(w, d, "load content blob", err)
			return
		}
		writeJSON(w, http.StatusOK, blob)
	}
}

// validSHA256 reports whether s is a 64 character lowercase-or-uppercase
// hex string.
func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
