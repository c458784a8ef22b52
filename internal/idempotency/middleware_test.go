package idempotency

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hiveops/hive/internal/auth"
)

func authedRequest(method, path, team, key string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(KeyHeader, key)
	}
	ctx := auth.WithIdentity(req.Context(), auth.Identity{UserID: "u1", TeamID: team})
	return req.WithContext(ctx)
}

func countingHandler(calls *int, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func TestMiddlewareReplaysRepeatedKey(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusCreated, `{"id":"p1"}`))

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, authedRequest(http.MethodPost, "/v1/control/policies", "team-a", "k-001"))

	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if rec1.Header().Get(ReplayHeader) != "" {
		t.Fatal("first execution must not be marked as a replay")
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, authedRequest(http.MethodPost, "/v1/control/policies", "team-a", "k-001"))

	if calls != 1 {
		t.Fatalf("handler calls = %d after retry, want 1", calls)
	}
	if rec2.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", rec2.Code)
	}
	if rec2.Body.String() != `{"id":"p1"}` {
		t.Fatalf("replay body = %s", rec2.Body.String())
	}
	if rec2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("replay content type = %q", rec2.Header().Get("Content-Type"))
	}
	if rec2.Header().Get(ReplayHeader) != "true" {
		t.Fatal("replay must carry the replay marker")
	}
}

func TestMiddlewareWithoutKeyPassesThrough(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusOK, `{}`))

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/control/events", "team-a", ""))
		if rec.Header().Get(ReplayHeader) != "" {
			t.Fatal("keyless requests must never replay")
		}
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestMiddlewareNilCachePassesThrough(t *testing.T) {
	var calls int
	h := Middleware(nil)(countingHandler(&calls, http.StatusOK, `{}`))

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-001"))
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestMiddlewareUnauthenticatedPassesThrough(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusOK, `{}`))

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/control/events", nil)
		req.Header.Set(KeyHeader, "k-001")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2: no identity means no replay scope", calls)
	}
}

func TestMiddlewareScopesKeysByTeam(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusOK, `{}`))

	h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/events", "team-a", "shared"))
	h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/events", "team-b", "shared"))

	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2: teams must not share replay keys", calls)
	}
}

func TestMiddlewareScopesKeysByRoute(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusOK, `{}`))

	h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/events", "team-a", "shared"))
	h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/content", "team-a", "shared"))

	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2: routes must not share replay keys", calls)
	}
}

func TestMiddlewareSkipsServerErrors(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusInternalServerError, `{"error":"backend down"}`))

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-err"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-err"))

	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2: a 500 must not be replayed", calls)
	}
	if rec2.Header().Get(ReplayHeader) != "" {
		t.Fatal("server errors must never be marked as replays")
	}
}

func TestMiddlewareCachesClientErrors(t *testing.T) {
	var calls int
	h := Middleware(New())(countingHandler(&calls, http.StatusBadRequest, `{"error":"malformed batch"}`))

	h.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-bad"))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-bad"))

	// The same payload fails the same way; replaying the 400 saves the
	// handler from re-parsing a batch it already rejected.
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec2.Code)
	}
}

func TestMiddlewareKeepsFreshOuterHeaders(t *testing.T) {
	var calls int
	inner := Middleware(New())(countingHandler(&calls, http.StatusOK, `{}`))

	// Outer middleware stamps a per-request header before the replay
	// check runs, the way the CORS layer does.
	stamp := ""
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Origin", stamp)
		inner.ServeHTTP(w, r)
	})

	stamp = "first"
	outer.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-hdr"))

	stamp = "second"
	rec2 := httptest.NewRecorder()
	outer.ServeHTTP(rec2, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-hdr"))

	if got := rec2.Header().Get("X-Request-Origin"); got != "second" {
		t.Fatalf("outer header = %q, want the fresh value", got)
	}
	if rec2.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected a replay")
	}
}

// Run with -race: concurrent retries sharing a key must not corrupt the
// cache. The handler may run more than once while the first execution is
// in flight; every caller still sees a complete response.
func TestMiddlewareConcurrentSameKey(t *testing.T) {
	c := New()
	var calls atomic.Int64
	h := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))

	const goroutines = 32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/control/events", "team-a", "k-conc"))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			body, _ := io.ReadAll(rec.Result().Body)
			if string(body) != `{"success":true}` {
				t.Errorf("unexpected body: %s", body)
			}
		}()
	}
	wg.Wait()

	if calls.Load() < 1 {
		t.Fatal("handler never ran")
	}
}
