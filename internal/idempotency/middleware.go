package idempotency

import (
	"bytes"
	"net/http"

	"github.com/hiveops/hive/internal/auth"
)

const (
	// KeyHeader is set by clients on mutations they may retry.
	KeyHeader = "Idempotency-Key"

	// ReplayHeader marks responses served from the cache so callers can
	// tell a replay from a fresh execution.
	ReplayHeader = "Idempotency-Replay"
)

// Middleware replays recorded responses for repeated Idempotency-Key
// values. Keys are scoped to the authenticated team and the route, so
// tenants never collide and the same key can be reused across endpoints.
// Requests without the header pass through untouched, as do all requests
// when cache is nil.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cache == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(KeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := auth.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			// Header values cannot contain newlines, so the join is
			// unambiguous.
			key := id.TeamID + "\n" + r.Method + "\n" + r.URL.Path + "\n" + clientKey

			if resp, ok := cache.Lookup(key); ok {
				// Headers already set by outer middleware win over the
				// recorded copy.
				for name, vals := range resp.Header {
					if _, present := w.Header()[name]; !present {
						w.Header()[name] = vals
					}
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(resp.Status)
				_, _ = w.Write(resp.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Server errors stay uncached so a retry reaches the handler
			// again once the backend recovers.
			if rec.status >= http.StatusInternalServerError {
				return
			}
			cache.Record(key, Response{
				Status: rec.status,
				Header: w.Header().Clone(),
				Body:   rec.body.Bytes(),
			})
		})
	}
}

// recorder tees the response so the outcome can be recorded while still
// streaming to the client.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}
