// Package tenant maps team ids to isolated Postgres schemas and caches a
// connection pool per team. Schema objects are created lazily on first
// use; concurrent first uses share a single initialization attempt.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyTeam is returned when a caller asks for a pool without a team id.
var ErrEmptyTeam = errors.New("tenant: empty team id")

const (
	defaultMaxConns = 10
	maxSchemaLen    = 48
)

// DDLFunc renders the schema object statements for one tenant schema. The
// first statement must create the schema itself (idempotently).
type DDLFunc func(schema string) []string

// Router owns the team -> pool cache.
type Router struct {
	databaseURL string
	maxConns    int32
	ddl         DDLFunc

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
	inits initGroup
}

// Option configures a Router.
type Option func(*Router)

// WithMaxConns overrides the per-team pool size (default 10).
func WithMaxConns(n int32) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxConns = n
		}
	}
}

// New creates a Router. ddl runs once per schema on first use.
func New(databaseURL string, ddl DDLFunc, opts ...Option) *Router {
	r := &Router{
		databaseURL: databaseURL,
		maxConns:    defaultMaxConns,
		ddl:         ddl,
		pools:       make(map[string]*pgxpool.Pool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SchemaName derives the per-team schema: "team_" plus the lowercased team
// id with everything outside [a-z0-9_] replaced by underscores, capped at
// 48 chars so derived index names stay inside Postgres's identifier limit.
func SchemaName(teamID string) string {
	var b strings.Builder
	b.WriteString("team_")
	for _, r := range strings.ToLower(teamID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > maxSchemaLen {
		s = s[:maxSchemaLen]
	}
	return s
}

// Pool returns the team's pool, building it and initializing the schema on
// first use. Initialization failures evict the pool so the next request
// starts clean.
func (r *Router) Pool(ctx context.Context, teamID string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, ErrEmptyTeam
	}
	schema := SchemaName(teamID)

	r.mu.Lock()
	pool, ok := r.pools[schema]
	r.mu.Unlock()

	if !ok {
		built, err := r.buildPool(ctx, schema)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if existing, raced := r.pools[schema]; raced {
			r.mu.Unlock()
			built.Close()
			pool = existing
		} else {
			r.pools[schema] = built
			r.mu.Unlock()
			pool = built
		}
	}

	if err := r.inits.Do(ctx, schema, func() error {
		return r.runDDL(ctx, pool, schema)
	}); err != nil {
		r.evictSchema(schema)
		return nil, err
	}
	return pool, nil
}

// Evict drops the team's pool and init memo. The pool is closed in the
// background once outstanding connections are released.
func (r *Router) Evict(teamID string) {
	r.evictSchema(SchemaName(teamID))
}

func (r *Router) evictSchema(schema string) {
	r.mu.Lock()
	pool, ok := r.pools[schema]
	delete(r.pools, schema)
	r.mu.Unlock()
	r.inits.Forget(schema)
	if ok {
		go pool.Close()
	}
}

// Ping verifies database connectivity without touching tenant schemas.
func (r *Router) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx)
}

// Close shuts down every cached pool.
func (r *Router) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*pgxpool.Pool)
	r.mu.Unlock()
	for _, pool := range pools {
		pool.Close()
	}
}

func (r *Router) buildPool(ctx context.Context, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(r.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = r.maxConns
	// Every physical connection works inside the tenant schema, with
	// public trailing for extensions and shared objects.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build pool for %s: %w", schema, err)
	}
	return pool, nil
}

func (r *Router) runDDL(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire for init %s: %w", schema, err)
	}
	defer conn.Release()
	for _, q := range r.ddl(schema) {
		if _, err := conn.Exec(ctx, q); err != nil {
			// Another actor creating the same objects is not a failure.
			if isDuplicateObject(err) {
				continue
			}
			return fmt.Errorf("init schema %s: %w", schema, err)
		}
	}
	return nil
}

// isDuplicateObject reports whether err is one of the SQLSTATEs raised
// when a concurrent initializer already created the object: 42P06
// duplicate_schema, 42P07 duplicate_table, 42710 duplicate_object, 23505
// unique_violation (catalog races on CREATE ... IF NOT EXISTS).
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P06", "42P07", "42710", "23505":
		return true
	}
	return false
}

// initGroup memoizes one-shot initialization per key. The future is
// inserted before fn runs so concurrent callers await the same attempt; a
// failed attempt is forgotten so the next caller retries.
type initGroup struct {
	mu sync.Mutex
	m  map[string]*initFuture
}

type initFuture struct {
	done chan struct{}
	err  error
}

func (g *initGroup) Do(ctx context.Context, key string, fn func() error) error {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*initFuture)
	}
	if fut, ok := g.m[key]; ok {
		g.mu.Unlock()
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fut := &initFuture{done: make(chan struct{})}
	g.m[key] = fut
	g.mu.Unlock()

	fut.err = fn()
	if fut.err != nil {
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
	}
	close(fut.done)
	return fut.err
}

// Forget drops the memo for key, forcing the next Do to reinitialize.
func (g *initGroup) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
