package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
// Policies and pricing records are stored as JSON documents; content items
// get real columns because they are queried by hash as well as by id.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS policies (
			team_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (team_id, policy_id)
		)`,
		`CREATE TABLE IF NOT EXISTS content_items (
			team_id TEXT NOT NULL,
			content_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content TEXT NOT NULL,
			byte_size INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (team_id, content_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_hash ON content_items(team_id, content_hash)`,
		`CREATE TABLE IF NOT EXISTS model_pricing (
			model TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Policies

func (s *SQLiteStore) GetPolicy(ctx context.Context, teamID, policyID string) (*PolicyDocument, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM policies WHERE team_id = ? AND policy_id = ?`, teamID, policyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc PolicyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal policy %s/%s: %w", teamID, policyID, err)
	}
	return &doc, nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context, teamID string) ([]PolicyDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM policies WHERE team_id = ? ORDER BY updated_at DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []PolicyDocument
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc PolicyDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, doc PolicyDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal policy %s/%s: %w", doc.TeamID, doc.PolicyID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (team_id, policy_id, doc, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(team_id, policy_id) DO UPDATE SET
		   doc=excluded.doc,
		   updated_at=excluded.updated_at`,
		doc.TeamID, doc.PolicyID, string(raw), doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) DeletePolicy(ctx context.Context, teamID, policyID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE team_id = ? AND policy_id = ?`, teamID, policyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Content items

func (s *SQLiteStore) PutContentItems(ctx context.Context, items []ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_items (team_id, content_id, content_hash, content, byte_size, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(team_id, content_id) DO UPDATE SET
			   content_hash=excluded.content_hash,
			   content=excluded.content,
			   byte_size=excluded.byte_size,
			   updated_at=excluded.updated_at`,
			item.TeamID, item.ContentID, item.ContentHash, item.Content, item.ByteSize, now, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *SQLiteStore) GetContentItem(ctx context.Context, teamID, contentID string) (*ContentItem, error) {
	return s.scanContentItem(s.db.QueryRowContext(ctx,
		`SELECT team_id, content_id, content_hash, content, byte_size, created_at, updated_at
		 FROM content_items WHERE team_id = ? AND content_id = ?`, teamID, contentID))
}

func (s *SQLiteStore) GetContentItemByHash(ctx context.Context, teamID, hash string) (*ContentItem, error) {
	return s.scanContentItem(s.db.QueryRowContext(ctx,
		`SELECT team_id, content_id, content_hash, content, byte_size, created_at, updated_at
		 FROM content_items WHERE team_id = ? AND content_hash = ?
		 ORDER BY updated_at DESC LIMIT 1`, teamID, hash))
}

func (s *SQLiteStore) scanContentItem(row *sql.Row) (*ContentItem, error) {
	var item ContentItem
	var createdAt, updatedAt string
	err := row.Scan(&item.TeamID, &item.ContentID, &item.ContentHash, &item.Content,
		&item.ByteSize, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &item, nil
}

// Pricing catalogue

func (s *SQLiteStore) ListPricing(ctx context.Context) ([]PricingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM model_pricing ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []PricingRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec PricingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal pricing: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) UpsertPricing(ctx context.Context, rec PricingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pricing %s: %w", rec.Model, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_pricing (model, doc) VALUES (?, ?)
		 ON CONFLICT(model) DO UPDATE SET doc=excluded.doc`,
		rec.Model, string(raw))
	return err
}

func (s *SQLiteStore) ListTeams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT team_id FROM policies ORDER BY team_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var teams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teams = append(teams, id)
	}
	return teams, rows.Err()
}
