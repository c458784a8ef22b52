// Package docstore persists hive's document-shaped state: governance
// policies, explicitly pushed content items, and the model pricing
// catalogue. Two backends implement the same interface: MongoDB for
// deployments that have one, and an embedded SQLite file so development
// runs with zero external services.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("docstore: not found")

// Store defines the document persistence interface for hive.
type Store interface {
	// Policies
	GetPolicy(ctx context.Context, teamID, policyID string) (*PolicyDocument, error)
	ListPolicies(ctx context.Context, teamID string) ([]PolicyDocument, error)
	UpsertPolicy(ctx context.Context, doc PolicyDocument) error
	DeletePolicy(ctx context.Context, teamID, policyID string) error

	// Content items
	PutContentItems(ctx context.Context, items []ContentItem) (int, error)
	GetContentItem(ctx context.Context, teamID, contentID string) (*ContentItem, error)
	GetContentItemByHash(ctx context.Context, teamID, hash string) (*ContentItem, error)

	// Pricing catalogue
	ListPricing(ctx context.Context) ([]PricingRecord, error)
	UpsertPricing(ctx context.Context, rec PricingRecord) error

	// ListTeams enumerates tenants that hold at least one policy document.
	// Maintenance sweeps iterate it.
	ListTeams(ctx context.Context) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from the URL scheme: mongodb:// or mongodb+srv://
// connect to MongoDB, anything else (including empty) is treated as a
// SQLite path. An empty URL opens hive.db in the working directory.
func Open(ctx context.Context, url string) (Store, error) {
	if strings.HasPrefix(url, "mongodb://") || strings.HasPrefix(url, "mongodb+srv://") {
		return NewMongo(ctx, url)
	}
	if url == "" {
		url = "hive.db"
	}
	return NewSQLite(url)
}

// PolicyDocument is the stored form of a tenant-scoped governance policy.
// Budgets are strongly typed because the evaluator interprets them; the
// remaining rule families are opaque records returned to SDKs verbatim.
type PolicyDocument struct {
	TeamID       string           `json:"team_id" bson:"team_id"`
	PolicyID     string           `json:"id" bson:"policy_id"`
	Name         string           `json:"name" bson:"name"`
	Version      string           `json:"version" bson:"version"`
	Budgets      []BudgetRule     `json:"budgets" bson:"budgets"`
	Throttles    []map[string]any `json:"throttles" bson:"throttles"`
	Blocks       []map[string]any `json:"blocks" bson:"blocks"`
	Degradations []map[string]any `json:"degradations" bson:"degradations"`
	Alerts       []map[string]any `json:"alerts" bson:"alerts"`
	CreatedAt    time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" bson:"updated_at"`
	CreatedBy    string           `json:"created_by,omitempty" bson:"created_by,omitempty"`
	UpdatedBy    string           `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
}

// BudgetRule is one spend rule inside a policy. Spent and Analytics are
// derived from the time-series store per request and never persisted.
type BudgetRule struct {
	ID                string              `json:"id" bson:"id"`
	Name              string              `json:"name" bson:"name"`
	Type              string              `json:"type" bson:"type"` // global, agent, tenant, customer, feature, tag
	Limit             float64             `json:"limit" bson:"limit"`
	Spent             float64             `json:"spent" bson:"-"`
	LimitAction       string              `json:"limitAction" bson:"limitAction"` // kill, throttle, degrade
	DegradeToModel    string              `json:"degradeToModel,omitempty" bson:"degradeToModel,omitempty"`
	DegradeToProvider string              `json:"degradeToProvider,omitempty" bson:"degradeToProvider,omitempty"`
	TagCategory       string              `json:"tagCategory,omitempty" bson:"tagCategory,omitempty"`
	Tags              []string            `json:"tags,omitempty" bson:"tags,omitempty"`
	Alerts            []BudgetAlert       `json:"alerts" bson:"alerts"`
	Notifications     BudgetNotifications `json:"notifications" bson:"notifications"`
	Analytics         map[string]any      `json:"analytics,omitempty" bson:"-"`
}

// BudgetAlert is one notification threshold on a budget rule.
type BudgetAlert struct {
	Threshold float64 `json:"threshold" bson:"threshold"` // percent of limit, 0-100
	Enabled   bool    `json:"enabled" bson:"enabled"`
}

// BudgetNotifications selects delivery channels for budget alerts.
type BudgetNotifications struct {
	InApp           bool     `json:"inApp" bson:"inApp"`
	Email           bool     `json:"email" bson:"email"`
	EmailRecipients []string `json:"emailRecipients,omitempty" bson:"emailRecipients,omitempty"`
	Webhook         bool     `json:"webhook" bson:"webhook"`
	WebhookURL      string   `json:"webhookUrl,omitempty" bson:"webhookUrl,omitempty"`
}

// ContentItem is a content document pushed explicitly by an SDK, as
// opposed to blobs extracted from events on ingest.
type ContentItem struct {
	TeamID      string    `json:"team_id" bson:"team_id"`
	ContentID   string    `json:"content_id" bson:"content_id"`
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	Content     string    `json:"content" bson:"content"`
	ByteSize    int64     `json:"byte_size" bson:"byte_size"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// PricingRecord is one model's entry in the pricing catalogue. Rates are
// USD per million tokens.
type PricingRecord struct {
	Model            string    `json:"model" bson:"model"`
	Provider         string    `json:"provider" bson:"provider"`
	InputPer1M       float64   `json:"input_per_1m" bson:"input_per_1m"`
	OutputPer1M      float64   `json:"output_per_1m" bson:"output_per_1m"`
	CachedInputPer1M float64   `json:"cached_input_per_1m" bson:"cached_input_per_1m"`
	Aliases          []string  `json:"aliases,omitempty" bson:"aliases,omitempty"`
	EffectiveDate    string    `json:"effective_date,omitempty" bson:"effective_date,omitempty"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}
