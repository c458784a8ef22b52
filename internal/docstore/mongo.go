package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const mongoDatabase = "hive"

// MongoStore implements Store on MongoDB. Collections: policies,
// content_items, model_pricing.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects to the MongoDB deployment at the given URI and
// verifies the connection with a ping.
func NewMongo(ctx context.Context, uri string) (*MongoStore, error) {
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(mongoDatabase)}, nil
}

func (s *MongoStore) policies() *mongo.Collection     { return s.db.Collection("policies") }
func (s *MongoStore) contentItems() *mongo.Collection { return s.db.Collection("content_items") }
func (s *MongoStore) modelPricing() *mongo.Collection { return s.db.Collection("model_pricing") }

func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.policies().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "team_id", Value: 1}, {Key: "policy_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("index policies: %w", err)
	}
	_, err = s.contentItems().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "team_id", Value: 1}, {Key: "content_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "team_id", Value: 1}, {Key: "content_hash", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("index content_items: %w", err)
	}
	_, err = s.modelPricing().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "model", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("index model_pricing: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Policies

func (s *MongoStore) GetPolicy(ctx context.Context, teamID, policyID string) (*PolicyDocument, error) {
	var doc PolicyDocument
	err := s.policies().FindOne(ctx, bson.M{"team_id": teamID, "policy_id": policyID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) ListPolicies(ctx context.Context, teamID string) ([]PolicyDocument, error) {
	cur, err := s.policies().Find(ctx, bson.M{"team_id": teamID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []PolicyDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) UpsertPolicy(ctx context.Context, doc PolicyDocument) error {
	_, err := s.policies().ReplaceOne(ctx,
		bson.M{"team_id": doc.TeamID, "policy_id": doc.PolicyID},
		doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeletePolicy(ctx context.Context, teamID, policyID string) error {
	res, err := s.policies().DeleteOne(ctx, bson.M{"team_id": teamID, "policy_id": policyID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Content items

func (s *MongoStore) PutContentItems(ctx context.Context, items []ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for _, item := range items {
		_, err := s.contentItems().UpdateOne(ctx,
			bson.M{"team_id": item.TeamID, "content_id": item.ContentID},
			bson.M{
				"$set": bson.M{
					"content_hash": item.ContentHash,
					"content":      item.Content,
					"byte_size":    item.ByteSize,
					"updated_at":   now,
				},
				"$setOnInsert": bson.M{"created_at": now},
			},
			options.Update().SetUpsert(true))
		if err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

func (s *MongoStore) GetContentItem(ctx context.Context, teamID, contentID string) (*ContentItem, error) {
	var item ContentItem
	err := s.contentItems().FindOne(ctx, bson.M{"team_id": teamID, "content_id": contentID}).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *MongoStore) GetContentItemByHash(ctx context.Context, teamID, hash string) (*ContentItem, error) {
	var item ContentItem
	err := s.contentItems().FindOne(ctx,
		bson.M{"team_id": teamID, "content_hash": hash},
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Pricing catalogue

func (s *MongoStore) ListPricing(ctx context.Context) ([]PricingRecord, error) {
	cur, err := s.modelPricing().Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var records []PricingRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *MongoStore) UpsertPricing(ctx context.Context, rec PricingRecord) error {
	_, err := s.modelPricing().ReplaceOne(ctx,
		bson.M{"model": rec.Model}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ListTeams(ctx context.Context) ([]string, error) {
	raw, err := s.policies().Distinct(ctx, "team_id", bson.M{})
	if err != nil {
		return nil, err
	}
	teams := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok && id != "" {
			teams = append(teams, id)
		}
	}
	return teams, nil
}
