package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

// MongoDBStorage implements Storage on MongoDB. Stage and Reconcile run in
// multi-document transactions, so the deployment must be a replica set.
type MongoDBStorage struct {
	client  *mongo.Client
	posts   *mongo.Collection
	staging *mongo.Collection
	users   *mongo.Collection
	status  *mongo.Collection
}

type stagedDocument struct {
	RunID       string `bson:"run_id"`
	models.Post `bson:",inline"`
}

type statusDocument struct {
	ID                     string `bson:"_id"`
	models.IngestionStatus `bson:",inline"`
}

// NewMongoDBStorage connects to MongoDB and ensures the indexes exist
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to reach mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	s := &MongoDBStorage{
		client:  client,
		posts:   db.Collection("posts"),
		staging: db.Collection("posts_staging"),
		users:   db.Collection("users"),
		status:  db.Collection("ingestion_status"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoDBStorage) ensureIndexes(ctx context.Context) error {
	if _, err := s.posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.staging.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return err
	}
	return nil
}

func (s *MongoDBStorage) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *MongoDBStorage) Stage(ctx context.Context, runID string, posts []models.Post) error {
	docs := make([]interface{}, 0, len(posts))
	for _, p := range posts {
		docs = append(docs, stagedDocument{RunID: runID, Post: p})
	}

	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.staging.DeleteMany(sc, bson.M{"run_id": runID}); err != nil {
			return fmt.Errorf("failed to truncate staging: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		if _, err := s.staging.InsertMany(sc, docs); err != nil {
			return fmt.Errorf("failed to load staging: %w", err)
		}
		return nil
	})
}

func (s *MongoDBStorage) Reconcile(ctx context.Context, runID string) error {
	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		cursor, err := s.staging.Find(sc, bson.M{"run_id": runID})
		if err != nil {
			return fmt.Errorf("failed to read staging: %w", err)
		}
		var staged []stagedDocument
		if err := cursor.All(sc, &staged); err != nil {
			return fmt.Errorf("failed to decode staging: %w", err)
		}
		if len(staged) == 0 {
			return nil
		}

		posts := make([]models.Post, 0, len(staged))
		for _, d := range staged {
			posts = append(posts, d.Post)
		}
		if _, err := s.posts.BulkWrite(sc, reconcileWriteModels(posts), options.BulkWrite().SetOrdered(true)); err != nil {
			return fmt.Errorf("failed to merge staging into posts: %w", err)
		}
		return nil
	})
}

// reconcileWriteModels builds one upsert per staged post. Fields refreshed on
// every merge go in $set; the rest are only written when the url is new.
func reconcileWriteModels(posts []models.Post) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(posts))
	for _, p := range posts {
		update := bson.M{
			"$set": bson.M{
				"score":     p.Score,
				"approved":  p.Approved,
				"added":     p.Added,
				"audio_url": p.AudioURL,
			},
			"$setOnInsert": bson.M{
				"title":        p.Title,
				"filename":     p.Filename,
				"source":       p.Source,
				"type":         p.Type,
				"last_updated": p.LastUpdated,
			},
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"url": p.URL}).
			SetUpdate(update).
			SetUpsert(true))
	}
	return writes
}

func (s *MongoDBStorage) ClearStaging(ctx context.Context, runID string) error {
	if _, err := s.staging.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}
	return nil
}

func (s *MongoDBStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	return s.findPosts(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "last_updated", Value: 1}, {Key: "url", Value: 1}}))
}

func (s *MongoDBStorage) GetApprovedImagePost(ctx context.Context) (*models.Post, error) {
	var p models.Post
	err := s.posts.FindOne(ctx, approvedImageFilter()).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find approved image post: %w", err)
	}
	return &p, nil
}

func (s *MongoDBStorage) ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error) {
	return s.findPosts(ctx, unapprovedImageFilter(), options.Find().SetSort(bson.D{{Key: "last_updated", Value: 1}, {Key: "url", Value: 1}}))
}

func approvedImageFilter() bson.M {
	return bson.M{"approved": true, "added": false, "type": models.MediaTypeImage}
}

// null matches both an explicit null and a missing field
func unapprovedImageFilter() bson.M {
	return bson.M{"approved": nil, "type": models.MediaTypeImage}
}

func (s *MongoDBStorage) findPosts(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Post, error) {
	cursor, err := s.posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	posts := []models.Post{}
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	return posts, nil
}

func (s *MongoDBStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

func (s *MongoDBStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *MongoDBStorage) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	err := s.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

func (s *MongoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	doc := statusDocument{ID: statusKey, IngestionStatus: status}
	_, err := s.status.ReplaceOne(ctx, bson.M{"_id": statusKey}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store ingestion status: %w", err)
	}
	return nil
}

func (s *MongoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	var doc statusDocument
	err := s.status.FindOne(ctx, bson.M{"_id": statusKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	return &doc.IngestionStatus, nil
}

func (s *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
