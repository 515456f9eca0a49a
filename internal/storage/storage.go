package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

var (
	// ErrNotFound is returned when a looked up record does not exist
	ErrNotFound = errors.New("not found")

	// ErrBatchTooLarge is returned by backends whose atomic write is bounded
	ErrBatchTooLarge = errors.New("batch exceeds atomic write limit")
)

// Storage is the contract every backend implements: a per-run staging area,
// an atomic merge of staging into the durable posts store, and the read
// queries used by moderators.
type Storage interface {
	// Stage replaces the staging contents of runID with posts
	Stage(ctx context.Context, runID string, posts []models.Post) error
	// Reconcile merges runID's staging rows into posts keyed by url.
	// New urls are inserted whole; existing urls get score, approved, added
	// and audio_url from staging. The merge is all-or-nothing.
	Reconcile(ctx context.Context, runID string) error
	// ClearStaging drops runID's staging rows
	ClearStaging(ctx context.Context, runID string) error

	ListPosts(ctx context.Context) ([]models.Post, error)
	// GetApprovedImagePost returns any approved, not yet added image post,
	// or ErrNotFound
	GetApprovedImagePost(ctx context.Context) (*models.Post, error)
	ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error)

	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)

	Close() error
}

// NewStorage creates a new storage instance based on configuration. seedUsers
// are only loaded by the memory backend; the other backends read users
// provisioned in their own tables.
func NewStorage(ctx context.Context, cfg config.StorageConfig, seedUsers []models.User) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(seedUsers), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// StagingWriteError is returned when loading a batch into staging fails.
// The durable store has not been touched.
type StagingWriteError struct {
	RunID string
	Err   error
}

func (e *StagingWriteError) Error() string {
	return fmt.Sprintf("failed to stage run %s: %v", e.RunID, e.Err)
}

func (e *StagingWriteError) Unwrap() error { return e.Err }

// ReconcileError is returned when merging staging into the durable store
// fails. Staging for RunID is still populated and the merge can be retried.
type ReconcileError struct {
	RunID string
	Err   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("failed to reconcile run %s: %v", e.RunID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// mergePost applies one staged row to the stored row for the same url.
// existing is nil when the url is new.
func mergePost(existing *models.Post, staged models.Post) models.Post {
	if existing == nil {
		return staged
	}
	merged := *existing
	merged.Score = staged.Score
	merged.Approved = staged.Approved
	merged.Added = staged.Added
	merged.AudioURL = staged.AudioURL
	return merged
}
