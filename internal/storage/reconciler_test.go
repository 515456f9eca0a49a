package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/media-ingestion-service/internal/models"
)

func newTestReconciler(store Storage) *Reconciler {
	r := NewReconciler(store)
	runs := 0
	r.newRunID = func() string {
		runs++
		return fmt.Sprintf("run-%d", runs)
	}
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func imagePost(url string, score int64) models.Post {
	return models.Post{
		Title:    "title " + url,
		URL:      url,
		Filename: models.StringPtr("abc.jpg"),
		Score:    score,
		Source:   models.StringPtr("memes"),
		Type:     models.TypePtr(models.MediaTypeImage),
		Added:    models.BoolPtr(false),
	}
}

func TestReconciler_InsertOnNoMatch(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)

	_, err := r.Upsert(context.Background(), []models.Post{{Title: "t", URL: "https://x/a.jpg", Score: 5}})
	require.NoError(t, err)

	posts, err := store.ListPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "https://x/a.jpg", posts[0].URL)
	assert.Equal(t, int64(5), posts[0].Score)
	assert.Equal(t, models.BoolPtr(false), posts[0].Added)
	assert.Nil(t, posts[0].Approved)
	assert.False(t, posts[0].LastUpdated.IsZero())
}

func TestReconciler_IdempotentReingestion(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)
	ctx := context.Background()

	batch := []models.Post{imagePost("https://x/a.jpg", 1), imagePost("https://x/b.png", 2)}

	_, err := r.Upsert(ctx, batch)
	require.NoError(t, err)
	once, err := store.ListPosts(ctx)
	require.NoError(t, err)

	_, err = r.Upsert(ctx, batch)
	require.NoError(t, err)
	twice, err := store.ListPosts(ctx)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Len(t, twice, 2)
}

func TestReconciler_MergeUpdatesOnlyVolatileFields(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)
	ctx := context.Background()

	original := imagePost("https://x/a.jpg", 10)
	original.LastUpdated = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := r.Upsert(ctx, []models.Post{original})
	require.NoError(t, err)

	rescraped := models.Post{
		Title:       "a different title",
		URL:         "https://x/a.jpg",
		AudioURL:    models.StringPtr("https://x/a.mp3"),
		Filename:    models.StringPtr("zzz.png"),
		Score:       99,
		Source:      models.StringPtr("funny"),
		Type:        models.TypePtr(models.MediaTypeGIF),
		Added:       models.BoolPtr(true),
		Approved:    models.BoolPtr(true),
		LastUpdated: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err = r.Upsert(ctx, []models.Post{rescraped})
	require.NoError(t, err)

	posts, err := store.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	got := posts[0]

	// refreshed from staging
	assert.Equal(t, int64(99), got.Score)
	assert.Equal(t, models.BoolPtr(true), got.Approved)
	assert.Equal(t, models.BoolPtr(true), got.Added)
	assert.Equal(t, models.StringPtr("https://x/a.mp3"), got.AudioURL)

	// untouched
	assert.Equal(t, original.Title, got.Title)
	assert.Equal(t, original.Filename, got.Filename)
	assert.Equal(t, original.Source, got.Source)
	assert.Equal(t, original.Type, got.Type)
	assert.Equal(t, original.LastUpdated, got.LastUpdated)
}

func TestReconciler_MergeOverwritesApprovedWithNull(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)
	ctx := context.Background()

	approved := imagePost("https://x/a.jpg", 1)
	approved.Approved = models.BoolPtr(true)
	_, err := r.Upsert(ctx, []models.Post{approved})
	require.NoError(t, err)

	restaged := imagePost("https://x/a.jpg", 2)
	restaged.Approved = nil
	_, err = r.Upsert(ctx, []models.Post{restaged})
	require.NoError(t, err)

	posts, err := store.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Nil(t, posts[0].Approved)
}

func TestReconciler_BatchAtomicity(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.Upsert(ctx, []models.Post{imagePost("https://x/existing.jpg", 1)})
	require.NoError(t, err)
	before, err := store.ListPosts(ctx)
	require.NoError(t, err)

	store.FailReconcileAfter(2)
	runID, err := r.Upsert(ctx, []models.Post{
		imagePost("https://x/existing.jpg", 50),
		imagePost("https://x/new1.jpg", 1),
		imagePost("https://x/new2.jpg", 1),
		imagePost("https://x/new3.jpg", 1),
	})

	var reconcileErr *ReconcileError
	require.ErrorAs(t, err, &reconcileErr)
	assert.Equal(t, runID, reconcileErr.RunID)

	after, err := store.ListPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// staging survives the failure and the merge can be retried
	assert.Equal(t, []string{runID}, store.StagedRuns())
	store.FailReconcileAfter(-1)
	require.NoError(t, r.Retry(ctx, runID))

	after, err = store.ListPosts(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 4)
	assert.Empty(t, store.StagedRuns())
}

func TestReconciler_DedupesByURL(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)

	_, err := r.Upsert(context.Background(), []models.Post{
		imagePost("https://x/a.jpg", 1),
		imagePost("https://x/b.jpg", 2),
		imagePost("https://x/a.jpg", 3),
	})
	require.NoError(t, err)

	posts, err := store.ListPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "https://x/a.jpg", posts[0].URL)
	assert.Equal(t, int64(3), posts[0].Score)
}

func TestReconciler_EmptyBatchIsNoop(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)

	runID, err := r.Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Empty(t, store.StagedRuns())
}

type failingStageStore struct {
	*MemoryStorage
}

func (failingStageStore) Stage(ctx context.Context, runID string, posts []models.Post) error {
	return errors.New("store unavailable")
}

func TestReconciler_StagingFailureLeavesStoreUntouched(t *testing.T) {
	mem := NewMemoryStorage(nil)
	r := newTestReconciler(failingStageStore{mem})

	_, err := r.Upsert(context.Background(), []models.Post{imagePost("https://x/a.jpg", 1)})

	var stageErr *StagingWriteError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "run-1", stageErr.RunID)

	posts, err := mem.ListPosts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestReconciler_DoesNotMutateInput(t *testing.T) {
	store := NewMemoryStorage(nil)
	r := newTestReconciler(store)

	in := []models.Post{{Title: "t", URL: "https://x/a.jpg", Score: 1}}
	_, err := r.Upsert(context.Background(), in)
	require.NoError(t, err)

	assert.Nil(t, in[0].Added)
	assert.True(t, in[0].LastUpdated.IsZero())
}
