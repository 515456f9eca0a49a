package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cyderes/media-ingestion-service/internal/logging"
	"github.com/cyderes/media-ingestion-service/internal/metrics"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

// Reconciler runs stage followed by reconcile as one unit of work. Every
// Upsert gets its own staging namespace, so concurrent upserts never see
// each other's staged rows.
type Reconciler struct {
	store    Storage
	newRunID func() string
	now      func() time.Time
}

// NewReconciler creates a reconciler over store
func NewReconciler(store Storage) *Reconciler {
	return &Reconciler{
		store:    store,
		newRunID: func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// Upsert stages posts under a fresh run id and merges them into the durable
// store. On a ReconcileError the staged rows are kept so Retry can finish
// the merge.
func (r *Reconciler) Upsert(ctx context.Context, posts []models.Post) (string, error) {
	if len(posts) == 0 {
		return "", nil
	}

	runID := r.newRunID()
	batch := r.prepareBatch(posts)
	start := time.Now()

	if err := r.store.Stage(ctx, runID, batch); err != nil {
		metrics.ReconcileDuration.WithLabelValues("stage_failed").Observe(time.Since(start).Seconds())
		return runID, &StagingWriteError{RunID: runID, Err: err}
	}
	metrics.PostsStaged.Add(float64(len(batch)))

	if err := r.reconcile(ctx, runID); err != nil {
		metrics.ReconcileDuration.WithLabelValues("reconcile_failed").Observe(time.Since(start).Seconds())
		return runID, err
	}
	metrics.ReconcileDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())

	logging.Ctx(ctx).Info().
		Str("run_id", runID).
		Int("posts", len(batch)).
		Dur("elapsed", time.Since(start)).
		Msg("Reconciled staged posts")
	return runID, nil
}

// Retry re-runs the merge for a run whose staging is still populated
func (r *Reconciler) Retry(ctx context.Context, runID string) error {
	return r.reconcile(ctx, runID)
}

func (r *Reconciler) reconcile(ctx context.Context, runID string) error {
	if err := r.store.Reconcile(ctx, runID); err != nil {
		return &ReconcileError{RunID: runID, Err: err}
	}
	if err := r.store.ClearStaging(ctx, runID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("Failed to clear staging")
	}
	return nil
}

// prepareBatch dedupes by url, keeping the last occurrence in the slot of
// the first, and fills in defaults for unset fields. posts is not modified.
func (r *Reconciler) prepareBatch(posts []models.Post) []models.Post {
	now := r.now().UTC()
	index := make(map[string]int, len(posts))
	out := make([]models.Post, 0, len(posts))

	for _, p := range posts {
		if p.Added == nil {
			p.Added = models.BoolPtr(false)
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = now
		}
		if i, ok := index[p.URL]; ok {
			out[i] = p
			continue
		}
		index[p.URL] = len(out)
		out = append(out, p)
	}
	return out
}
