package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/logging"
	"github.com/cyderes/media-ingestion-service/internal/metrics"
	"github.com/cyderes/media-ingestion-service/internal/models"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

var (
	// ErrIngestionInProgress is returned when a run is already active in this process
	ErrIngestionInProgress = errors.New("ingestion already in progress")

	// ErrAllSourcesFailed is returned when no configured source could be read
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// RunReport summarizes one ingestion run
type RunReport struct {
	RunID         string
	Fetched       int
	Classified    int
	FailedSources []*SourceFetchError
}

// Service scrapes the configured sources and upserts what it classifies
type Service struct {
	config     config.IngestionConfig
	storage    storage.Storage
	reconciler *storage.Reconciler
	source     Source
	mu         sync.Mutex
	now        func() time.Time
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, store storage.Storage, reconciler *storage.Reconciler, source Source) *Service {
	return &Service{
		config:     cfg,
		storage:    store,
		reconciler: reconciler,
		source:     source,
		now:        time.Now,
	}
}

// Start begins the ingestion process
func (s *Service) Start(ctx context.Context) error {
	// Perform initial ingestion
	if _, err := s.IngestData(ctx); err != nil {
		logging.Error().Err(err).Msg("Initial ingestion failed")
	}

	// Set up periodic ingestion
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.IngestData(ctx); err != nil {
				// Log error but don't stop the service
				logging.Error().Err(err).Msg("Ingestion error")
			}
		}
	}
}

// IngestData fetches every configured source, classifies the results and
// upserts them as one batch. A failing source is skipped and reported; the
// run only fails when no source could be read or the upsert fails.
func (s *Service) IngestData(ctx context.Context) (*RunReport, error) {
	if !s.mu.TryLock() {
		return nil, ErrIngestionInProgress
	}
	defer s.mu.Unlock()
	return s.run(ctx)
}

// Trigger starts a run in the background and returns once it has claimed
// the run lock
func (s *Service) Trigger(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrIngestionInProgress
	}
	go func() {
		defer s.mu.Unlock()
		if _, err := s.run(ctx); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Triggered ingestion failed")
		}
	}()
	return nil
}

func (s *Service) run(ctx context.Context) (*RunReport, error) {
	started := s.now().UTC()
	status := s.beginStatus(ctx, started)
	report := &RunReport{}

	var posts []models.Post
	for _, src := range s.config.Sources {
		raws, err := s.source.FetchTop(ctx, src.Name, src.Count)
		if err != nil {
			metrics.SourceFailures.WithLabelValues(src.Name).Inc()
			logging.Ctx(ctx).Warn().Err(err).Str("source", src.Name).Msg("Skipping source")
			report.FailedSources = append(report.FailedSources, &SourceFetchError{Source: src.Name, Err: err})
			continue
		}

		classified := Normalize(raws, started)
		report.Fetched += len(raws)
		report.Classified += len(classified)
		posts = append(posts, classified...)

		logging.Ctx(ctx).Info().
			Str("source", src.Name).
			Int("fetched", len(raws)).
			Int("classified", len(classified)).
			Msg("Fetched source")
	}

	if len(s.config.Sources) > 0 && len(report.FailedSources) == len(s.config.Sources) {
		err := ErrAllSourcesFailed
		s.finishStatus(ctx, status, report, err)
		return report, err
	}

	runID, err := s.reconciler.Upsert(ctx, posts)
	report.RunID = runID
	if err != nil {
		err = fmt.Errorf("failed to store posts: %w", err)
		s.finishStatus(ctx, status, report, err)
		return report, err
	}

	s.finishStatus(ctx, status, report, nil)
	logging.Ctx(ctx).Info().
		Str("run_id", runID).
		Int("posts", report.Classified).
		Int("failed_sources", len(report.FailedSources)).
		Msg("Ingestion run complete")
	return report, nil
}

func (s *Service) beginStatus(ctx context.Context, started time.Time) models.IngestionStatus {
	status := models.IngestionStatus{}
	if prev, err := s.storage.GetIngestionStatus(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to read ingestion status")
	} else if prev != nil {
		status = *prev
	}

	status.RunID = ""
	status.LastAttempt = started
	status.Status = models.StatusRunning
	status.ErrorMessage = ""
	status.RecordsIngested = 0
	status.FailedSources = nil
	s.writeStatus(ctx, status)
	return status
}

func (s *Service) finishStatus(ctx context.Context, status models.IngestionStatus, report *RunReport, runErr error) {
	status.RunID = report.RunID

	if len(report.FailedSources) > 0 {
		status.FailedSources = make(map[string]string, len(report.FailedSources))
		msgs := make([]string, 0, len(report.FailedSources))
		for _, f := range report.FailedSources {
			status.FailedSources[f.Source] = f.Err.Error()
			msgs = append(msgs, f.Error())
		}
		status.ErrorMessage = strings.Join(msgs, "; ")
	}

	switch {
	case runErr != nil:
		status.Status = models.StatusFailure
		status.ErrorMessage = runErr.Error()
	case len(report.FailedSources) > 0:
		status.Status = models.StatusPartial
		status.RecordsIngested = report.Classified
		status.LastSuccessfulRun = status.LastAttempt
	default:
		status.Status = models.StatusSuccess
		status.RecordsIngested = report.Classified
		status.LastSuccessfulRun = status.LastAttempt
	}

	metrics.IngestionRuns.WithLabelValues(status.Status).Inc()
	// the run may have been cancelled; the outcome is still recorded
	s.writeStatus(context.WithoutCancel(ctx), status)
}

func (s *Service) writeStatus(ctx context.Context, status models.IngestionStatus) {
	if err := s.storage.UpdateIngestionStatus(ctx, status); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("status", status.Status).Msg("Failed to update ingestion status")
	}
}
