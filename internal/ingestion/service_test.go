package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/models"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

// MockStorage is a mock implementation of the Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Stage(ctx context.Context, runID string, posts []models.Post) error {
	args := m.Called(ctx, runID, posts)
	return args.Error(0)
}

func (m *MockStorage) Reconcile(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockStorage) ClearStaging(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Post), args.Error(1)
}

func (m *MockStorage) GetApprovedImagePost(ctx context.Context) (*models.Post, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.Post), args.Error(1)
}

func (m *MockStorage) ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Post), args.Error(1)
}

func (m *MockStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *MockStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.IngestionStatus), args.Error(1)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordedStatuses returns every status written, in order
func (m *MockStorage) recordedStatuses() []models.IngestionStatus {
	var out []models.IngestionStatus
	for _, c := range m.Calls {
		if c.Method == "UpdateIngestionStatus" {
			out = append(out, c.Arguments.Get(1).(models.IngestionStatus))
		}
	}
	return out
}

// MockSource is a mock implementation of the Source interface
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) FetchTop(ctx context.Context, name string, count int) ([]models.RawPost, error) {
	args := m.Called(ctx, name, count)
	posts, _ := args.Get(0).([]models.RawPost)
	return posts, args.Error(1)
}

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestService(store storage.Storage, source Source, sources ...config.SourceConfig) *Service {
	cfg := config.IngestionConfig{
		Sources:    sources,
		Interval:   time.Hour,
		Timeout:    30 * time.Second,
		RetryCount: 3,
	}
	svc := NewService(cfg, store, storage.NewReconciler(store), source)
	svc.now = func() time.Time { return testNow }
	return svc
}

func expectStatusCalls(m *MockStorage) {
	m.On("GetIngestionStatus", mock.Anything).Return(&models.IngestionStatus{Status: models.StatusNeverRun}, nil)
	m.On("UpdateIngestionStatus", mock.Anything, mock.Anything).Return(nil)
}

func TestService_IngestData(t *testing.T) {
	mockStorage := new(MockStorage)
	mockSource := new(MockSource)
	expectStatusCalls(mockStorage)

	mockSource.On("FetchTop", mock.Anything, "memes", 2).Return([]models.RawPost{
		{Title: "img", URL: "https://i.redd.it/a.jpg", Score: 10, Source: "memes"},
		{Title: "text", URL: "https://www.reddit.com/r/memes/comments/x", Score: 3, Source: "memes"},
	}, nil)
	mockSource.On("FetchTop", mock.Anything, "funny", 1).Return([]models.RawPost{
		{Title: "gif", URL: "https://i.redd.it/b.gif", Score: 4, Source: "funny"},
	}, nil)

	var staged []models.Post
	mockStorage.On("Stage", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { staged = args.Get(2).([]models.Post) }).
		Return(nil)
	mockStorage.On("Reconcile", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	mockStorage.On("ClearStaging", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	service := newTestService(mockStorage, mockSource,
		config.SourceConfig{Name: "memes", Count: 2},
		config.SourceConfig{Name: "funny", Count: 1},
	)

	report, err := service.IngestData(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Classified)
	assert.Empty(t, report.FailedSources)

	require.Len(t, staged, 2)
	assert.Equal(t, "https://i.redd.it/a.jpg", staged[0].URL)
	assert.Equal(t, models.MediaTypeGIF, *staged[1].Type)

	statuses := mockStorage.recordedStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusRunning, statuses[0].Status)
	assert.Equal(t, models.StatusSuccess, statuses[1].Status)
	assert.Equal(t, 2, statuses[1].RecordsIngested)
	assert.Equal(t, report.RunID, statuses[1].RunID)
	assert.Equal(t, testNow, statuses[1].LastSuccessfulRun)

	mockStorage.AssertExpectations(t)
	mockSource.AssertExpectations(t)
}

func TestService_IngestData_SourceFailureIsIsolated(t *testing.T) {
	mockStorage := new(MockStorage)
	mockSource := new(MockSource)
	expectStatusCalls(mockStorage)

	mockSource.On("FetchTop", mock.Anything, "memes", 5).Return(nil, errors.New("API returned status 503"))
	mockSource.On("FetchTop", mock.Anything, "funny", 5).Return([]models.RawPost{
		{Title: "img", URL: "https://i.redd.it/a.png", Score: 1, Source: "funny"},
	}, nil)
	mockStorage.On("Stage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockStorage.On("Reconcile", mock.Anything, mock.Anything).Return(nil)
	mockStorage.On("ClearStaging", mock.Anything, mock.Anything).Return(nil)

	service := newTestService(mockStorage, mockSource,
		config.SourceConfig{Name: "memes", Count: 5},
		config.SourceConfig{Name: "funny", Count: 5},
	)

	report, err := service.IngestData(context.Background())

	require.NoError(t, err)
	require.Len(t, report.FailedSources, 1)
	assert.Equal(t, "memes", report.FailedSources[0].Source)
	assert.Equal(t, 1, report.Classified)

	statuses := mockStorage.recordedStatuses()
	final := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusPartial, final.Status)
	assert.Contains(t, final.FailedSources, "memes")
	assert.Contains(t, final.ErrorMessage, "memes")
}

func TestService_IngestData_AllSourcesFail(t *testing.T) {
	mockStorage := new(MockStorage)
	mockSource := new(MockSource)
	expectStatusCalls(mockStorage)

	mockSource.On("FetchTop", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	service := newTestService(mockStorage, mockSource,
		config.SourceConfig{Name: "memes", Count: 5},
		config.SourceConfig{Name: "funny", Count: 5},
	)

	report, err := service.IngestData(context.Background())

	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Len(t, report.FailedSources, 2)
	mockStorage.AssertNotCalled(t, "Stage", mock.Anything, mock.Anything, mock.Anything)

	statuses := mockStorage.recordedStatuses()
	final := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusFailure, final.Status)
	assert.True(t, final.LastSuccessfulRun.IsZero())
}

func TestService_IngestData_ReconcileFailure(t *testing.T) {
	mockStorage := new(MockStorage)
	mockSource := new(MockSource)
	expectStatusCalls(mockStorage)

	mockSource.On("FetchTop", mock.Anything, "memes", 1).Return([]models.RawPost{
		{Title: "img", URL: "https://i.redd.it/a.jpg", Score: 1, Source: "memes"},
	}, nil)
	mockStorage.On("Stage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockStorage.On("Reconcile", mock.Anything, mock.Anything).Return(errors.New("deadlock detected"))

	service := newTestService(mockStorage, mockSource, config.SourceConfig{Name: "memes", Count: 1})

	report, err := service.IngestData(context.Background())

	var reconcileErr *storage.ReconcileError
	require.ErrorAs(t, err, &reconcileErr)
	assert.Equal(t, report.RunID, reconcileErr.RunID)
	mockStorage.AssertNotCalled(t, "ClearStaging", mock.Anything, mock.Anything)

	statuses := mockStorage.recordedStatuses()
	final := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "deadlock detected")
}

func TestService_IngestData_NothingClassified(t *testing.T) {
	mockStorage := new(MockStorage)
	mockSource := new(MockSource)
	expectStatusCalls(mockStorage)

	mockSource.On("FetchTop", mock.Anything, "memes", 1).Return([]models.RawPost{
		{Title: "text", URL: "https://www.reddit.com/r/memes/comments/x"},
	}, nil)

	service := newTestService(mockStorage, mockSource, config.SourceConfig{Name: "memes", Count: 1})

	report, err := service.IngestData(context.Background())

	require.NoError(t, err)
	assert.Empty(t, report.RunID)
	mockStorage.AssertNotCalled(t, "Stage", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_IngestData_RunInProgress(t *testing.T) {
	service := newTestService(new(MockStorage), new(MockSource))

	service.mu.Lock()
	defer service.mu.Unlock()

	_, err := service.IngestData(context.Background())
	assert.ErrorIs(t, err, ErrIngestionInProgress)
}

func TestService_IngestData_EndToEndWithMemoryStorage(t *testing.T) {
	store := storage.NewMemoryStorage(nil)
	mockSource := new(MockSource)
	mockSource.On("FetchTop", mock.Anything, "memes", 3).Return([]models.RawPost{
		{Title: "img", URL: "https://i.redd.it/a.jpg", Score: 10, Source: "memes"},
		{Title: "vid", URL: "https://v.redd.it/v", MediaFallbackURL: "https://v.redd.it/v/DASH_720.mp4", Score: 2, Source: "memes"},
		{Title: "gif", URL: "https://i.redd.it/c.gif", Score: 1, Source: "memes"},
	}, nil)

	service := newTestService(store, mockSource, config.SourceConfig{Name: "memes", Count: 3})

	_, err := service.IngestData(context.Background())
	require.NoError(t, err)
	_, err = service.IngestData(context.Background())
	require.NoError(t, err)

	posts, err := store.ListPosts(context.Background())
	require.NoError(t, err)
	assert.Len(t, posts, 3)

	unapproved, err := store.ListUnapprovedImagePosts(context.Background())
	require.NoError(t, err)
	require.Len(t, unapproved, 1)
	assert.Equal(t, "https://i.redd.it/a.jpg", unapproved[0].URL)

	status, err := store.GetIngestionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, status.Status)
	assert.Equal(t, 3, status.RecordsIngested)
	assert.Empty(t, store.StagedRuns())
}

func TestService_StartStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStorage(nil)
	mockSource := new(MockSource)
	mockSource.On("FetchTop", mock.Anything, "memes", 1).Return([]models.RawPost{}, nil)

	service := newTestService(store, mockSource, config.SourceConfig{Name: "memes", Count: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()

	require.Eventually(t, func() bool {
		status, err := store.GetIngestionStatus(context.Background())
		return err == nil && status.Status == models.StatusSuccess
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestService_Trigger(t *testing.T) {
	store := storage.NewMemoryStorage(nil)
	mockSource := new(MockSource)
	release := make(chan time.Time)
	mockSource.On("FetchTop", mock.Anything, "memes", 1).
		WaitUntil(release).
		Return([]models.RawPost{{Title: "img", URL: "https://i.redd.it/a.jpg", Score: 1}}, nil)

	service := newTestService(store, mockSource, config.SourceConfig{Name: "memes", Count: 1})

	require.NoError(t, service.Trigger(context.Background()))
	assert.ErrorIs(t, service.Trigger(context.Background()), ErrIngestionInProgress)

	close(release)
	require.Eventually(t, func() bool {
		status, err := store.GetIngestionStatus(context.Background())
		return err == nil && status.Status == models.StatusSuccess
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return service.Trigger(context.Background()) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestService_IngestData_FailingSubredditsDoNotBlockOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/good/top" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, listingJSON(0, 3, ""))
	}))
	defer server.Close()

	store := storage.NewMemoryStorage(nil)
	service := newTestService(store, newTestRedditSource(server.URL),
		config.SourceConfig{Name: "bad1", Count: 3},
		config.SourceConfig{Name: "bad2", Count: 3},
		config.SourceConfig{Name: "good", Count: 3},
	)

	report, err := service.IngestData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	require.Len(t, report.FailedSources, 2)
	assert.Equal(t, "bad1", report.FailedSources[0].Source)
	assert.Equal(t, "bad2", report.FailedSources[1].Source)

	posts, err := store.ListPosts(context.Background())
	require.NoError(t, err)
	assert.Len(t, posts, 3)

	status, err := store.GetIngestionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, status.Status)
}
