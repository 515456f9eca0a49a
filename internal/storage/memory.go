package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cyderes/media-ingestion-service/internal/models"
)

// errInjected is returned when a fault hook aborts a memory reconcile
var errInjected = errors.New("injected reconcile failure")

// MemoryStorage keeps everything in process memory. It backs local runs and
// tests and honours the same merge and atomicity rules as the real stores.
type MemoryStorage struct {
	mu      sync.RWMutex
	posts   map[string]models.Post
	order   []string
	staging map[string][]models.Post
	users   []models.User
	status  *models.IngestionStatus

	// failAfter aborts Reconcile after that many rows have been merged.
	// Negative disables the hook.
	failAfter int
}

// NewMemoryStorage creates an empty store holding users
func NewMemoryStorage(users []models.User) *MemoryStorage {
	return &MemoryStorage{
		posts:     make(map[string]models.Post),
		staging:   make(map[string][]models.Post),
		users:     append([]models.User(nil), users...),
		failAfter: -1,
	}
}

// FailReconcileAfter makes the next reconciles fail after n rows have been
// applied to the working copy. Pass a negative n to disable.
func (m *MemoryStorage) FailReconcileAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

func (m *MemoryStorage) Stage(ctx context.Context, runID string, posts []models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staging[runID] = append([]models.Post(nil), posts...)
	return nil
}

func (m *MemoryStorage) Reconcile(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.staging[runID]

	// Merge into a working copy and swap it in only when every row applied.
	working := make(map[string]models.Post, len(m.posts)+len(staged))
	for k, v := range m.posts {
		working[k] = v
	}
	order := append([]string(nil), m.order...)

	for i, p := range staged {
		if m.failAfter >= 0 && i >= m.failAfter {
			return errInjected
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if existing, ok := working[p.URL]; ok {
			working[p.URL] = mergePost(&existing, p)
			continue
		}
		working[p.URL] = mergePost(nil, p)
		order = append(order, p.URL)
	}

	m.posts = working
	m.order = order
	return nil
}

func (m *MemoryStorage) ClearStaging(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staging, runID)
	return nil
}

// StagedRuns returns the run ids that still hold staged rows
func (m *MemoryStorage) StagedRuns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]string, 0, len(m.staging))
	for id := range m.staging {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs
}

func (m *MemoryStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	return m.filter(func(models.Post) bool { return true }), nil
}

func (m *MemoryStorage) GetApprovedImagePost(ctx context.Context) (*models.Post, error) {
	posts := m.filter(func(p models.Post) bool {
		return isTrue(p.Approved) && isFalse(p.Added) && isImage(p.Type)
	})
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

func (m *MemoryStorage) ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error) {
	return m.filter(func(p models.Post) bool {
		return p.Approved == nil && isImage(p.Type)
	}), nil
}

func (m *MemoryStorage) filter(keep func(models.Post) bool) []models.Post {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Post, 0, len(m.order))
	for _, url := range m.order {
		if p := m.posts[url]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemoryStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.findUser(func(u models.User) bool { return u.Username == username })
}

func (m *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.findUser(func(u models.User) bool { return u.Email == email })
}

func (m *MemoryStorage) findUser(match func(models.User) bool) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &status
	return nil
}

func (m *MemoryStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}
	status := *m.status
	return &status, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }

func isImage(t *models.MediaType) bool {
	return t != nil && *t == models.MediaTypeImage
}
