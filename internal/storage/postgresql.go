package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS posts (
  url          TEXT PRIMARY KEY,
  title        TEXT NOT NULL,
  audio_url    TEXT,
  filename     TEXT,
  score        BIGINT NOT NULL,
  source       TEXT,
  type         TEXT CHECK (type IN ('image', 'gif', 'video')),
  added        BOOLEAN DEFAULT FALSE,
  approved     BOOLEAN,
  last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS posts_staging (
  run_id       TEXT NOT NULL,
  url          TEXT NOT NULL,
  title        TEXT NOT NULL,
  audio_url    TEXT,
  filename     TEXT,
  score        BIGINT NOT NULL,
  source       TEXT,
  type         TEXT,
  added        BOOLEAN,
  approved     BOOLEAN,
  last_updated TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (run_id, url)
);
CREATE INDEX IF NOT EXISTS idx_posts_moderation ON posts (type, approved, added);
CREATE TABLE IF NOT EXISTS users (
  username        TEXT PRIMARY KEY,
  email           TEXT NOT NULL UNIQUE,
  hashed_password TEXT NOT NULL,
  disabled        BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS ingestion_status (
  id  TEXT PRIMARY KEY,
  doc JSONB NOT NULL
);
`

const postColumns = "title, url, audio_url, filename, score, source, type, added, approved, last_updated"

const reconcileQuery = `
INSERT INTO posts (` + postColumns + `)
SELECT ` + postColumns + `
FROM posts_staging
WHERE run_id = $1
ON CONFLICT (url) DO UPDATE SET
  score = EXCLUDED.score,
  approved = EXCLUDED.approved,
  added = EXCLUDED.added,
  audio_url = EXCLUDED.audio_url`

const statusKey = "ingestion_status"

// PostgreSQLStorage implements Storage on PostgreSQL through lib/pq
type PostgreSQLStorage struct {
	db *sql.DB
}

// NewPostgreSQLStorage connects to PostgreSQL and creates the schema if needed
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgreSQLStorage{db: db}, nil
}

// Stage deletes runID's staging rows and bulk loads posts in one transaction
func (s *PostgreSQLStorage) Stage(ctx context.Context, runID string, posts []models.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts_staging WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to truncate staging: %w", err)
	}

	columns := append([]string{"run_id"}, models.Columns...)
	columns = append(columns, "last_updated")
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("posts_staging", columns...))
	if err != nil {
		return fmt.Errorf("failed to prepare staging load: %w", err)
	}

	for _, p := range posts {
		if _, err := stmt.ExecContext(ctx,
			runID, p.Title, p.URL, p.AudioURL, p.Filename, p.Score,
			p.Source, typeValue(p.Type), p.Added, p.Approved, p.LastUpdated,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to stage post %s: %w", p.URL, err)
		}
	}

	// flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush staging load: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close staging load: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staging: %w", err)
	}
	return nil
}

// Reconcile runs the merge as a single INSERT ... ON CONFLICT statement
func (s *PostgreSQLStorage) Reconcile(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, reconcileQuery, runID); err != nil {
		return fmt.Errorf("failed to merge staging into posts: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) ClearStaging(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts_staging WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) ListPosts(ctx context.Context) ([]models.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts ORDER BY last_updated, url`)
}

func (s *PostgreSQLStorage) GetApprovedImagePost(ctx context.Context) (*models.Post, error) {
	posts, err := s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts
WHERE approved IS TRUE AND added IS FALSE AND type = 'image'
LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

func (s *PostgreSQLStorage) ListUnapprovedImagePosts(ctx context.Context) ([]models.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM posts
WHERE approved IS NULL AND type = 'image'
ORDER BY last_updated, url`)
}

func (s *PostgreSQLStorage) queryPosts(ctx context.Context, query string, args ...interface{}) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		var (
			p                          models.Post
			audioURL, filename, source sql.NullString
			mediaType                  sql.NullString
			added, approved            sql.NullBool
		)
		if err := rows.Scan(&p.Title, &p.URL, &audioURL, &filename, &p.Score,
			&source, &mediaType, &added, &approved, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		p.AudioURL = nullString(audioURL)
		p.Filename = nullString(filename)
		p.Source = nullString(source)
		if mediaType.Valid {
			p.Type = models.TypePtr(models.MediaType(mediaType.String))
		}
		p.Added = nullBool(added)
		p.Approved = nullBool(approved)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}
	return posts, nil
}

func (s *PostgreSQLStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.queryUser(ctx, "username", username)
}

func (s *PostgreSQLStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.queryUser(ctx, "email", email)
}

// column is one of the two fixed lookup columns, never caller input
func (s *PostgreSQLStorage) queryUser(ctx context.Context, column, value string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT username, email, hashed_password, disabled FROM users WHERE %s = $1`, column)

	var u models.User
	err := s.db.QueryRowContext(ctx, query, value).Scan(&u.Username, &u.Email, &u.HashedPassword, &u.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by %s: %w", column, err)
	}
	return &u, nil
}

func (s *PostgreSQLStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ingestion_status (id, doc) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, statusKey, doc)
	if err != nil {
		return fmt.Errorf("failed to store ingestion status: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM ingestion_status WHERE id = $1`, statusKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}

	var status models.IngestionStatus
	if err := json.Unmarshal(doc, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}
	return &status, nil
}

func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

func typeValue(t *models.MediaType) interface{} {
	if t == nil {
		return nil
	}
	return strings.ToLower(string(*t))
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	return &v.Bool
}
