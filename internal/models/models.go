package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MediaType is the media bucket a post was classified into
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeGIF   MediaType = "gif"
	MediaTypeVideo MediaType = "video"
)

// Valid reports whether t is one of the known media types
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeImage, MediaTypeGIF, MediaTypeVideo:
		return true
	}
	return false
}

// Columns is the fixed column order of a staged post row
var Columns = []string{
	"title",
	"url",
	"audio_url",
	"filename",
	"score",
	"source",
	"type",
	"added",
	"approved",
}

// Post is a candidate or stored media item, keyed by URL.
// Optional columns are pointers so that null survives every backend and
// serializes as JSON null.
type Post struct {
	Title       string     `json:"title" bson:"title" dynamodbav:"title"`
	URL         string     `json:"url" bson:"url" dynamodbav:"url"`
	AudioURL    *string    `json:"audio_url" bson:"audio_url" dynamodbav:"audio_url"`
	Filename    *string    `json:"filename" bson:"filename" dynamodbav:"filename"`
	Score       int64      `json:"score" bson:"score" dynamodbav:"score"`
	Source      *string    `json:"source" bson:"source" dynamodbav:"source"`
	Type        *MediaType `json:"type" bson:"type" dynamodbav:"type"`
	Added       *bool      `json:"added" bson:"added" dynamodbav:"added"`
	Approved    *bool      `json:"approved" bson:"approved" dynamodbav:"approved"`
	LastUpdated time.Time  `json:"last_updated" bson:"last_updated" dynamodbav:"last_updated"`
}

// RawPost is an unclassified candidate record as returned by a content source
type RawPost struct {
	Title            string
	URL              string
	Score            int64
	Source           string
	MediaFallbackURL string
}

// PostInput is the request payload for a single post pushed through the API
type PostInput struct {
	Title    *string `json:"title" validate:"required"`
	URL      *string `json:"url" validate:"required,min=1"`
	AudioURL *string `json:"audio_url"`
	Filename *string `json:"filename"`
	Score    *int64  `json:"score"`
	Source   *string `json:"source"`
	Type     *string `json:"type" validate:"omitempty,oneof=image gif video"`
	Added    *bool   `json:"added"`
	Approved *bool   `json:"approved"`
}

// ToPost converts a validated payload into a Post
func (in PostInput) ToPost() Post {
	p := Post{
		AudioURL: in.AudioURL,
		Filename: in.Filename,
		Source:   in.Source,
		Added:    in.Added,
		Approved: in.Approved,
	}
	if in.Title != nil {
		p.Title = *in.Title
	}
	if in.URL != nil {
		p.URL = *in.URL
	}
	if in.Score != nil {
		p.Score = *in.Score
	}
	if in.Type != nil {
		t := MediaType(*in.Type)
		p.Type = &t
	}
	return p
}

// ValidationError reports a malformed post payload
type ValidationError struct {
	Index  int
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid post at index %d: %s", e.Index, strings.Join(e.Fields, "; "))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePosts validates every payload and converts the batch to posts.
// The first invalid payload aborts the whole batch.
func ValidatePosts(inputs []PostInput) ([]Post, error) {
	posts := make([]Post, 0, len(inputs))
	for i, in := range inputs {
		// required on a pointer would also reject a zero score
		if in.Score == nil {
			return nil, &ValidationError{Index: i, Fields: []string{"score failed on 'required'"}}
		}
		if err := validate.Struct(in); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				fields := make([]string, 0, len(fieldErrs))
				for _, fe := range fieldErrs {
					fields = append(fields, fmt.Sprintf("%s failed on '%s'", strings.ToLower(fe.Field()), fe.Tag()))
				}
				return nil, &ValidationError{Index: i, Fields: fields}
			}
			return nil, fmt.Errorf("failed to validate post %d: %w", i, err)
		}
		posts = append(posts, in.ToPost())
	}
	return posts, nil
}

// User is an account allowed to moderate posts
type User struct {
	Username       string `json:"username" bson:"username" dynamodbav:"username"`
	Email          string `json:"email" bson:"email" dynamodbav:"email"`
	HashedPassword string `json:"-" bson:"hashed_password" dynamodbav:"hashed_password" koanf:"hashed_password"`
	Disabled       bool   `json:"disabled" bson:"disabled" dynamodbav:"disabled"`
}

// IngestionStatus tracks the status of ingestion runs
type IngestionStatus struct {
	RunID             string            `json:"run_id,omitempty" bson:"run_id" dynamodbav:"run_id"`
	LastSuccessfulRun time.Time         `json:"last_successful_run" bson:"last_successful_run" dynamodbav:"last_successful_run"`
	LastAttempt       time.Time         `json:"last_attempt" bson:"last_attempt" dynamodbav:"last_attempt"`
	Status            string            `json:"status" bson:"status" dynamodbav:"status"` // "success", "partial", "failure", "running"
	ErrorMessage      string            `json:"error_message,omitempty" bson:"error_message" dynamodbav:"error_message"`
	RecordsIngested   int               `json:"records_ingested" bson:"records_ingested" dynamodbav:"records_ingested"`
	FailedSources     map[string]string `json:"failed_sources,omitempty" bson:"failed_sources" dynamodbav:"failed_sources"`
}

const (
	StatusNeverRun = "never_run"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusPartial  = "partial"
	StatusFailure  = "failure"
)

// StringPtr returns a pointer to s
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool { return &b }

// TypePtr returns a pointer to t
func TypePtr(t MediaType) *MediaType { return &t }
