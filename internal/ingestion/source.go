package ingestion

import (
	"context"
	"fmt"

	"github.com/cyderes/media-ingestion-service/internal/models"
)

// Source fetches the top posts of a named community
type Source interface {
	Name() string
	FetchTop(ctx context.Context, name string, count int) ([]models.RawPost, error)
}

// SourceFetchError is recorded when one configured source could not be read
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("failed to fetch source %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }
