package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/cyderes/media-ingestion-service/internal/metrics"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

// filenameHashLen is the number of hex characters of the url digest kept in
// a filename
const filenameHashLen = 15

// Classify maps a raw candidate onto exactly one media type. Image wins over
// gif, gif over video. Candidates that match nothing return ok=false.
func Classify(raw models.RawPost, now time.Time) (models.Post, bool) {
	var (
		mediaType models.MediaType
		ext       string
		storedURL = raw.URL
	)

	path := strings.ToLower(urlPath(raw.URL))
	switch {
	case strings.HasSuffix(path, ".jpg"):
		mediaType, ext = models.MediaTypeImage, ".jpg"
	case strings.HasSuffix(path, ".png"):
		mediaType, ext = models.MediaTypeImage, ".png"
	case strings.HasSuffix(path, ".gif"):
		mediaType, ext = models.MediaTypeGIF, ".gif"
	case raw.MediaFallbackURL != "":
		mediaType, ext = models.MediaTypeVideo, ".mp4"
		storedURL = raw.MediaFallbackURL
	default:
		return models.Post{}, false
	}

	return models.Post{
		Title:       raw.Title,
		URL:         storedURL,
		Filename:    models.StringPtr(Filename(raw.URL, ext)),
		Score:       raw.Score,
		Source:      models.StringPtr(raw.Source),
		Type:        models.TypePtr(mediaType),
		Added:       models.BoolPtr(false),
		LastUpdated: now.UTC(),
	}, true
}

// Normalize classifies a batch, dropping unclassifiable candidates and
// keeping input order
func Normalize(raws []models.RawPost, now time.Time) []models.Post {
	posts := make([]models.Post, 0, len(raws))
	for _, raw := range raws {
		p, ok := Classify(raw, now)
		if !ok {
			continue
		}
		metrics.PostsClassified.WithLabelValues(string(*p.Type)).Inc()
		posts = append(posts, p)
	}
	return posts
}

// Filename derives a stable storage name from the original post url
func Filename(postURL, ext string) string {
	sum := sha256.Sum256([]byte(postURL))
	return hex.EncodeToString(sum[:])[:filenameHashLen] + ext
}

// urlPath returns the path of raw, ignoring query and fragment. Unparseable
// urls are matched as-is.
func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
