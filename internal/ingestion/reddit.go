package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/cyderes/media-ingestion-service/internal/config"
	"github.com/cyderes/media-ingestion-service/internal/logging"
	"github.com/cyderes/media-ingestion-service/internal/models"
)

// maxPageSize is the largest listing page Reddit serves
const maxPageSize = 100

// RedditSource reads top listings from the Reddit API
type RedditSource struct {
	cfg        config.RedditConfig
	retryCount int
	backoff    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*listing]
}

type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	Score       int64        `json:"score"`
	Media       *redditMedia `json:"media"`
	SecureMedia *redditMedia `json:"secure_media"`
}

type redditMedia struct {
	RedditVideo *struct {
		FallbackURL string `json:"fallback_url"`
	} `json:"reddit_video"`
}

func (p redditPost) fallbackURL() string {
	for _, m := range []*redditMedia{p.Media, p.SecureMedia} {
		if m != nil && m.RedditVideo != nil && m.RedditVideo.FallbackURL != "" {
			return m.RedditVideo.FallbackURL
		}
	}
	return ""
}

// NewRedditSource creates a Reddit client. With a client id configured every
// request carries an application-only OAuth2 token.
func NewRedditSource(cfg config.RedditConfig, ingest config.IngestionConfig) *RedditSource {
	httpClient := &http.Client{Timeout: ingest.Timeout}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = ingest.Timeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	retryCount := ingest.RetryCount
	if retryCount < 1 {
		retryCount = 1
	}

	return &RedditSource{
		cfg:        cfg,
		retryCount: retryCount,
		backoff:    time.Second,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*listing]),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*listing] {
	return gobreaker.NewCircuitBreaker[*listing](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})
}

// breaker returns the subreddit's circuit breaker, creating it on first use.
// A failing subreddit only trips its own breaker.
func (r *RedditSource) breaker(subreddit string) *gobreaker.CircuitBreaker[*listing] {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[subreddit]
	if !ok {
		cb = newBreaker("reddit-" + subreddit)
		r.breakers[subreddit] = cb
	}
	return cb
}

func (r *RedditSource) Name() string { return "reddit" }

// FetchTop pages through the subreddit's top listing until count posts are
// collected or the listing runs out
func (r *RedditSource) FetchTop(ctx context.Context, subreddit string, count int) ([]models.RawPost, error) {
	posts := make([]models.RawPost, 0, count)
	after := ""

	for len(posts) < count {
		page, err := r.fetchPage(ctx, subreddit, min(count-len(posts), maxPageSize), after)
		if err != nil {
			return nil, err
		}

		for _, child := range page.Data.Children {
			if len(posts) == count {
				break
			}
			p := child.Data
			posts = append(posts, models.RawPost{
				Title:            p.Title,
				URL:              p.URL,
				Score:            p.Score,
				Source:           subreddit,
				MediaFallbackURL: p.fallbackURL(),
			})
		}

		if page.Data.After == "" || len(page.Data.Children) == 0 {
			break
		}
		after = page.Data.After
	}

	logging.Ctx(ctx).Debug().Str("subreddit", subreddit).Int("posts", len(posts)).Msg("Fetched top listing")
	return posts, nil
}

// fetchPage fetches one listing page with retry logic
func (r *RedditSource) fetchPage(ctx context.Context, subreddit string, limit int, after string) (*listing, error) {
	var lastErr error
	cb := r.breaker(subreddit)

	attempts := 0
	for attempt := 0; attempt < r.retryCount; attempt++ {
		attempts++
		page, err := cb.Execute(func() (*listing, error) {
			return r.fetchPageOnce(ctx, subreddit, limit, after)
		})
		if err == nil {
			return page, nil
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < r.retryCount-1 {
			// Wait before retrying (linear backoff)
			waitTime := time.Duration(attempt+1) * r.backoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// fetchPageOnce performs a single listing request
func (r *RedditSource) fetchPageOnce(ctx context.Context, subreddit string, limit int, after string) (*listing, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("t", r.cfg.TimeWindow)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
	}
	endpoint := fmt.Sprintf("%s/r/%s/top?%s", strings.TrimRight(r.cfg.BaseURL, "/"), url.PathEscape(subreddit), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var page listing
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &page, nil
}
