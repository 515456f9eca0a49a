package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/cyderes/media-ingestion-service/internal/auth"
	"github.com/cyderes/media-ingestion-service/internal/ingestion"
	"github.com/cyderes/media-ingestion-service/internal/logging"
	"github.com/cyderes/media-ingestion-service/internal/models"
	"github.com/cyderes/media-ingestion-service/internal/storage"
)

// maxBodyBytes bounds POST /posts payloads
const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"detail":"Internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeDetail(w http.ResponseWriter, status int, detail interface{}) {
	writeJSON(w, status, map[string]interface{}{"detail": detail})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleToken exchanges form credentials for an access token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid form body")
		return
	}

	token, err := s.auth.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeDetail(w, http.StatusBadRequest, "Incorrect username or password")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Login failed")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// handleListPosts returns every stored post
func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.storage.ListPosts(r.Context())
	if err != nil {
		s.internalError(w, r, err, "Failed to retrieve posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// handleApprovedImagePost returns at most one approved image that has not
// been added yet, as a list
func (s *Server) handleApprovedImagePost(w http.ResponseWriter, r *http.Request) {
	post, err := s.storage.GetApprovedImagePost(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, []models.Post{})
		return
	}
	if err != nil {
		s.internalError(w, r, err, "Failed to retrieve approved image post")
		return
	}
	writeJSON(w, http.StatusOK, []models.Post{*post})
}

func (s *Server) handleUnapprovedImagePosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.storage.ListUnapprovedImagePosts(r.Context())
	if err != nil {
		s.internalError(w, r, err, "Failed to retrieve unapproved image posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// handleUpsertPosts validates a batch of posts and merges it into the store
func (s *Server) handleUpsertPosts(w http.ResponseWriter, r *http.Request) {
	var inputs []models.PostInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&inputs); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Request body must be a JSON array of posts")
		return
	}

	posts, err := models.ValidatePosts(inputs)
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		writeDetail(w, http.StatusUnprocessableEntity, []map[string]interface{}{{
			"index":  validationErr.Index,
			"errors": validationErr.Fields,
		}})
		return
	}
	if err != nil {
		s.internalError(w, r, err, "Failed to validate posts")
		return
	}

	runID, err := s.reconciler.Upsert(r.Context(), posts)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("run_id", runID).Msg("Failed to upsert posts")
		writeDetail(w, http.StatusInternalServerError, "Failed to store posts")
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("run_id", runID).
		Int("posts", len(posts)).
		Str("user", userFromContext(r.Context()).Username).
		Msg("Upserted posts")
	w.WriteHeader(http.StatusOK)
}

// handleStatus handles GET requests for ingestion status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.storage.GetIngestionStatus(r.Context())
	if err != nil {
		s.internalError(w, r, err, "Failed to retrieve status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleIngest starts an ingestion run in the background
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeDetail(w, http.StatusServiceUnavailable, "Ingestion is disabled")
		return
	}

	// the run outlives the request but keeps its request id for logging
	err := s.ingester.Trigger(context.WithoutCancel(r.Context()))
	if errors.Is(err, ingestion.ErrIngestionInProgress) {
		writeDetail(w, http.StatusConflict, "Ingestion already in progress")
		return
	}
	if err != nil {
		s.internalError(w, r, err, "Failed to start ingestion")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logging.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeDetail(w, http.StatusInternalServerError, msg)
}
