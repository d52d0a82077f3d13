package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"tinytales/internal/app"
	"tinytales/internal/ratelimit"
	"tinytales/internal/usertoken"
	"tinytales/internal/util"
	"tinytales/pkg/ai"
	"tinytales/pkg/domain"
	"tinytales/pkg/storage"
)

const maxBodyBytes = 1 << 20

// TokenVerifier validates an OAuth session token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (usertoken.SessionClaims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	StoryLimiter   *ratelimit.FixedWindowLimiter
	BillingSecret  string
	TrustForwarded bool
}

// Server exposes the HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	storyLimiter   *ratelimit.FixedWindowLimiter
	billingSecret  string
	trustForwarded bool
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	if strings.TrimSpace(cfg.BillingSecret) == "" {
		return nil, errors.New("billing webhook secret required")
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		storyLimiter:   cfg.StoryLimiter,
		billingSecret:  cfg.BillingSecret,
		trustForwarded: cfg.TrustForwarded,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/stories", s.withUser(s.handleStories))
	s.mux.Handle("/stories/", s.withUser(s.handleStoryByID))
	s.mux.Handle("/profiles", s.withUser(s.handleProfiles))
	s.mux.Handle("/profiles/", s.withUser(s.handleProfileByID))
	s.mux.Handle("/characters", s.withUser(s.handleCharacters))
	s.mux.Handle("/characters/", s.withUser(s.handleCharacterByID))

	s.mux.HandleFunc("/internal/billing/plan", s.handleBillingPlan)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser authenticates the session token and resolves (provisioning on
// first sight) the account row.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.EnsureUser(claims.Subject, claims.Email, claims.Name)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("ensure user", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateStory(w, r, user)
	case http.MethodGet:
		stories, err := s.app.ListStories(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": stories, "count": len(stories)})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if s.storyLimiter != nil && !s.storyLimiter.Allow(util.ClientIP(r, s.trustForwarded)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req app.CreateStoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	story, err := s.app.CreateStory(r.Context(), user, req)
	if err != nil {
		var genErr *app.GenerationError
		if errors.As(err, &genErr) {
			s.writeGenerationFailure(w, r, story, genErr)
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, story)
}

// writeGenerationFailure reports a partial story: the pages completed
// before the failure are persisted and referenced in the payload.
func (s *Server) writeGenerationFailure(w http.ResponseWriter, r *http.Request, story domain.Story, genErr *app.GenerationError) {
	util.LoggerFromContext(r.Context()).Warn("story generation failed",
		"story_id", genErr.StoryID,
		"pages_completed", genErr.PagesCompleted,
		"err", genErr.Err,
	)
	status := http.StatusBadGateway
	code := "STORY_GENERATION_FAILED"
	if errors.Is(genErr, storage.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
		code = "STORAGE_UNAVAILABLE"
	}
	payload := map[string]any{
		"error":          "story generation failed",
		"code":           code,
		"pagesCompleted": genErr.PagesCompleted,
		"requestId":      util.RequestIDFromRequest(r),
	}
	if genErr.StoryID != "" {
		payload["storyId"] = genErr.StoryID
		payload["story"] = story
	}
	writeJSON(w, status, payload)
}

// /stories/{id}
func (s *Server) handleStoryByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/stories/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		story, err := s.app.GetStory(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, story)
	case http.MethodPatch:
		var input app.StoryMetaInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		story, err := s.app.UpdateStoryMeta(user, id, input)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, story)
	case http.MethodDelete:
		if err := s.app.DeleteStory(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var input app.ProfileInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.app.CreateProfile(user, input)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	case http.MethodGet:
		profiles, err := s.app.ListProfiles(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": profiles, "count": len(profiles)})
	default:
		methodNotAllowed(w)
	}
}

// /profiles/{id}
func (s *Server) handleProfileByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/profiles/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPatch:
		var input app.ProfileInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.app.UpdateProfile(user, id, input)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		if err := s.app.DeleteProfile(user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCharacters(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var input app.CharacterInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		character, err := s.app.CreateCharacter(user, input)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, character)
	case http.MethodGet:
		characters, err := s.app.ListCharacters(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": characters, "count": len(characters)})
	default:
		methodNotAllowed(w)
	}
}

// /characters/{id}
func (s *Server) handleCharacterByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/characters/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		character, err := s.app.GetCharacter(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, character)
	case http.MethodPatch:
		var input app.CharacterInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		character, err := s.app.UpdateCharacter(user, id, input)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, character)
	case http.MethodDelete:
		if err := s.app.DeleteCharacter(user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type billingPlanRequest struct {
	Email string `json:"email"`
	Plan  string `json:"plan"`
}

// handleBillingPlan applies plan changes pushed by the payments provider.
// The webhook is authenticated with a shared secret header.
func (s *Server) handleBillingPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	secret := strings.TrimSpace(r.Header.Get("X-Billing-Secret"))
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.billingSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req billingPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Plan) == "" {
		writeError(w, http.StatusBadRequest, "email and plan required")
		return
	}
	if err := s.app.SetPlanByEmail(req.Email, domain.Plan(strings.ToLower(strings.TrimSpace(req.Plan)))); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// writeAppError maps domain errors to HTTP responses without leaking
// provider payloads or internals.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "monthly story quota reached")
	case errors.Is(err, app.ErrProfileLimitReached):
		writeError(w, http.StatusForbidden, "child profile limit reached")
	case errors.Is(err, app.ErrCharacterLimitReached):
		writeError(w, http.StatusForbidden, "character limit reached")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "image storage unavailable")
	case errors.Is(err, app.ErrPersistence):
		util.LoggerFromContext(r.Context()).Error("persistence failure", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save story")
	case ai.IsProviderError(err):
		util.LoggerFromContext(r.Context()).Error("provider failure", "err", err)
		writeError(w, http.StatusBadGateway, "generation provider failed")
	default:
		util.LoggerFromContext(r.Context()).Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "FORBIDDEN"
	case message == "monthly story quota reached":
		return "PLAN_QUOTA_EXCEEDED"
	case message == "child profile limit reached":
		return "PLAN_PROFILE_LIMIT"
	case message == "character limit reached":
		return "PLAN_CHARACTER_LIMIT"
	case message == "too many requests":
		return "RATE_LIMITED"
	case message == "image storage unavailable":
		return "STORAGE_UNAVAILABLE"
	case message == "generation provider failed":
		return "PROVIDER_ERROR"
	case message == "failed to save story":
		return "PERSISTENCE_FAILED"
	case message == "invalid json body":
		return "INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
