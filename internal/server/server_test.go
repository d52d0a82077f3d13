package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"tinytales/internal/app"
	"tinytales/internal/ratelimit"
	"tinytales/internal/usertoken"
	"tinytales/pkg/ai"
	"tinytales/pkg/domain"
	"tinytales/pkg/storage"
	"tinytales/pkg/store"
)

func jwtSubject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}

type stubVerifier struct {
	claims map[string]usertoken.SessionClaims
}

func (s *stubVerifier) Verify(token string) (usertoken.SessionClaims, error) {
	claims, ok := s.claims[token]
	if !ok {
		return usertoken.SessionClaims{}, errors.New("invalid token")
	}
	return claims, nil
}

type stubTextGen struct{ err error }

func (s *stubTextGen) GenerateText(_ context.Context, _, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "Once there was a small adventure that ended well.", nil
}

type stubImageGen struct {
	url string
	err error
}

func (s *stubImageGen) GenerateImage(_ context.Context, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

type serverEnv struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	textGen  *stubTextGen
	imageGen *stubImageGen
}

func newServerEnv(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *serverEnv {
	t.Helper()
	imageSrc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(imageSrc.Close)

	local, err := storage.NewFileStore(t.TempDir(), "http://localhost/illustrations")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	mem := store.NewMemoryStore()
	textGen := &stubTextGen{}
	imageGen := &stubImageGen{url: imageSrc.URL + "/img.png"}
	application, err := app.New(app.Config{
		Store:    mem,
		TextGen:  textGen,
		ImageGen: imageGen,
		Resolver: storage.NewResolver(nil, local),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	verifier := &stubVerifier{claims: map[string]usertoken.SessionClaims{
		"token-u1": {Email: "parent@example.com", Name: "Parent", RegisteredClaims: jwtSubject("u-1")},
		"token-u2": {Email: "other@example.com", Name: "Other", RegisteredClaims: jwtSubject("u-2")},
	}}

	srv, err := New(Config{
		App:           application,
		TokenVerifier: verifier,
		StoryLimiter:  limiter,
		BillingSecret: "hook-secret",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverEnv{srv: ts, store: mem, textGen: textGen, imageGen: imageGen}
}

func (e *serverEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	env := newServerEnv(t, nil)
	for _, path := range []string{"/stories", "/profiles", "/characters"} {
		resp, payload := env.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: got %d, want 401", path, resp.StatusCode)
		}
		if payload["code"] != "AUTH_INVALID_TOKEN" {
			t.Fatalf("%s: code %v", path, payload["code"])
		}
	}
}

func TestHealthzNeedsNoToken(t *testing.T) {
	env := newServerEnv(t, nil)
	resp, payload := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, payload)
	}
}

func TestProfileLifecycle(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, created := env.do(t, http.MethodPost, "/profiles", "token-u1", map[string]any{
		"name": "Ada", "age": 5, "interests": []string{"rockets"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d: %v", resp.StatusCode, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create: missing id in %v", created)
	}

	resp, got := env.do(t, http.MethodGet, "/profiles/"+id, "token-u1", nil)
	if resp.StatusCode != http.StatusOK || got["name"] != "Ada" {
		t.Fatalf("get: %d %v", resp.StatusCode, got)
	}

	resp, _ = env.do(t, http.MethodGet, "/profiles/"+id, "token-u2", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign get: got %d, want 403", resp.StatusCode)
	}

	resp, updated := env.do(t, http.MethodPatch, "/profiles/"+id, "token-u1", map[string]any{"age": 6})
	if resp.StatusCode != http.StatusOK || updated["age"] != float64(6) {
		t.Fatalf("patch: %d %v", resp.StatusCode, updated)
	}

	resp, _ = env.do(t, http.MethodDelete, "/profiles/"+id, "token-u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/profiles/"+id, "token-u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: got %d, want 404", resp.StatusCode)
	}
}

func TestCreateStoryEndpoint(t *testing.T) {
	env := newServerEnv(t, nil)

	resp, story := env.do(t, http.MethodPost, "/stories", "token-u1", map[string]any{
		"theme": "the lost lighthouse", "pageCount": 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create story: got %d: %v", resp.StatusCode, story)
	}
	pages, _ := story["pages"].([]any)
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %v", story["pages"])
	}

	resp, list := env.do(t, http.MethodGet, "/stories", "token-u1", nil)
	if resp.StatusCode != http.StatusOK || list["count"] != float64(1) {
		t.Fatalf("list: %d %v", resp.StatusCode, list)
	}
}

func TestCreateStoryQuotaStatus(t *testing.T) {
	env := newServerEnv(t, nil)

	// Free plan allows three stories per month.
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := env.store.CreateStoryWithPages(domain.Story{
			ID: fmt.Sprintf("s-%d", i), OwnerID: "u-1", CreatedAt: now,
		}, nil)
		if err != nil {
			t.Fatalf("seed story: %v", err)
		}
	}
	// The user row must exist before seeding counts against it.
	resp, _ := env.do(t, http.MethodGet, "/stories", "token-u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d", resp.StatusCode)
	}

	resp, payload := env.do(t, http.MethodPost, "/stories", "token-u1", map[string]any{
		"theme": "one too many", "pageCount": 1,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429: %v", resp.StatusCode, payload)
	}
	if payload["code"] != "PLAN_QUOTA_EXCEEDED" {
		t.Fatalf("code: %v", payload["code"])
	}
}

func TestCreateStoryProviderFailure(t *testing.T) {
	env := newServerEnv(t, nil)
	env.textGen.err = &ai.ProviderError{Provider: "openai-compat", StatusCode: 503, Message: "down"}

	resp, payload := env.do(t, http.MethodPost, "/stories", "token-u1", map[string]any{
		"theme": "never starts", "pageCount": 2,
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %d, want 502: %v", resp.StatusCode, payload)
	}
	if payload["code"] != "STORY_GENERATION_FAILED" {
		t.Fatalf("code: %v", payload["code"])
	}
	if payload["pagesCompleted"] != float64(0) {
		t.Fatalf("pagesCompleted: %v", payload["pagesCompleted"])
	}
}

func TestCreateStoryPartialFailureReportsPages(t *testing.T) {
	env := newServerEnv(t, nil)
	calls := 0
	goodURL := env.imageGen.url
	env.imageGen.err = nil
	imageSrcFail := &countingImageGen{goodURL: goodURL, failAt: 2, calls: &calls}

	// Rebuild the pipeline with a generator that fails on page 2.
	local, err := storage.NewFileStore(t.TempDir(), "http://localhost/illustrations")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	application, err := app.New(app.Config{
		Store:    env.store,
		TextGen:  env.textGen,
		ImageGen: imageSrcFail,
		Resolver: storage.NewResolver(nil, local),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{
		App:           application,
		TokenVerifier: &stubVerifier{claims: map[string]usertoken.SessionClaims{"token-u1": {RegisteredClaims: jwtSubject("u-1")}}},
		BillingSecret: "hook-secret",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"theme": "interrupted", "pageCount": 3})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/stories", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer token-u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %d, want 502", resp.StatusCode)
	}
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["pagesCompleted"] != float64(1) {
		t.Fatalf("pagesCompleted: %v", payload["pagesCompleted"])
	}
	storyID, _ := payload["storyId"].(string)
	if storyID == "" {
		t.Fatalf("partial story id missing: %v", payload)
	}
	if _, ok, _ := env.store.GetStory(storyID); !ok {
		t.Fatalf("partial story should be persisted")
	}
}

type countingImageGen struct {
	goodURL string
	failAt  int
	calls   *int
}

func (c *countingImageGen) GenerateImage(_ context.Context, _ string) (string, error) {
	*c.calls++
	if *c.calls == c.failAt {
		return "", &ai.ProviderError{Provider: "image", StatusCode: 500, Message: "boom"}
	}
	return c.goodURL, nil
}

func TestStoryRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:stories", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newServerEnv(t, limiter)

	resp, _ := env.do(t, http.MethodPost, "/stories", "token-u1", map[string]any{
		"theme": "first", "pageCount": 1,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first request: got %d", resp.StatusCode)
	}

	resp, payload := env.do(t, http.MethodPost, "/stories", "token-u1", map[string]any{
		"theme": "second", "pageCount": 1,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", resp.StatusCode)
	}
	if payload["code"] != "RATE_LIMITED" {
		t.Fatalf("code: %v", payload["code"])
	}
}

func TestBillingWebhook(t *testing.T) {
	env := newServerEnv(t, nil)

	// Provision the user via an authenticated request first.
	resp, _ := env.do(t, http.MethodGet, "/stories", "token-u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provision: got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"email": "parent@example.com", "plan": "premium"})
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/internal/billing/plan", bytes.NewReader(body))
	req.Header.Set("X-Billing-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: got %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/internal/billing/plan", bytes.NewReader(body))
	req.Header.Set("X-Billing-Secret", "hook-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook: got %d", resp.StatusCode)
	}

	user, ok, err := env.store.GetUserByID("u-1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if user.Plan != domain.PlanPremium {
		t.Fatalf("plan not applied: %q", user.Plan)
	}

	body, _ = json.Marshal(map[string]string{"email": "nobody@example.com", "plan": "premium"})
	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/internal/billing/plan", bytes.NewReader(body))
	req.Header.Set("X-Billing-Secret", "hook-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown subscriber: got %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newServerEnv(t, nil)
	resp, payload := env.do(t, http.MethodPut, "/stories", "token-u1", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("got %d, want 405", resp.StatusCode)
	}
	if payload["code"] != "SYSTEM_METHOD_NOT_ALLOWED" {
		t.Fatalf("code: %v", payload["code"])
	}
}
