package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tinytales/pkg/ai"
	"tinytales/pkg/domain"
	"tinytales/pkg/storage"
	"tinytales/pkg/store"
)

type fakeTextGen struct {
	calls   atomic.Int32
	prompts []string
	fn      func(page int) (string, error)
}

func (f *fakeTextGen) GenerateText(_ context.Context, _, userPrompt string) (string, error) {
	page := int(f.calls.Add(1))
	f.prompts = append(f.prompts, userPrompt)
	return f.fn(page)
}

type fakeImageGen struct {
	calls atomic.Int32
	fn    func(page int) (string, error)
}

func (f *fakeImageGen) GenerateImage(_ context.Context, _ string) (string, error) {
	return f.fn(int(f.calls.Add(1)))
}

type testEnv struct {
	app      *App
	store    *store.MemoryStore
	textGen  *fakeTextGen
	imageGen *fakeImageGen
	imageDir string
}

func newTestEnv(t *testing.T, textFn func(int) (string, error), imageFn func(int) (string, error)) *testEnv {
	t.Helper()
	imageSrc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(imageSrc.Close)

	if imageFn == nil {
		imageFn = func(page int) (string, error) {
			return fmt.Sprintf("%s/generated/%d.png", imageSrc.URL, page), nil
		}
	}

	imageDir := t.TempDir()
	local, err := storage.NewFileStore(imageDir, "http://localhost/illustrations")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	mem := store.NewMemoryStore()
	textGen := &fakeTextGen{fn: textFn}
	imageGen := &fakeImageGen{fn: imageFn}
	application, err := New(Config{
		Store:    mem,
		TextGen:  textGen,
		ImageGen: imageGen,
		Resolver: storage.NewResolver(nil, local),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: application, store: mem, textGen: textGen, imageGen: imageGen, imageDir: imageDir}
}

func (e *testEnv) user(t *testing.T, plan domain.Plan) domain.User {
	t.Helper()
	u, err := e.app.EnsureUser("u-1", "parent@example.com", "Parent")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if plan != "" && plan != domain.PlanFree {
		if err := e.store.SetUserPlan(u.ID, plan); err != nil {
			t.Fatalf("set plan: %v", err)
		}
		u.Plan = plan
	}
	return u
}

func pageText(page int) (string, error) {
	return fmt.Sprintf("Page %d of the adventure. Something wonderful happened.", page), nil
}

func TestCreateStorySuccess(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanPremium)

	story, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "the lost lighthouse",
		PageCount: 5,
		ReaderAge: 6,
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	if len(story.Pages) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(story.Pages))
	}
	for i, page := range story.Pages {
		if page.PageNumber != i+1 {
			t.Fatalf("page %d has number %d", i, page.PageNumber)
		}
		if strings.TrimSpace(page.Text) == "" {
			t.Fatalf("page %d text is empty", page.PageNumber)
		}
		if !strings.HasPrefix(page.IllustrationURL, "http://localhost/illustrations/stories/") {
			t.Fatalf("page %d illustration not persisted: %q", page.PageNumber, page.IllustrationURL)
		}
	}
	if story.Summary == "" {
		t.Fatalf("story summary should be derived from page 1")
	}

	stored, ok, err := env.store.GetStory(story.ID)
	if err != nil || !ok {
		t.Fatalf("story not persisted: ok=%v err=%v", ok, err)
	}
	if len(stored.Pages) != 5 {
		t.Fatalf("persisted story has %d pages", len(stored.Pages))
	}
}

func TestCreateStoryFeedsForwardContext(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanPremium)

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "a snowy mountain",
		PageCount: 2,
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	if len(env.textGen.prompts) != 2 {
		t.Fatalf("expected 2 text prompts, got %d", len(env.textGen.prompts))
	}
	if strings.Contains(env.textGen.prompts[0], "The story so far:") {
		t.Fatalf("page 1 prompt must not carry prior context")
	}
	if !strings.Contains(env.textGen.prompts[1], "Page 1 of the adventure.") {
		t.Fatalf("page 2 prompt should carry the page 1 summary, got %q", env.textGen.prompts[1])
	}
}

func TestCreateStoryQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanFree)

	// Free plan allows 3 stories per month; fill the quota.
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := env.store.CreateStoryWithPages(domain.Story{
			ID:        fmt.Sprintf("s-%d", i),
			OwnerID:   user.ID,
			CreatedAt: now,
		}, nil)
		if err != nil {
			t.Fatalf("seed story: %v", err)
		}
	}

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "one story too many",
		PageCount: 1,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if env.textGen.calls.Load() != 0 || env.imageGen.calls.Load() != 0 {
		t.Fatalf("quota must be checked before any provider call")
	}
	stories, _ := env.store.ListStoriesByOwner(user.ID)
	if len(stories) != 3 {
		t.Fatalf("no new story should be created, got %d", len(stories))
	}
}

func TestCreateStoryQuotaIgnoresLastMonth(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanFree)

	lastMonth := env.app.monthStart().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := env.store.CreateStoryWithPages(domain.Story{
			ID:        fmt.Sprintf("s-old-%d", i),
			OwnerID:   user.ID,
			CreatedAt: lastMonth,
		}, nil)
		if err != nil {
			t.Fatalf("seed story: %v", err)
		}
	}

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "fresh month",
		PageCount: 1,
	})
	if err != nil {
		t.Fatalf("stories from previous months must not count: %v", err)
	}
}

func TestCreateStoryPageCountAbovePlanCap(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanFree)

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "an epic",
		PageCount: 6,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if env.textGen.calls.Load() != 0 {
		t.Fatalf("validation must run before any provider call")
	}
}

func TestCreateStoryMissingTheme(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanFree)

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{PageCount: 1})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreateStoryPartialFailurePersisted(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	failing := env.imageGen.fn
	env.imageGen.fn = func(page int) (string, error) {
		if page == 2 {
			return "", &ai.ProviderError{Provider: "image", StatusCode: 500, Message: "boom"}
		}
		return failing(page)
	}
	user := env.user(t, domain.PlanPremium)

	story, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "interrupted voyage",
		PageCount: 3,
	})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.PagesCompleted != 1 {
		t.Fatalf("pages completed: got %d, want 1", genErr.PagesCompleted)
	}
	if genErr.StoryID == "" || genErr.StoryID != story.ID {
		t.Fatalf("partial story id missing: %+v", genErr)
	}
	if !ai.IsProviderError(err) {
		t.Fatalf("the provider cause should survive unwrapping: %v", err)
	}

	stored, ok, _ := env.store.GetStory(story.ID)
	if !ok {
		t.Fatalf("partial story should be persisted")
	}
	if len(stored.Pages) != 1 || stored.Pages[0].PageNumber != 1 {
		t.Fatalf("persisted pages: %+v", stored.Pages)
	}
}

func TestCreateStoryFirstPageFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t, func(page int) (string, error) {
		return "", &ai.ProviderError{Provider: "openai-compat", StatusCode: 503, Message: "down"}
	}, nil)
	user := env.user(t, domain.PlanPremium)

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "never begins",
		PageCount: 2,
	})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.PagesCompleted != 0 || genErr.StoryID != "" {
		t.Fatalf("nothing should be persisted: %+v", genErr)
	}
	stories, _ := env.store.ListStoriesByOwner(user.ID)
	if len(stories) != 0 {
		t.Fatalf("no story row expected, got %d", len(stories))
	}
}

func TestCreateStoryAtMostOnePerPage(t *testing.T) {
	env := newTestEnv(t, func(page int) (string, error) {
		if page == 2 {
			return "", &ai.ProviderError{Provider: "openai-compat", StatusCode: 500, Message: "flaky"}
		}
		return pageText(page)
	}, nil)
	user := env.user(t, domain.PlanPremium)

	_, err := env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "no retries",
		PageCount: 3,
	})
	if err == nil {
		t.Fatalf("expected failure")
	}
	// One text call per page up to and including the failure, no retries.
	if got := env.textGen.calls.Load(); got != 2 {
		t.Fatalf("text generator called %d times, want 2", got)
	}
}

func TestCreateStoryForeignCharacterRejected(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	user := env.user(t, domain.PlanPremium)

	other, err := env.app.EnsureUser("u-2", "other@example.com", "Other")
	if err != nil {
		t.Fatalf("ensure other user: %v", err)
	}
	character, err := env.app.CreateCharacter(other, CharacterInput{Name: "Milo", Species: "fox"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	_, err = env.app.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:        "borrowed hero",
		PageCount:    1,
		CharacterIDs: []string{character.ID},
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if env.textGen.calls.Load() != 0 {
		t.Fatalf("ownership must be checked before any provider call")
	}
}

func TestCreateStoryStorageUnavailable(t *testing.T) {
	env := newTestEnv(t, pageText, nil)
	// Replace the resolver with one that has no configured target.
	application, err := New(Config{
		Store:    env.store,
		TextGen:  env.textGen,
		ImageGen: env.imageGen,
		Resolver: storage.NewResolver(nil, nil),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	user := env.user(t, domain.PlanPremium)

	_, err = application.CreateStory(context.Background(), user, CreateStoryRequest{
		Theme:     "nowhere to put pictures",
		PageCount: 1,
	})
	if !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable in chain, got %v", err)
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.PagesCompleted != 0 {
		t.Fatalf("expected zero-page GenerationError, got %v", err)
	}
}
