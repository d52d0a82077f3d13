package app

import (
	"context"
	"fmt"
	"strings"

	"tinytales/internal/util"
	"tinytales/pkg/domain"
	"tinytales/pkg/plan"
	"tinytales/pkg/prompt"
	"tinytales/pkg/storage"
)

// CreateStoryRequest is the story-creation contract of POST /stories.
type CreateStoryRequest struct {
	ChildProfileID string   `json:"childProfileId"`
	CharacterIDs   []string `json:"characterIds"`
	PageCount      int      `json:"pageCount"`
	Theme          string   `json:"theme"`
	Language       string   `json:"language"`
	Category       string   `json:"category"`
	WritingStyle   string   `json:"writingStyle"`
	ReaderAge      int      `json:"readerAge"`
}

const summaryFeedForwardRunes = 200

// CreateStory runs the story assembly workflow: quota check, context
// loading, sequential page generation, and one transactional persist.
//
// Pages are generated strictly in page order so each prompt can carry
// summaries of the pages before it. On a mid-story failure the pages
// already completed are persisted as a partial story (best effort) and a
// *GenerationError is returned; a failure before the first page completes
// persists nothing.
func (a *App) CreateStory(ctx context.Context, user domain.User, req CreateStoryRequest) (domain.Story, error) {
	limits := plan.Resolve(user.Plan)

	if strings.TrimSpace(req.Theme) == "" {
		return domain.Story{}, fmt.Errorf("%w: theme required", ErrInvalidRequest)
	}
	if req.PageCount < 1 {
		return domain.Story{}, fmt.Errorf("%w: page count must be at least 1", ErrInvalidRequest)
	}
	if !plan.Allows(limits.ImagesPerStory, req.PageCount-1) {
		return domain.Story{}, fmt.Errorf("%w: page count %d above plan cap %d", ErrInvalidRequest, req.PageCount, limits.ImagesPerStory)
	}

	// Quota before any external call: stories created this calendar month.
	used, err := a.store.CountStoriesCreatedSince(user.ID, a.monthStart())
	if err != nil {
		return domain.Story{}, err
	}
	if !plan.Allows(limits.StoriesPerMonth, used) {
		return domain.Story{}, ErrQuotaExceeded
	}

	// Load the referenced profile and characters, checking ownership.
	var profile domain.ChildProfile
	if strings.TrimSpace(req.ChildProfileID) != "" {
		profile, err = a.GetProfile(user, req.ChildProfileID)
		if err != nil {
			return domain.Story{}, err
		}
	}
	characters := make([]domain.Character, 0, len(req.CharacterIDs))
	for _, characterID := range req.CharacterIDs {
		character, err := a.GetCharacter(user, characterID)
		if err != nil {
			return domain.Story{}, err
		}
		characters = append(characters, character)
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en"
	}
	readerAge := req.ReaderAge
	if readerAge <= 0 {
		readerAge = profile.Age
	}
	params := prompt.StoryParams{
		Theme:        strings.TrimSpace(req.Theme),
		Language:     language,
		Category:     strings.TrimSpace(req.Category),
		WritingStyle: strings.TrimSpace(req.WritingStyle),
		ReaderAge:    readerAge,
		PageCount:    req.PageCount,
	}

	storyID := util.NewID()
	now := a.now()
	story := domain.Story{
		ID:             storyID,
		OwnerID:        user.ID,
		ChildProfileID: profile.ID,
		Title:          storyTitle(params, profile),
		Theme:          params.Theme,
		Language:       params.Language,
		Category:       params.Category,
		WritingStyle:   params.WritingStyle,
		ReaderAge:      params.ReaderAge,
		CharacterIDs:   req.CharacterIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pages, pageErr := a.generatePages(ctx, storyID, params, profile, characters)
	if pageErr != nil && len(pages) == 0 {
		return domain.Story{}, &GenerationError{PagesCompleted: 0, Err: pageErr}
	}
	if len(pages) > 0 {
		story.Summary = prompt.Summarize(pages[0].Text, summaryFeedForwardRunes)
	}

	if err := a.store.CreateStoryWithPages(story, pages); err != nil {
		return domain.Story{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	story.Pages = pages

	if pageErr != nil {
		return story, &GenerationError{PagesCompleted: len(pages), StoryID: storyID, Err: pageErr}
	}
	return story, nil
}

// generatePages builds pages 1..PageCount sequentially. It returns the
// pages completed before the first failure, plus that failure (nil when
// every page succeeded).
func (a *App) generatePages(ctx context.Context, storyID string, params prompt.StoryParams, profile domain.ChildProfile, characters []domain.Character) ([]domain.StoryPage, error) {
	lead := leadCharacter(profile, characters)
	pageCtx := &prompt.PageContext{}
	pages := make([]domain.StoryPage, 0, params.PageCount)

	for pageNumber := 1; pageNumber <= params.PageCount; pageNumber++ {
		userPrompt := prompt.SanitizeForModel(prompt.BuildPagePrompt(params, profile, characters, pageNumber, pageCtx))
		text, err := a.textGen.GenerateText(ctx, prompt.SystemPrompt, userPrompt)
		if err != nil {
			return pages, fmt.Errorf("page %d text: %w", pageNumber, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return pages, fmt.Errorf("page %d text: empty generation", pageNumber)
		}

		scene := prompt.Scene{
			Location: params.Theme,
			Action:   prompt.Summarize(text, summaryFeedForwardRunes),
		}
		illustrationPrompt := prompt.SanitizeForModel(prompt.BuildIllustrationPrompt(lead, scene))
		sourceURL, err := a.imageGen.GenerateImage(ctx, illustrationPrompt)
		if err != nil {
			return pages, fmt.Errorf("page %d image: %w", pageNumber, err)
		}

		storedURL, err := a.persistIllustration(ctx, storyID, pageNumber, sourceURL)
		if err != nil {
			return pages, fmt.Errorf("page %d persist: %w", pageNumber, err)
		}

		pages = append(pages, domain.StoryPage{
			ID:              util.NewID(),
			StoryID:         storyID,
			PageNumber:      pageNumber,
			Text:            text,
			IllustrationURL: storedURL,
			CreatedAt:       a.now(),
		})
		pageCtx.Add(prompt.Summarize(text, summaryFeedForwardRunes))
	}
	return pages, nil
}

// persistIllustration re-probes storage, picks a target, and copies the
// provider-hosted image there. Probing on every page is intentional: the
// call rate is low and a cached positive would only move the failure to
// the write.
func (a *App) persistIllustration(ctx context.Context, storyID string, pageNumber int, sourceURL string) (string, error) {
	probe := a.resolver.Probe(ctx)
	target, err := storage.ChooseTarget(probe)
	if err != nil {
		return "", err
	}
	key := storage.IllustrationKey(storyID, pageNumber)
	return a.resolver.PersistImage(ctx, sourceURL, target, key)
}

func leadCharacter(profile domain.ChildProfile, characters []domain.Character) domain.Character {
	if len(characters) > 0 {
		return characters[0]
	}
	// No cast given: the child is the hero.
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = "a young hero"
	}
	return domain.Character{Name: name, Species: "child"}
}

func storyTitle(params prompt.StoryParams, profile domain.ChildProfile) string {
	theme := strings.TrimSpace(params.Theme)
	if profile.Name != "" {
		return fmt.Sprintf("%s and the %s", profile.Name, theme)
	}
	return fmt.Sprintf("A story about %s", theme)
}
