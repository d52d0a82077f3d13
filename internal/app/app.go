package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tinytales/internal/util"
	"tinytales/pkg/ai"
	"tinytales/pkg/domain"
	"tinytales/pkg/plan"
	"tinytales/pkg/storage"
	"tinytales/pkg/store"
)

// Config wires the application's collaborators.
type Config struct {
	Store    store.Store
	TextGen  ai.TextGenerator
	ImageGen ai.ImageGenerator
	Resolver *storage.Resolver
	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

// App owns the domain logic: profile/character management, plan quotas,
// and the story assembly workflow.
type App struct {
	store    store.Store
	textGen  ai.TextGenerator
	imageGen ai.ImageGenerator
	resolver *storage.Resolver
	now      func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.TextGen == nil {
		return nil, fmt.Errorf("text generator required")
	}
	if cfg.ImageGen == nil {
		return nil, fmt.Errorf("image generator required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("storage resolver required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:    cfg.Store,
		textGen:  cfg.TextGen,
		imageGen: cfg.ImageGen,
		resolver: cfg.Resolver,
		now:      now,
	}, nil
}

// EnsureUser provisions the account row on first verified sign-in and
// returns the stored user (with their current plan).
func (a *App) EnsureUser(id, email, displayName string) (domain.User, error) {
	now := a.now()
	return a.store.EnsureUser(domain.User{
		ID:          id,
		Email:       strings.ToLower(strings.TrimSpace(email)),
		DisplayName: strings.TrimSpace(displayName),
		Plan:        domain.PlanFree,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// SetPlanByEmail applies a payments-provider webhook: the subscriber is
// identified by billing email.
func (a *App) SetPlanByEmail(email string, p domain.Plan) error {
	user, ok, err := a.store.GetUserByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return a.store.SetUserPlan(user.ID, p)
}

// ProfileInput carries user-editable child profile fields.
type ProfileInput struct {
	Name      string   `json:"name"`
	Age       int      `json:"age"`
	Interests []string `json:"interests"`
	AvatarURL string   `json:"avatarUrl"`
}

// CreateProfile adds a child profile, enforcing the plan's profile cap.
func (a *App) CreateProfile(user domain.User, input ProfileInput) (domain.ChildProfile, error) {
	if strings.TrimSpace(input.Name) == "" {
		return domain.ChildProfile{}, fmt.Errorf("%w: profile name required", ErrInvalidRequest)
	}
	limits := plan.Resolve(user.Plan)
	count, err := a.store.CountProfilesByOwner(user.ID)
	if err != nil {
		return domain.ChildProfile{}, err
	}
	if !plan.Allows(limits.MaxProfiles, count) {
		return domain.ChildProfile{}, ErrProfileLimitReached
	}
	now := a.now()
	profile := domain.ChildProfile{
		ID:        util.NewID(),
		OwnerID:   user.ID,
		Name:      strings.TrimSpace(input.Name),
		Age:       input.Age,
		Interests: input.Interests,
		AvatarURL: strings.TrimSpace(input.AvatarURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveProfile(profile); err != nil {
		return domain.ChildProfile{}, err
	}
	return profile, nil
}

// GetProfile returns a profile owned by user.
func (a *App) GetProfile(user domain.User, id string) (domain.ChildProfile, error) {
	profile, ok, err := a.store.GetProfile(id)
	if err != nil {
		return domain.ChildProfile{}, err
	}
	if !ok {
		return domain.ChildProfile{}, ErrNotFound
	}
	if profile.OwnerID != user.ID {
		return domain.ChildProfile{}, ErrForbidden
	}
	return profile, nil
}

// ListProfiles returns the user's profiles.
func (a *App) ListProfiles(user domain.User) ([]domain.ChildProfile, error) {
	return a.store.ListProfilesByOwner(user.ID)
}

// UpdateProfile edits an owned profile.
func (a *App) UpdateProfile(user domain.User, id string, input ProfileInput) (domain.ChildProfile, error) {
	profile, err := a.GetProfile(user, id)
	if err != nil {
		return domain.ChildProfile{}, err
	}
	if strings.TrimSpace(input.Name) != "" {
		profile.Name = strings.TrimSpace(input.Name)
	}
	if input.Age > 0 {
		profile.Age = input.Age
	}
	if input.Interests != nil {
		profile.Interests = input.Interests
	}
	if strings.TrimSpace(input.AvatarURL) != "" {
		profile.AvatarURL = strings.TrimSpace(input.AvatarURL)
	}
	profile.UpdatedAt = a.now()
	if err := a.store.SaveProfile(profile); err != nil {
		return domain.ChildProfile{}, err
	}
	return profile, nil
}

// DeleteProfile removes an owned profile.
func (a *App) DeleteProfile(user domain.User, id string) error {
	if _, err := a.GetProfile(user, id); err != nil {
		return err
	}
	return a.store.DeleteProfile(id)
}

// CharacterInput carries user-editable character fields.
type CharacterInput struct {
	Name    string   `json:"name"`
	Species string   `json:"species"`
	Traits  []string `json:"traits"`
}

// CreateCharacter adds a character, enforcing the plan's character cap.
func (a *App) CreateCharacter(user domain.User, input CharacterInput) (domain.Character, error) {
	if strings.TrimSpace(input.Name) == "" {
		return domain.Character{}, fmt.Errorf("%w: character name required", ErrInvalidRequest)
	}
	limits := plan.Resolve(user.Plan)
	count, err := a.store.CountCharactersByOwner(user.ID)
	if err != nil {
		return domain.Character{}, err
	}
	if !plan.Allows(limits.MaxCharacters, count) {
		return domain.Character{}, ErrCharacterLimitReached
	}
	now := a.now()
	character := domain.Character{
		ID:        util.NewID(),
		OwnerID:   user.ID,
		Name:      strings.TrimSpace(input.Name),
		Species:   strings.TrimSpace(input.Species),
		Traits:    input.Traits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveCharacter(character); err != nil {
		return domain.Character{}, err
	}
	return character, nil
}

// GetCharacter returns a character owned by user.
func (a *App) GetCharacter(user domain.User, id string) (domain.Character, error) {
	character, ok, err := a.store.GetCharacter(id)
	if err != nil {
		return domain.Character{}, err
	}
	if !ok {
		return domain.Character{}, ErrNotFound
	}
	if character.OwnerID != user.ID {
		return domain.Character{}, ErrForbidden
	}
	return character, nil
}

// ListCharacters returns the user's characters.
func (a *App) ListCharacters(user domain.User) ([]domain.Character, error) {
	return a.store.ListCharactersByOwner(user.ID)
}

// UpdateCharacter edits an owned character.
func (a *App) UpdateCharacter(user domain.User, id string, input CharacterInput) (domain.Character, error) {
	character, err := a.GetCharacter(user, id)
	if err != nil {
		return domain.Character{}, err
	}
	if strings.TrimSpace(input.Name) != "" {
		character.Name = strings.TrimSpace(input.Name)
	}
	if strings.TrimSpace(input.Species) != "" {
		character.Species = strings.TrimSpace(input.Species)
	}
	if input.Traits != nil {
		character.Traits = input.Traits
	}
	character.UpdatedAt = a.now()
	if err := a.store.SaveCharacter(character); err != nil {
		return domain.Character{}, err
	}
	return character, nil
}

// DeleteCharacter removes an owned character.
func (a *App) DeleteCharacter(user domain.User, id string) error {
	if _, err := a.GetCharacter(user, id); err != nil {
		return err
	}
	return a.store.DeleteCharacter(id)
}

// ListStories returns the user's stories (metadata only).
func (a *App) ListStories(user domain.User) ([]domain.Story, error) {
	return a.store.ListStoriesByOwner(user.ID)
}

// GetStory returns an owned story with its pages.
func (a *App) GetStory(user domain.User, id string) (domain.Story, error) {
	story, ok, err := a.store.GetStory(id)
	if err != nil {
		return domain.Story{}, err
	}
	if !ok {
		return domain.Story{}, ErrNotFound
	}
	if story.OwnerID != user.ID {
		return domain.Story{}, ErrForbidden
	}
	return story, nil
}

// StoryMetaInput carries the user-editable story fields; generated
// content is immutable.
type StoryMetaInput struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	Category string `json:"category"`
}

// UpdateStoryMeta edits an owned story's metadata.
func (a *App) UpdateStoryMeta(user domain.User, id string, input StoryMetaInput) (domain.Story, error) {
	if _, err := a.GetStory(user, id); err != nil {
		return domain.Story{}, err
	}
	if err := a.store.UpdateStoryMeta(id, input.Title, input.Summary, input.Category); err != nil {
		return domain.Story{}, err
	}
	return a.GetStory(user, id)
}

// DeleteStory removes an owned story, its pages, and its persisted
// illustrations. Image cleanup is best effort: once the story row is
// gone a failed object delete must not resurrect it.
func (a *App) DeleteStory(ctx context.Context, user domain.User, id string) error {
	story, err := a.GetStory(user, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteStory(id); err != nil {
		return err
	}
	pageNumbers := make([]int, 0, len(story.Pages))
	for _, p := range story.Pages {
		pageNumbers = append(pageNumbers, p.PageNumber)
	}
	_ = a.resolver.DeleteStoryImages(ctx, id, pageNumbers)
	return nil
}

// monthStart returns the beginning of the current calendar month (UTC),
// the window used for the stories-per-month quota.
func (a *App) monthStart() time.Time {
	now := a.now()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
