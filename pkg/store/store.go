package store

import (
	"time"

	"tinytales/pkg/domain"
)

// Store is the persistence boundary shared by the GORM-backed
// implementation and the in-memory one used in tests.
type Store interface {
	// Users.
	EnsureUser(u domain.User) (domain.User, error)
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	SetUserPlan(id string, p domain.Plan) error

	// Child profiles.
	SaveProfile(p domain.ChildProfile) error
	GetProfile(id string) (domain.ChildProfile, bool, error)
	ListProfilesByOwner(ownerID string) ([]domain.ChildProfile, error)
	CountProfilesByOwner(ownerID string) (int, error)
	DeleteProfile(id string) error

	// Characters.
	SaveCharacter(c domain.Character) error
	GetCharacter(id string) (domain.Character, bool, error)
	ListCharactersByOwner(ownerID string) ([]domain.Character, error)
	CountCharactersByOwner(ownerID string) (int, error)
	DeleteCharacter(id string) error

	// Stories. CreateStoryWithPages writes the story, its pages, and its
	// character links as one transaction.
	CreateStoryWithPages(story domain.Story, pages []domain.StoryPage) error
	GetStory(id string) (domain.Story, bool, error)
	ListStoriesByOwner(ownerID string) ([]domain.Story, error)
	CountStoriesCreatedSince(ownerID string, since time.Time) (int, error)
	UpdateStoryMeta(id, title, summary, category string) error
	DeleteStory(id string) error
}
