package domain

import "time"

// Plan is a named subscription tier. Quotas for each tier live in pkg/plan.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPremium  Plan = "premium"
	PlanLifetime Plan = "lifetime"
)

// User is an account created on first verified OAuth sign-in.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Plan        Plan      `json:"plan"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChildProfile is a named reader persona owned by exactly one user.
type ChildProfile struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	Interests []string  `json:"interests"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Character is a reusable story actor owned by a user and linked to
// stories through story-character join rows.
type Character struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Species   string    `json:"species"`
	Traits    []string  `json:"traits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Story is one generated narrative. It belongs to exactly one user and
// references at most one child profile.
type Story struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"ownerId"`
	ChildProfileID string      `json:"childProfileId,omitempty"`
	Title          string      `json:"title"`
	Theme          string      `json:"theme"`
	Summary        string      `json:"summary,omitempty"`
	Language       string      `json:"language"`
	Category       string      `json:"category,omitempty"`
	WritingStyle   string      `json:"writingStyle,omitempty"`
	ReaderAge      int         `json:"readerAge"`
	CharacterIDs   []string    `json:"characterIds,omitempty"`
	Pages          []StoryPage `json:"pages,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// StoryPage is one page of a story. Page numbers are dense and ascending
// starting at 1 within a story. Pages are immutable: the illustration is
// persisted before the page row is written, so rows never change after
// creation.
type StoryPage struct {
	ID              string    `json:"id"`
	StoryID         string    `json:"storyId"`
	PageNumber      int       `json:"pageNumber"`
	Text            string    `json:"text"`
	IllustrationURL string    `json:"illustrationUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
