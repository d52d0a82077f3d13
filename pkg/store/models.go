package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID          string `gorm:"primaryKey"`
	Email       string `gorm:"uniqueIndex;not null"`
	DisplayName string
	Plan        string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

type ChildProfileModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	Age       int    `gorm:"not null"`
	Interests datatypes.JSON
	AvatarURL string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type CharacterModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	Species   string `gorm:"not null"`
	Traits    datatypes.JSON
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type StoryModel struct {
	ID             string `gorm:"primaryKey"`
	OwnerID        string `gorm:"not null;index"`
	ChildProfileID string `gorm:"index"`
	Title          string `gorm:"not null"`
	Theme          string
	Summary        string `gorm:"type:text"`
	Language       string
	Category       string
	WritingStyle   string
	ReaderAge      int
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type StoryPageModel struct {
	ID              string `gorm:"primaryKey"`
	StoryID         string `gorm:"not null;index:idx_story_page,unique"`
	PageNumber      int    `gorm:"not null;index:idx_story_page,unique"`
	Text            string `gorm:"type:text;not null"`
	IllustrationURL string
	CreatedAt       time.Time `gorm:"not null"`
}

type StoryCharacterModel struct {
	StoryID     string `gorm:"primaryKey"`
	CharacterID string `gorm:"primaryKey;index"`
}
