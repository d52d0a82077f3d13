package app

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when a caller touches another user's
	// profile, character, or story.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the caller is at or above the
	// monthly story cap of their plan. Detected before any external call.
	ErrQuotaExceeded = errors.New("monthly story quota reached")

	// ErrProfileLimitReached / ErrCharacterLimitReached gate creation
	// against the plan caps.
	ErrProfileLimitReached   = errors.New("child profile limit reached")
	ErrCharacterLimitReached = errors.New("character limit reached")

	// ErrInvalidRequest covers malformed story parameters (page count
	// out of range, missing theme, and similar).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPersistence is returned when the final story write fails; the
	// write is transactional, so nothing partial is visible.
	ErrPersistence = errors.New("story persistence failed")
)

// GenerationError reports a mid-story failure: pages 1..PagesCompleted
// were generated (and are persisted when PagesCompleted > 0); the rest
// were abandoned. Err is the underlying page failure.
type GenerationError struct {
	PagesCompleted int
	StoryID        string
	Err            error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("story generation failed after %d pages: %v", e.PagesCompleted, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
