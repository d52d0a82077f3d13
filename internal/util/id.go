package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe identifier for new records.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
