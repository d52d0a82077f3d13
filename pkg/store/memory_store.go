package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"tinytales/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs unit tests and local
// development without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]domain.User
	profiles   map[string]domain.ChildProfile
	characters map[string]domain.Character
	stories    map[string]domain.Story
	pages      map[string][]domain.StoryPage // story ID -> pages in page order
	orders     []string                      // story insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]domain.User),
		profiles:   make(map[string]domain.ChildProfile),
		characters: make(map[string]domain.Character),
		stories:    make(map[string]domain.Story),
		pages:      make(map[string][]domain.StoryPage),
	}
}

// EnsureUser creates the user on first sight and returns the stored row.
func (m *MemoryStore) EnsureUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		return existing, nil
	}
	if u.Plan == "" {
		u.Plan = domain.PlanFree
	}
	m.users[u.ID] = u
	return u, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if strings.ToLower(u.Email) == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// SetUserPlan updates a user's plan.
func (m *MemoryStore) SetUserPlan(id string, p domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	u.Plan = p
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

// SaveProfile stores or replaces a child profile.
func (m *MemoryStore) SaveProfile(p domain.ChildProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

// GetProfile retrieves a child profile.
func (m *MemoryStore) GetProfile(id string) (domain.ChildProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// ListProfilesByOwner returns a user's profiles.
func (m *MemoryStore) ListProfilesByOwner(ownerID string) ([]domain.ChildProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChildProfile, 0)
	for _, p := range m.profiles {
		if p.OwnerID == ownerID {
			res = append(res, p)
		}
	}
	sortByCreated(res, func(p domain.ChildProfile) time.Time { return p.CreatedAt })
	return res, nil
}

// CountProfilesByOwner counts a user's profiles.
func (m *MemoryStore) CountProfilesByOwner(ownerID string) (int, error) {
	profiles, _ := m.ListProfilesByOwner(ownerID)
	return len(profiles), nil
}

// DeleteProfile removes a child profile.
func (m *MemoryStore) DeleteProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, id)
	return nil
}

// SaveCharacter stores or replaces a character.
func (m *MemoryStore) SaveCharacter(c domain.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.characters[c.ID] = c
	return nil
}

// GetCharacter retrieves a character.
func (m *MemoryStore) GetCharacter(id string) (domain.Character, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.characters[id]
	return c, ok, nil
}

// ListCharactersByOwner returns a user's characters.
func (m *MemoryStore) ListCharactersByOwner(ownerID string) ([]domain.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Character, 0)
	for _, c := range m.characters {
		if c.OwnerID == ownerID {
			res = append(res, c)
		}
	}
	sortByCreated(res, func(c domain.Character) time.Time { return c.CreatedAt })
	return res, nil
}

// CountCharactersByOwner counts a user's characters.
func (m *MemoryStore) CountCharactersByOwner(ownerID string) (int, error) {
	characters, _ := m.ListCharactersByOwner(ownerID)
	return len(characters), nil
}

// DeleteCharacter removes a character and its story links.
func (m *MemoryStore) DeleteCharacter(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.characters, id)
	for storyID, story := range m.stories {
		filtered := story.CharacterIDs[:0]
		for _, cid := range story.CharacterIDs {
			if cid != id {
				filtered = append(filtered, cid)
			}
		}
		story.CharacterIDs = filtered
		m.stories[storyID] = story
	}
	return nil
}

// CreateStoryWithPages writes story, pages, and links atomically (under
// one lock here).
func (m *MemoryStore) CreateStoryWithPages(story domain.Story, pages []domain.StoryPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := story
	stored.Pages = nil
	m.stories[story.ID] = stored
	copied := make([]domain.StoryPage, len(pages))
	copy(copied, pages)
	m.pages[story.ID] = copied
	m.orders = append(m.orders, story.ID)
	return nil
}

// GetStory retrieves a story with its pages.
func (m *MemoryStore) GetStory(id string) (domain.Story, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	story, ok := m.stories[id]
	if !ok {
		return domain.Story{}, false, nil
	}
	story.Pages = append([]domain.StoryPage(nil), m.pages[id]...)
	return story, true, nil
}

// ListStoriesByOwner returns story metadata in reverse insertion order.
func (m *MemoryStore) ListStoriesByOwner(ownerID string) ([]domain.Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Story, 0)
	for i := len(m.orders) - 1; i >= 0; i-- {
		if story, ok := m.stories[m.orders[i]]; ok && story.OwnerID == ownerID {
			res = append(res, story)
		}
	}
	return res, nil
}

// CountStoriesCreatedSince counts a user's stories created at or after
// since.
func (m *MemoryStore) CountStoriesCreatedSince(ownerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, story := range m.stories {
		if story.OwnerID == ownerID && !story.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// UpdateStoryMeta patches user-editable story metadata.
func (m *MemoryStore) UpdateStoryMeta(id, title, summary, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	story, ok := m.stories[id]
	if !ok {
		return nil
	}
	if strings.TrimSpace(title) != "" {
		story.Title = strings.TrimSpace(title)
	}
	if strings.TrimSpace(summary) != "" {
		story.Summary = strings.TrimSpace(summary)
	}
	if strings.TrimSpace(category) != "" {
		story.Category = strings.TrimSpace(category)
	}
	story.UpdatedAt = time.Now().UTC()
	m.stories[id] = story
	return nil
}

// DeleteStory removes a story with its pages.
func (m *MemoryStore) DeleteStory(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stories, id)
	delete(m.pages, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

func sortByCreated[T any](items []T, created func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return created(items[i]).Before(created(items[j]))
	})
}
