package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tinytales/pkg/domain"
)

const migrateLockID int64 = 48723911

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent instances do not race.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ChildProfileModel{},
			&CharacterModel{},
			&StoryModel{},
			&StoryPageModel{},
			&StoryCharacterModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'story_page_models'
					AND constraint_name = 'story_page_models_story_id_fkey'
				) THEN
					ALTER TABLE story_page_models
					ADD CONSTRAINT story_page_models_story_id_fkey
					FOREIGN KEY (story_id) REFERENCES story_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'story_character_models'
					AND constraint_name = 'story_character_models_story_id_fkey'
				) THEN
					ALTER TABLE story_character_models
					ADD CONSTRAINT story_character_models_story_id_fkey
					FOREIGN KEY (story_id) REFERENCES story_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure story foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureUser creates the user row on first sight and returns the stored
// record (existing plan wins over the caller's default).
func (s *GormStore) EnsureUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	var stored UserModel
	if err := s.db.First(&stored, "id = ?", u.ID).Error; err != nil {
		return domain.User{}, err
	}
	return userFromModel(stored), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserPlan updates a user's subscription plan.
func (s *GormStore) SetUserPlan(id string, p domain.Plan) error {
	return s.db.Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"plan":       string(p),
			"updated_at": time.Now().UTC(),
		}).Error
}

// SaveProfile stores or updates a child profile.
func (s *GormStore) SaveProfile(p domain.ChildProfile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "age", "interests", "avatar_url", "updated_at"}),
	}).Create(&model).Error
}

// GetProfile retrieves a child profile.
func (s *GormStore) GetProfile(id string) (domain.ChildProfile, bool, error) {
	var model ChildProfileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChildProfile{}, false, nil
		}
		return domain.ChildProfile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// ListProfilesByOwner returns a user's profiles ordered by creation.
func (s *GormStore) ListProfilesByOwner(ownerID string) ([]domain.ChildProfile, error) {
	var models []ChildProfileModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChildProfile, 0, len(models))
	for _, m := range models {
		res = append(res, profileFromModel(m))
	}
	return res, nil
}

// CountProfilesByOwner counts a user's profiles.
func (s *GormStore) CountProfilesByOwner(ownerID string) (int, error) {
	var count int64
	if err := s.db.Model(&ChildProfileModel{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteProfile removes a child profile.
func (s *GormStore) DeleteProfile(id string) error {
	return s.db.Delete(&ChildProfileModel{}, "id = ?", id).Error
}

// SaveCharacter stores or updates a character.
func (s *GormStore) SaveCharacter(c domain.Character) error {
	model := characterToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "species", "traits", "updated_at"}),
	}).Create(&model).Error
}

// GetCharacter retrieves a character.
func (s *GormStore) GetCharacter(id string) (domain.Character, bool, error) {
	var model CharacterModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Character{}, false, nil
		}
		return domain.Character{}, false, err
	}
	return characterFromModel(model), true, nil
}

// ListCharactersByOwner returns a user's characters ordered by creation.
func (s *GormStore) ListCharactersByOwner(ownerID string) ([]domain.Character, error) {
	var models []CharacterModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Character, 0, len(models))
	for _, m := range models {
		res = append(res, characterFromModel(m))
	}
	return res, nil
}

// CountCharactersByOwner counts a user's characters.
func (s *GormStore) CountCharactersByOwner(ownerID string) (int, error) {
	var count int64
	if err := s.db.Model(&CharacterModel{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteCharacter removes a character and its story links.
func (s *GormStore) DeleteCharacter(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&StoryCharacterModel{}, "character_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&CharacterModel{}, "id = ?", id).Error
	})
}

// CreateStoryWithPages writes story, pages, and character links in one
// transaction; nothing is visible on failure.
func (s *GormStore) CreateStoryWithPages(story domain.Story, pages []domain.StoryPage) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := storyToModel(story)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(pages) > 0 {
			pageModels := make([]StoryPageModel, 0, len(pages))
			for _, p := range pages {
				pm := pageToModel(p)
				pm.StoryID = story.ID
				pageModels = append(pageModels, pm)
			}
			if err := tx.CreateInBatches(&pageModels, 50).Error; err != nil {
				return err
			}
		}
		for _, characterID := range story.CharacterIDs {
			link := StoryCharacterModel{StoryID: story.ID, CharacterID: characterID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStory retrieves a story with its pages and character links.
func (s *GormStore) GetStory(id string) (domain.Story, bool, error) {
	var model StoryModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Story{}, false, nil
		}
		return domain.Story{}, false, err
	}
	story := storyFromModel(model)

	var pageModels []StoryPageModel
	if err := s.db.Where("story_id = ?", id).Order("page_number ASC").Find(&pageModels).Error; err != nil {
		return domain.Story{}, false, err
	}
	for _, pm := range pageModels {
		story.Pages = append(story.Pages, pageFromModel(pm))
	}

	var links []StoryCharacterModel
	if err := s.db.Where("story_id = ?", id).Find(&links).Error; err != nil {
		return domain.Story{}, false, err
	}
	for _, link := range links {
		story.CharacterIDs = append(story.CharacterIDs, link.CharacterID)
	}
	return story, true, nil
}

// ListStoriesByOwner returns story metadata (no pages), newest first.
func (s *GormStore) ListStoriesByOwner(ownerID string) ([]domain.Story, error) {
	var models []StoryModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Story, 0, len(models))
	for _, m := range models {
		res = append(res, storyFromModel(m))
	}
	return res, nil
}

// CountStoriesCreatedSince counts a user's stories created at or after
// since. Used for monthly quota checks.
func (s *GormStore) CountStoriesCreatedSince(ownerID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&StoryModel{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpdateStoryMeta patches user-editable story metadata.
func (s *GormStore) UpdateStoryMeta(id, title, summary, category string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if strings.TrimSpace(title) != "" {
		updates["title"] = strings.TrimSpace(title)
	}
	if strings.TrimSpace(summary) != "" {
		updates["summary"] = strings.TrimSpace(summary)
	}
	if strings.TrimSpace(category) != "" {
		updates["category"] = strings.TrimSpace(category)
	}
	return s.db.Model(&StoryModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteStory removes a story; pages and links go with it via FK cascade.
func (s *GormStore) DeleteStory(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&StoryCharacterModel{}, "story_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&StoryPageModel{}, "story_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&StoryModel{}, "id = ?", id).Error
	})
}

func userToModel(u domain.User) UserModel {
	plan := u.Plan
	if plan == "" {
		plan = domain.PlanFree
	}
	return UserModel{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Plan:        string(plan),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	plan := domain.Plan(m.Plan)
	if plan == "" {
		plan = domain.PlanFree
	}
	return domain.User{
		ID:          m.ID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		Plan:        plan,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func profileToModel(p domain.ChildProfile) ChildProfileModel {
	interests, _ := json.Marshal(p.Interests)
	return ChildProfileModel{
		ID:        p.ID,
		OwnerID:   p.OwnerID,
		Name:      p.Name,
		Age:       p.Age,
		Interests: interests,
		AvatarURL: p.AvatarURL,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func profileFromModel(m ChildProfileModel) domain.ChildProfile {
	var interests []string
	if len(m.Interests) > 0 {
		_ = json.Unmarshal(m.Interests, &interests)
	}
	return domain.ChildProfile{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Age:       m.Age,
		Interests: interests,
		AvatarURL: m.AvatarURL,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func characterToModel(c domain.Character) CharacterModel {
	traits, _ := json.Marshal(c.Traits)
	return CharacterModel{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Name:      c.Name,
		Species:   c.Species,
		Traits:    traits,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func characterFromModel(m CharacterModel) domain.Character {
	var traits []string
	if len(m.Traits) > 0 {
		_ = json.Unmarshal(m.Traits, &traits)
	}
	return domain.Character{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Species:   m.Species,
		Traits:    traits,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func storyToModel(s domain.Story) StoryModel {
	return StoryModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		ChildProfileID: s.ChildProfileID,
		Title:          s.Title,
		Theme:          s.Theme,
		Summary:        s.Summary,
		Language:       s.Language,
		Category:       s.Category,
		WritingStyle:   s.WritingStyle,
		ReaderAge:      s.ReaderAge,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func storyFromModel(m StoryModel) domain.Story {
	return domain.Story{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		ChildProfileID: m.ChildProfileID,
		Title:          m.Title,
		Theme:          m.Theme,
		Summary:        m.Summary,
		Language:       m.Language,
		Category:       m.Category,
		WritingStyle:   m.WritingStyle,
		ReaderAge:      m.ReaderAge,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func pageToModel(p domain.StoryPage) StoryPageModel {
	return StoryPageModel{
		ID:              p.ID,
		StoryID:         p.StoryID,
		PageNumber:      p.PageNumber,
		Text:            p.Text,
		IllustrationURL: p.IllustrationURL,
		CreatedAt:       p.CreatedAt,
	}
}

func pageFromModel(m StoryPageModel) domain.StoryPage {
	return domain.StoryPage{
		ID:              m.ID,
		StoryID:         m.StoryID,
		PageNumber:      m.PageNumber,
		Text:            m.Text,
		IllustrationURL: m.IllustrationURL,
		CreatedAt:       m.CreatedAt,
	}
}
