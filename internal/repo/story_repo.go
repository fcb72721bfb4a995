package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// GetStoryBySlug resolves a catalog entry by its slug.
func GetStoryBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Story, error) {
	var s domain.Story
	err := db.WithContext(ctx).First(&s, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, err
}

// GetStory resolves a catalog entry by id.
func GetStory(ctx context.Context, db *gorm.DB, id string) (*domain.Story, error) {
	var s domain.Story
	err := db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, err
}

// ListStories returns the catalog ordered by title.
func ListStories(ctx context.Context, db *gorm.DB) ([]domain.Story, error) {
	var out []domain.Story
	err := db.WithContext(ctx).Order("title ASC").Order("slug ASC").Find(&out).Error
	return out, err
}

// UpsertStory inserts a story or refreshes title and pricing of the row with
// the same slug. The stored row (with its original id) is written back into s.
func UpsertStory(ctx context.Context, db *gorm.DB, s *domain.Story) error {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title",
			"pricing_credits_per_chapter",
			"pricing_estimated_chapter_count",
			"updated_at",
		}),
	}).Create(s).Error
	if err != nil {
		return err
	}
	stored, err := GetStoryBySlug(ctx, db, s.Slug)
	if err != nil {
		return err
	}
	*s = *stored
	return nil
}
