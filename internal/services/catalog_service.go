package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/repo"
)

// CatalogService exposes the read-only story catalog.
type CatalogService struct {
	DB *gorm.DB
}

// ListStories returns every story ordered by title.
func (s *CatalogService) ListStories(ctx context.Context) ([]domain.Story, error) {
	ctx, span := otel.Tracer("services/CatalogService").Start(ctx, "ListStories")
	defer span.End()

	items, err := repo.ListStories(ctx, s.DB)
	if err != nil {
		return nil, storeErr("catalog.list", err, nil)
	}
	return items, nil
}

// GetStory looks a story up by slug.
func (s *CatalogService) GetStory(ctx context.Context, slug string) (*domain.Story, error) {
	ctx, span := otel.Tracer("services/CatalogService").Start(ctx, "GetStory")
	defer span.End()

	slug, err := validateSlug(slug)
	if err != nil {
		return nil, err
	}
	st, err := repo.GetStoryBySlug(ctx, s.DB, slug)
	if err != nil {
		return nil, storeErr("catalog.get", err, ErrStoryNotFound)
	}
	return st, nil
}
