// Package catalog loads the read-only story catalog from YAML and seeds it
// into the store. Seeding is an upsert keyed by slug, so it can run on every
// start.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/repo"
)

// Entry is one story as written in the catalog file.
type Entry struct {
	Slug                  string `yaml:"slug"`
	Title                 string `yaml:"title"`
	CreditsPerChapter     int64  `yaml:"credits_per_chapter"`
	EstimatedChapterCount int    `yaml:"estimated_chapter_count"`
}

// Catalog is the parsed file.
type Catalog struct {
	Stories []Entry `yaml:"stories"`
}

var slugRE = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Parse decodes and validates a catalog document.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Validate checks slugs, titles and pricing.
func (c *Catalog) Validate() error {
	seen := map[string]bool{}
	for i, s := range c.Stories {
		switch {
		case !slugRE.MatchString(s.Slug):
			return fmt.Errorf("stories[%d]: invalid slug %q", i, s.Slug)
		case seen[s.Slug]:
			return fmt.Errorf("stories[%d]: duplicate slug %q", i, s.Slug)
		case strings.TrimSpace(s.Title) == "":
			return fmt.Errorf("stories[%d]: title is required", i)
		case s.CreditsPerChapter < 0:
			return fmt.Errorf("stories[%d]: credits_per_chapter must be >= 0", i)
		case s.EstimatedChapterCount < 0:
			return fmt.Errorf("stories[%d]: estimated_chapter_count must be >= 0", i)
		}
		seen[s.Slug] = true
	}
	return nil
}

// Seed upserts every entry and returns how many were written.
func Seed(ctx context.Context, db *gorm.DB, c *Catalog) (int, error) {
	n := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range c.Stories {
			s := &domain.Story{
				Slug:  e.Slug,
				Title: strings.TrimSpace(e.Title),
				Pricing: domain.Pricing{
					CreditsPerChapter:     e.CreditsPerChapter,
					EstimatedChapterCount: e.EstimatedChapterCount,
				},
			}
			if err := repo.UpsertStory(ctx, tx, s); err != nil {
				return fmt.Errorf("seed %s: %w", e.Slug, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
