package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input limits.
const (
	MaxFreeTextRunes   = 1000
	MaxChosenRunes     = 200
	MaxRatingTextRunes = 250
	MaxRoleIDs         = 16
	MaxNoteRunes       = 255
)

var (
	slugRE = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	idRE   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

func validateSlug(slug string) (string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", invalid("storySlug", "required")
	}
	if len(slug) > 100 || !slugRE.MatchString(slug) {
		return "", invalid("storySlug", "must be lowercase words separated by dashes")
	}
	return slug, nil
}

func validateID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid(field, "required")
	}
	if !idRE.MatchString(id) {
		return "", invalid(field, "must be 1-64 letters, digits, '_' or '-'")
	}
	return id, nil
}

// normalizeRoleIDs validates ids and removes duplicates, keeping first-seen order.
func normalizeRoleIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !idRE.MatchString(id) {
			return nil, invalid("roleIds", "each role id must be 1-64 letters, digits, '_' or '-'")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > MaxRoleIDs {
		return nil, invalid("roleIds", "too many roles")
	}
	return out, nil
}

func validateFreeText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxFreeTextRunes {
		return "", invalid("freeText", "too long")
	}
	return s, nil
}

func validateChosen(p *string) (string, error) {
	if p == nil {
		return "", nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return "", invalid("chosen", "must not be blank")
	}
	if utf8.RuneCountInString(s) > MaxChosenRunes {
		return "", invalid("chosen", "too long")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", invalid("chosen", "must be a single line")
		}
	}
	return s, nil
}

func validateRating(stars *int, text *string) (*ratingInput, error) {
	if stars == nil {
		if text != nil && strings.TrimSpace(*text) != "" {
			return nil, invalid("stars", "required when text is given")
		}
		return nil, nil
	}
	if *stars < 1 || *stars > 5 {
		return nil, invalid("stars", "must be between 1 and 5")
	}
	r := &ratingInput{stars: *stars}
	if text != nil {
		r.text = strings.TrimSpace(*text)
		if utf8.RuneCountInString(r.text) > MaxRatingTextRunes {
			return nil, invalid("text", "too long")
		}
	}
	return r, nil
}

type ratingInput struct {
	stars int
	text  string
}

func validateNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > MaxNoteRunes {
		return "", invalid("note", "too long")
	}
	return note, nil
}

// clampPage applies the list defaults used across services.
func clampPage(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
