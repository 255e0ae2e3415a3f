package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

// References are category and tag IDs resolved from their names.
type References struct {
	CategoryID *string
	TagIDs     []string
}

// ResolveReferences looks up a category and tags by name. Tags are created
// on first use. A missing category is created when createCategory is set
// and is a not-found error otherwise.
func (r *Repository) ResolveReferences(ctx context.Context, category string, tags []string, createCategory bool) (References, error) {
	var refs References
	category = strings.TrimSpace(category)
	if category == "" && len(tags) == 0 {
		return refs, nil
	}

	err := r.Transact(ctx, "resolve references", func(s service.Session) error {
		refs = References{}
		if category != "" {
			cat, err := s.GetCategoryByName(ctx, category)
			if errors.Is(err, common.ErrNotFound) && createCategory {
				cat = &model.Category{Name: category}
				err = s.SaveCategory(ctx, cat)
			}
			if err != nil {
				return fmt.Errorf("category %q: %w", category, err)
			}
			id := cat.ID
			refs.CategoryID = &id
		}

		for _, name := range tags {
			if strings.TrimSpace(name) == "" {
				continue
			}
			tag, err := s.EnsureTag(ctx, name)
			if err != nil {
				return fmt.Errorf("tag %q: %w", name, err)
			}
			refs.TagIDs = append(refs.TagIDs, tag.ID)
		}
		refs.TagIDs = model.NormalizeTags(refs.TagIDs)
		return nil
	})
	return refs, err
}
