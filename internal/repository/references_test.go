package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/testutil"
)

func TestRepository_ResolveReferences(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	refs, err := repo.ResolveReferences(ctx, testutil.CategoryGroceries, []string{"weekly", " weekly ", "household"}, false)
	require.NoError(t, err)
	require.NotNil(t, refs.CategoryID)
	assert.Equal(t, db.MustGetCategory(testutil.CategoryGroceries), *refs.CategoryID)
	assert.Len(t, refs.TagIDs, 2)

	again, err := repo.ResolveReferences(ctx, "", []string{"household", "weekly"}, false)
	require.NoError(t, err)
	assert.Nil(t, again.CategoryID)
	assert.Equal(t, refs.TagIDs, again.TagIDs)
}

func TestRepository_ResolveReferencesMissingCategory(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.ResolveReferences(ctx, "Pharmacy", nil, false)
	assert.ErrorIs(t, err, common.ErrNotFound)

	created, err := repo.ResolveReferences(ctx, "Pharmacy", nil, true)
	require.NoError(t, err)
	require.NotNil(t, created.CategoryID)

	found, err := repo.ResolveReferences(ctx, "Pharmacy", nil, false)
	require.NoError(t, err)
	assert.Equal(t, *created.CategoryID, *found.CategoryID)
}

func TestRepository_ResolveReferencesEmpty(t *testing.T) {
	repo, _ := newTestRepository(t)
	refs, err := repo.ResolveReferences(context.Background(), "  ", nil, false)
	require.NoError(t, err)
	assert.Nil(t, refs.CategoryID)
	assert.Empty(t, refs.TagIDs)
}
