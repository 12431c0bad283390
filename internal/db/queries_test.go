package db

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

func TestInsertAndListMinima(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()
	ctx := context.Background()

	require.NoError(t, InsertMinimum(ctx, sqlDB, landscape.Minimum{
		ID: 2, Energy: -1.5, Coords: landscape.Coords{1, 2, 3}, Tag: "C2v", Hits: 1, CreatedAt: 100,
	}))
	require.NoError(t, InsertMinimum(ctx, sqlDB, landscape.Minimum{
		ID: 1, Energy: -2.5, Coords: landscape.Coords{4, 5, 6}, Hits: 3, CreatedAt: 50,
	}))

	got, err := ListMinima(ctx, sqlDB)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "", got[0].Tag)
	assert.Equal(t, 3, got[0].Hits)
	assert.Equal(t, "C2v", got[1].Tag)
	assert.Equal(t, landscape.Coords{1, 2, 3}, got[1].Coords)
}

func TestInsertMinimum_UniqueConstraint(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()
	ctx := context.Background()

	m := landscape.Minimum{ID: 1, Energy: 0, Coords: landscape.Coords{0}, Hits: 1}
	require.NoError(t, InsertMinimum(ctx, sqlDB, m))
	err = InsertMinimum(ctx, sqlDB, m)
	assert.Equal(t, ErrUniqueConstraint, err)
}

func TestUpdateMinimumHits(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()
	ctx := context.Background()

	require.NoError(t, InsertMinimum(ctx, sqlDB, landscape.Minimum{ID: 1, Coords: landscape.Coords{0}, Hits: 1}))
	require.NoError(t, UpdateMinimumHits(ctx, sqlDB, 1, 7))

	got, err := ListMinima(ctx, sqlDB)
	require.NoError(t, err)
	assert.Equal(t, 7, got[0].Hits)

	err = UpdateMinimumHits(ctx, sqlDB, 99, 1)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestLoad_RoundTripThroughDatabase(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()

	store := NewStore(sqlDB, DefaultBreakerConfig(), nil)
	live := landscape.NewDatabase(landscape.Options{EnergyTolerance: 1e-3, Persister: store})
	a, _, err := live.AddMinimum(1.0, landscape.Coords{0, 0})
	require.NoError(t, err)
	b, _, err := live.AddMinimum(1.2, landscape.Coords{1, 0})
	require.NoError(t, err)
	_, _, err = live.AddMinimum(1.0, landscape.Coords{0, 0})
	require.NoError(t, err)
	_, _, err = live.AddTransitionState(2.0, landscape.Coords{0.5, 0}, a.ID, b.ID)
	require.NoError(t, err)

	restored := landscape.NewDatabase(landscape.Options{EnergyTolerance: 1e-3})
	nm, nts, err := Load(context.Background(), sqlDB, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, nm)
	assert.Equal(t, 1, nts)

	got, ok := restored.Minimum(a.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Hits)

	// New ids continue after the restored ones
	c, isNew, err := restored.AddMinimum(3.0, landscape.Coords{5, 5})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int64(3), c.ID)
}

func TestStore_BreakerOpensOnFailures(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)

	store := NewStore(sqlDB, DefaultBreakerConfig(), nil)
	assert.Equal(t, "closed", store.State())

	// A closed database fails every write
	require.NoError(t, sqlDB.Close())
	for i := int64(1); i <= 5; i++ {
		err := store.SaveMinimum(landscape.Minimum{ID: i, Coords: landscape.Coords{0}, Hits: 1})
		assert.Error(t, err)
	}
	assert.Equal(t, "open", store.State())

	err = store.SaveMinimum(landscape.Minimum{ID: 6, Coords: landscape.Coords{0}, Hits: 1})
	assert.True(t, stderrors.Is(err, gobreaker.ErrOpenState))
}
