package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/landscape"
)

func TestInit_Layout(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", ".landscape")

	sqlDB, err := Init(baseDir)
	require.NoError(t, err)
	defer sqlDB.Close()

	for _, p := range []string{baseDir, filepath.Join(baseDir, "exports")} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, info.IsDir(), p)
	}
	_, err = os.Stat(filepath.Join(baseDir, DBFile))
	assert.NoError(t, err)

	var journalMode string
	require.NoError(t, sqlDB.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestInit_Schema(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()

	objects := map[string]string{
		"minima":                     "table",
		"transition_states":          "table",
		"idx_minima_energy":          "index",
		"idx_transition_states_pair": "index",
	}
	for name, kind := range objects {
		var got string
		err := sqlDB.QueryRow("SELECT name FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&got)
		assert.NoError(t, err, "%s %s missing", kind, name)
	}
}

func TestInit_ReopenKeepsVersionAndData(t *testing.T) {
	dir := t.TempDir()

	first, err := Init(dir)
	require.NoError(t, err)
	require.NoError(t, InsertMinimum(context.Background(), first, landscape.Minimum{
		ID: 1, Energy: -1, Coords: landscape.Coords{0, 0}, Hits: 1, CreatedAt: 1,
	}))
	first.Close()

	second, err := Init(dir)
	require.NoError(t, err)
	defer second.Close()

	version, err := GetUserVersion(second)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	minima, err := ListMinima(context.Background(), second)
	require.NoError(t, err)
	assert.Len(t, minima, 1)
}

func TestUserVersion(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, SetUserVersion(sqlDB, 99))
	version, err := GetUserVersion(sqlDB)
	require.NoError(t, err)
	assert.Equal(t, 99, version)
}

func TestConfigurePool(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()

	ConfigurePool(sqlDB, nil)
	assert.Equal(t, 0, sqlDB.Stats().MaxOpenConnections)

	cfg := config.DefaultConfig()
	cfg.DBMaxOpenConns = 4
	ConfigurePool(sqlDB, cfg)
	assert.Equal(t, 4, sqlDB.Stats().MaxOpenConnections)
}

func TestStore_PersistsThroughDatabase(t *testing.T) {
	sqlDB, err := Init(t.TempDir())
	require.NoError(t, err)
	defer sqlDB.Close()

	live := landscape.NewDatabase(landscape.Options{
		EnergyTolerance: 1e-3,
		Persister:       NewStore(sqlDB, DefaultBreakerConfig(), nil),
	})
	m1, _, err := live.AddMinimum(-1, landscape.Coords{0, 0})
	require.NoError(t, err)
	m2, _, err := live.AddMinimum(-2, landscape.Coords{1, 0})
	require.NoError(t, err)
	_, _, err = live.AddMinimum(-1, landscape.Coords{0, 0})
	require.NoError(t, err)
	_, _, err = live.AddTransitionState(0.5, landscape.Coords{0.5, 0}, m1.ID, m2.ID)
	require.NoError(t, err)

	reloaded := landscape.NewDatabase(landscape.Options{EnergyTolerance: 1e-3})
	nm, nts, err := Load(context.Background(), sqlDB, reloaded)
	require.NoError(t, err)
	assert.Equal(t, 2, nm)
	assert.Equal(t, 1, nts)

	got, ok := reloaded.Minimum(m1.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Hits)

	// New records continue after the restored ids.
	m3, isNew, err := reloaded.AddMinimum(-3, landscape.Coords{9, 9})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int64(3), m3.ID)
}
