// pkg/generation/generation_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Real filesystem
// PURPOSE: Test generation naming, location, seeding, and promotion

package generation_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certswap/certswap/pkg/errors"
	"github.com/certswap/certswap/pkg/fsops"
	"github.com/certswap/certswap/pkg/generation"
	"github.com/certswap/certswap/pkg/testutil"
)

// confWithGeneration builds a conf dir holding one generation and an
// alias symlink pointing at it.
func confWithGeneration(t *testing.T, genName string) (string, *fsops.DirHandle) {
	t.Helper()

	confDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(confDir, genName), 0750))
	require.NoError(t, os.Symlink(genName, filepath.Join(confDir, "alias")))

	conf, err := fsops.Open(confDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conf.Close() })
	return confDir, conf
}

func TestNewName(t *testing.T) {
	now := time.Date(2026, 8, 27, 9, 5, 3, 999, time.UTC)
	assert.Equal(t, "alias-20260827090503", generation.NewName(now))

	// Non-UTC times are converted.
	loc := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, "alias-20260827070503",
		generation.NewName(time.Date(2026, 8, 27, 9, 5, 3, 0, loc)))
}

func TestLocateOld(t *testing.T) {
	t.Run("resolves_alias", func(t *testing.T) {
		_, conf := confWithGeneration(t, "alias-20240101000000")

		old, name, _, err := generation.LocateOld(conf)
		require.NoError(t, err)
		defer old.Close()

		assert.Equal(t, "alias-20240101000000", name)
	})

	t.Run("alias_missing", func(t *testing.T) {
		conf, err := fsops.Open(t.TempDir())
		require.NoError(t, err)
		defer conf.Close()

		_, _, _, err = generation.LocateOld(conf)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrNotFound), "got %v", err)
	})

	t.Run("alias_not_a_symlink", func(t *testing.T) {
		confDir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(confDir, "alias"), 0750))

		conf, err := fsops.Open(confDir)
		require.NoError(t, err)
		defer conf.Close()

		_, _, _, err = generation.LocateOld(conf)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrWrongType), "got %v", err)
	})

	t.Run("alias_target_with_slash", func(t *testing.T) {
		confDir := t.TempDir()
		require.NoError(t, os.Symlink("x/y", filepath.Join(confDir, "alias")))

		conf, err := fsops.Open(confDir)
		require.NoError(t, err)
		defer conf.Close()

		_, _, _, err = generation.LocateOld(conf)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrLinkInvalid), "got %v", err)
	})

	t.Run("alias_target_too_long", func(t *testing.T) {
		confDir := t.TempDir()
		require.NoError(t, os.Symlink("alias-20240101000000-way-too-long",
			filepath.Join(confDir, "alias")))

		conf, err := fsops.Open(confDir)
		require.NoError(t, err)
		defer conf.Close()

		_, _, _, err = generation.LocateOld(conf)
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrLinkInvalid), "got %v", err)
	})
}

func TestCreateNew(t *testing.T) {
	confDir := t.TempDir()
	conf, err := fsops.Open(confDir)
	require.NoError(t, err)
	defer conf.Close()

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	dir, name, err := generation.CreateNew(conf, now, os.Getgid())
	require.NoError(t, err)
	defer dir.Close()

	assert.Equal(t, "alias-20260827120000", name)

	info, err := os.Stat(filepath.Join(confDir, name))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())

	// A second migration within the same second collides and fails fast.
	_, _, err = generation.CreateNew(conf, now, os.Getgid())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrDirExists), "got %v", err)
}

func TestSeedIndexFiles(t *testing.T) {
	confDir, conf := confWithGeneration(t, "alias-20240101000000")
	oldDir := filepath.Join(confDir, "alias-20240101000000")
	testutil.WriteIndexFiles(t, oldDir, nil)

	seedTime := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for _, name := range []string{"cert-index", "key-index", "module-index"} {
		require.NoError(t, os.Chtimes(filepath.Join(oldDir, name), seedTime, seedTime))
	}

	old, _, _, err := generation.LocateOld(conf)
	require.NoError(t, err)
	defer old.Close()

	dest, destName, err := generation.CreateNew(conf,
		time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC), os.Getgid())
	require.NoError(t, err)
	defer dest.Close()

	require.NoError(t, generation.SeedIndexFiles(old, dest, os.Getgid()))

	for _, name := range []string{"cert-index", "key-index", "module-index"} {
		srcData, err := os.ReadFile(filepath.Join(oldDir, name))
		require.NoError(t, err)
		destData, err := os.ReadFile(filepath.Join(confDir, destName, name))
		require.NoError(t, err)
		assert.Equal(t, srcData, destData, "%s must be byte-exact", name)

		info, err := os.Stat(filepath.Join(confDir, destName, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0660), info.Mode().Perm())
		assert.True(t, info.ModTime().Equal(seedTime), "%s timestamps copied", name)
	}
}

func TestSeedIndexFiles_MissingSource(t *testing.T) {
	confDir, conf := confWithGeneration(t, "alias-20240101000000")
	oldDir := filepath.Join(confDir, "alias-20240101000000")
	testutil.WriteIndexFiles(t, oldDir, nil)
	require.NoError(t, os.Remove(filepath.Join(oldDir, "key-index")))

	old, _, _, err := generation.LocateOld(conf)
	require.NoError(t, err)
	defer old.Close()

	dest, _, err := generation.CreateNew(conf,
		time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC), os.Getgid())
	require.NoError(t, err)
	defer dest.Close()

	err = generation.SeedIndexFiles(old, dest, os.Getgid())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrNotFound), "got %v", err)
}

func TestSeedIndexFiles_WrongType(t *testing.T) {
	confDir, conf := confWithGeneration(t, "alias-20240101000000")
	oldDir := filepath.Join(confDir, "alias-20240101000000")
	testutil.WriteIndexFiles(t, oldDir, nil)
	require.NoError(t, os.Remove(filepath.Join(oldDir, "cert-index")))
	require.NoError(t, os.Mkdir(filepath.Join(oldDir, "cert-index"), 0750))

	old, _, _, err := generation.LocateOld(conf)
	require.NoError(t, err)
	defer old.Close()

	dest, _, err := generation.CreateNew(conf,
		time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC), os.Getgid())
	require.NoError(t, err)
	defer dest.Close()

	err = generation.SeedIndexFiles(old, dest, os.Getgid())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrWrongType), "got %v", err)
}

func TestPromote(t *testing.T) {
	confDir, conf := confWithGeneration(t, "alias-20240101000000")
	require.NoError(t, os.Mkdir(filepath.Join(confDir, "alias-20260827120000"), 0750))

	old, _, owner, err := generation.LocateOld(conf)
	require.NoError(t, err)
	defer old.Close()

	require.NoError(t, generation.Promote(conf, "alias-20260827120000", owner))

	target, err := os.Readlink(filepath.Join(confDir, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "alias-20260827120000", target)

	_, err = os.Lstat(filepath.Join(confDir, "alias.new"))
	assert.True(t, os.IsNotExist(err), "staging link must not remain")
}
