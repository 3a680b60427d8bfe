package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ivanw/zisync/internal/zserror"
)

func TestLoadMissingFileReportsConfigMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.ConfigMissing))
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := New()
	c.Username = "alice"
	c.DiscoverPort = 22026
	c.BackupRoot = "/srv/backup"

	require.NoError(t, Save(path, c))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, New()))

	second := New()
	second.Username = "bob"
	require.NoError(t, Save(path, second))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
}

func TestValidatePortRejectsOutOfRange(t *testing.T) {
	assert.NoError(t, ValidatePort(22026))
	err := ValidatePort(0)
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.InvalidPort))
	err = ValidatePort(70000)
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.InvalidPort))
}
