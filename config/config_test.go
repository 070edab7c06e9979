package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrInitCreatesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	f, err := s.LoadOrInit()
	require.NoError(t, err)
	assert.Empty(t, f.Profiles)

	_, err = os.Stat(filepath.Join(dir, "profiles.toml"))
	require.NoError(t, err)
}

func TestSetAndLoadProfile(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.SetProfile("lab", Profile{
		URL:       "http://lab/shell.php",
		Param:     "c",
		Obfuscate: true,
		OS:        "linux",
	}))

	p, err := s.Profile("lab")
	require.NoError(t, err)
	assert.Equal(t, "http://lab/shell.php", p.URL)
	assert.Equal(t, "c", p.Param)
	assert.Equal(t, "GET", p.Method, "webshell profiles default to GET")
	assert.True(t, p.Obfuscate)
}

func TestProfileDefaultsParam(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.SetProfile("bare", Profile{URL: "http://x/s.php"}))

	p, err := s.Profile("bare")
	require.NoError(t, err)
	assert.Equal(t, "cmd", p.Param)
}

func TestUnknownProfile(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Profile("ghost")
	require.ErrorContains(t, err, "ghost")
}

func TestSetProfileOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.SetProfile("lab", Profile{URL: "http://old/"}))
	require.NoError(t, s.SetProfile("lab", Profile{URL: "http://new/"}))

	p, err := s.Profile("lab")
	require.NoError(t, err)
	assert.Equal(t, "http://new/", p.URL)
}

func TestDefaultDirHonorsOverride(t *testing.T) {
	t.Setenv(EnvConfigDir, "/tmp/sledge-test-config")
	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sledge-test-config", dir)
}
