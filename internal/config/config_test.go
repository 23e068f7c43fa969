package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNetrc(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "netrc")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadUsesExplicitHostWithoutNetrc(t *testing.T) {
	cfg, err := Load(Flags{Host: "news.example.com", Port: 563, Threads: 4})
	require.NoError(t, err)
	assert.Equal(t, "news.example.com", cfg.Host)
	assert.Equal(t, 563, cfg.Port)
	assert.Equal(t, 4, cfg.Threads)
}

func TestLoadFailsWithNoHostAndNoConfig(t *testing.T) {
	empty := writeNetrc(t, "")
	_, err := Load(Flags{ConfigPath: empty})
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestLoadFillsCredentialsFromConfigFile(t *testing.T) {
	path := writeNetrc(t, "machine news.example.com login alice password hunter2 port 563\n")

	cfg, err := Load(Flags{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "news.example.com", cfg.Host)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "hunter2", cfg.Pass)
	assert.Equal(t, 563, cfg.Port)
}

func TestLoadMatchesEntryByExplicitHost(t *testing.T) {
	path := writeNetrc(t, strings.Join([]string{
		"machine other.example.com login bob password wrong",
		"machine news.example.com login alice password hunter2",
	}, "\n"))

	cfg, err := Load(Flags{Host: "news.example.com", ConfigPath: path, Port: 119})
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "hunter2", cfg.Pass)
}

func TestParseNetrcMultipleMachines(t *testing.T) {
	f, err := os.Open(writeNetrc(t, "machine a.com login x password y\nmachine b.com login z password w port 119\n"))
	require.NoError(t, err)
	defer f.Close()

	entries, err := parseNetrc(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.com", entries[0].Host)
	assert.Equal(t, "b.com", entries[1].Host)
	assert.Equal(t, 119, entries[1].Port)
}
