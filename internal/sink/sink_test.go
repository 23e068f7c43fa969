package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteTracksProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := Open(path, 10)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, path, s.Name())
	assert.Equal(t, uint64(10), s.DeclaredSize())
	assert.False(t, s.Complete())
	assert.Equal(t, float64(0), s.Progress())

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint64(5), s.BytesWritten())
	assert.Equal(t, 0.5, s.Progress())
	assert.False(t, s.Complete())

	_, err = s.Write([]byte("world"))
	require.NoError(t, err)
	assert.True(t, s.Complete())
	assert.Equal(t, float64(1), s.Progress())
}

func TestProgressClampsAtOneWhenOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := Open(path, 4)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("toolong"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), s.Progress())
	assert.True(t, s.Complete())
}

func TestProgressWithZeroDeclaredSizeIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, float64(0), s.Progress())
}

func TestOpenTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("stale contents here"), 0o644))

	s, err := Open(path, 5)
	require.NoError(t, err)
	_, err = s.Write([]byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}
