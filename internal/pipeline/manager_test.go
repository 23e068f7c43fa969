package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamnzb/internal/nzb"
	"streamnzb/internal/rar"
)

func newTestManager() *Manager {
	doc := &nzb.Document{}
	return New(Config{Host: "localhost", Port: 119, Threads: 2, Timeout: time.Second}, doc)
}

func TestDrawOrderIsMonotonicAndUnique(t *testing.T) {
	m := newTestManager()
	defer m.Pool().Quit()

	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 100; i++ {
		o := m.drawOrder()
		assert.False(t, seen[o], "order %d reused", o)
		seen[o] = true
		if i > 0 {
			assert.Greater(t, o, last)
		}
		last = o
	}
}

func TestMediaExtRecognisesCommonContainers(t *testing.T) {
	for _, name := range []string{"movie.mkv", "movie.MP4", "clip.avi", "show.mpeg", "show.mpg"} {
		assert.True(t, mediaExt.MatchString(name), name)
	}
	assert.False(t, mediaExt.MatchString("readme.nfo"))
	assert.False(t, mediaExt.MatchString("archive.rar"))
}

func TestPar2RecoverySliceExcludesVolFiles(t *testing.T) {
	assert.True(t, par2RecoverySlice.MatchString("movie.vol003+04.par2"))
	assert.False(t, par2RecoverySlice.MatchString("movie.par2"))
}

func TestMaxQueuedOrderOverEmptySegments(t *testing.T) {
	m := newTestManager()
	defer m.Pool().Quit()
	assert.Equal(t, uint64(0), m.maxQueuedOrder())

	m.segments[3] = segmentRef{}
	m.segments[9] = segmentRef{}
	m.segments[1] = segmentRef{}
	assert.Equal(t, uint64(9), m.maxQueuedOrder())
}

// TestQueueRemainingSegmentsSetsFeedCursorToLowestOrder is a regression test:
// probeFirstSegments and resolvePar2Renames draw and consume order values
// before queueRemainingSegments ever runs, so the lowest order belonging to
// m.segments is never 0 in a real run. feedCursor must start there, not at
// its uninitialised zero value, or Verify/Stream block waiting for an order
// that was never queued.
func TestQueueRemainingSegmentsSetsFeedCursorToLowestOrder(t *testing.T) {
	m := newTestManager()
	defer m.Pool().Quit()

	// Simulate the probe/par2 phases having already drawn orders 0..2.
	m.drawOrder()
	m.drawOrder()
	m.drawOrder()

	f := &nzb.File{
		Filename: "movie.rar",
		Segments: []nzb.Segment{{MessageID: "a", Index: 1}, {MessageID: "b", Index: 2}},
	}
	m.set = &rar.Set{Volumes: []*nzb.File{f}, BaseName: "movie"}

	m.queueRemainingSegments(map[string]probeResult{})

	require.Len(t, m.segments, 2)
	assert.Equal(t, uint64(3), m.feedCursor)
	assert.Equal(t, uint64(4), m.maxQueuedOrder())
}
