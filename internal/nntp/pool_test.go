package nntp

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobHeapOrdersByOrder(t *testing.T) {
	h := &jobHeap{}
	heap.Init(h)
	heap.Push(h, job{order: 5, messageID: "e"})
	heap.Push(h, job{order: 1, messageID: "a"})
	heap.Push(h, job{order: 3, messageID: "c"})

	var got []uint64
	for h.Len() > 0 {
		got = append(got, heap.Pop(h).(job).order)
	}
	assert.Equal(t, []uint64{1, 3, 5}, got)
}

func TestGetSegmentTimesOutWhenNeverDelivered(t *testing.T) {
	p := NewPool("localhost", 119, "", "", false, 0, 1)
	defer p.Quit()

	start := time.Now()
	_, ok := p.GetSegment(42, 150*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestGetSegmentReturnsDeliveredBytes(t *testing.T) {
	p := NewPool("localhost", 119, "", "", false, 0, 1)
	defer p.Quit()

	p.delivMu.Lock()
	p.deliv[7] = Article{Order: 7, Data: []byte("hello")}
	p.delivMu.Unlock()

	data, ok := p.GetSegment(7, time.Second)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	// Second call finds nothing: entries are removed on delivery.
	_, ok = p.GetSegment(7, 50*time.Millisecond)
	assert.False(t, ok)
}

func TestQuitStopsAllWorkers(t *testing.T) {
	p := NewPool("localhost", 119, "", "", false, 0, 3)

	done := make(chan struct{})
	go func() {
		p.Quit()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Quit did not return: a worker is still runnable")
	}
}

func TestSpeedIsZeroWithNoBytes(t *testing.T) {
	p := NewPool("localhost", 119, "", "", false, 0, 1)
	defer p.Quit()
	assert.Equal(t, float64(0), p.Speed())
}
