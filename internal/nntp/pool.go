package nntp

import (
	"bytes"
	"container/heap"
	"sync"
	"time"

	"streamnzb/internal/logger"
	"streamnzb/internal/yenc"
)

// tick is the rate-accounting sampling interval described in spec §4.2.
const tick = 500 * time.Millisecond

// pollInterval is how often get_segment re-checks the delivery map.
const pollInterval = 100 * time.Millisecond

// job is one queued fetch, ordered by Order for the priority queue.
type job struct {
	order     uint64
	messageID string
}

// jobHeap is a min-heap of jobs keyed by order.
type jobHeap []job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].order < h[j].order }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Article is a decoded, order-stamped delivery.
type Article struct {
	Order     uint64
	Data      []byte
	FetchedAt time.Time
}

// Pool is the NNTP fetch pool: N worker connections draining a priority
// queue of (order, message-id) jobs and publishing decoded bytes into an
// order-keyed delivery map.
type Pool struct {
	host    string
	port    int
	user    string
	pass    string
	useTLS  bool
	timeout time.Duration
	threads int

	mu       sync.Mutex
	queue    jobHeap
	notEmpty *sync.Cond
	shutdown bool

	delivMu sync.Mutex
	deliv   map[uint64]Article

	rateMu       sync.Mutex
	bytesSince   uint64
	lastTick     time.Time
	cumulative   uint64
	startTime    time.Time
	throttleBps  uint64 // target bits per second; 0 = unthrottled
	delay        time.Duration

	wg sync.WaitGroup

	// Fatal reports an unrecoverable pipeline error (e.g. article 430).
	// Only the first fatal error is retained.
	fatalMu sync.Mutex
	fatal   error
}

// NewPool constructs a pool and spawns threads workers. Connections are
// opened lazily, on each worker's first use.
func NewPool(host string, port int, user, pass string, useTLS bool, timeout time.Duration, threads int) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{
		host: host, port: port, user: user, pass: pass,
		useTLS: useTLS, timeout: timeout, threads: threads,
		deliv:     make(map[uint64]Article),
		startTime: time.Now(),
		lastTick:  time.Now(),
	}
	p.notEmpty = sync.NewCond(&p.mu)

	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// AddSegment enqueues (order, message-id) for fetching.
func (p *Pool) AddSegment(messageID string, order uint64) {
	p.mu.Lock()
	heap.Push(&p.queue, job{order: order, messageID: messageID})
	p.notEmpty.Signal()
	p.mu.Unlock()
}

// GetSegment polls the delivery map at ~100ms intervals until order appears
// or timeout elapses. On success the entry is removed and its bytes
// returned.
func (p *Pool) GetSegment(order uint64, timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		p.delivMu.Lock()
		art, ok := p.deliv[order]
		if ok {
			delete(p.deliv, order)
		}
		p.delivMu.Unlock()
		if ok {
			return art.Data, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(pollInterval)
	}
}

// Deliver inserts already-decoded bytes directly into the delivery map under
// order, bypassing the fetch queue. Used by the pipeline when it already
// holds a segment's bytes (e.g. the first-segment probe during initialize)
// and wants to reuse them instead of re-fetching.
func (p *Pool) Deliver(order uint64, data []byte) {
	p.delivMu.Lock()
	p.deliv[order] = Article{Order: order, Data: data, FetchedAt: time.Now()}
	p.delivMu.Unlock()
}

// SetThrottle sets the target aggregate rate in bits per second. Zero
// disables throttling.
func (p *Pool) SetThrottle(bitsPerSecond uint64) {
	p.rateMu.Lock()
	p.throttleBps = bitsPerSecond
	p.rateMu.Unlock()
}

// Speed returns cumulative_bytes / wall_elapsed in bytes/sec.
func (p *Pool) Speed() float64 {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()
	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.cumulative) / elapsed
}

// Fatal returns the first fatal error reported by a worker, if any.
func (p *Pool) Fatal() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatal
}

func (p *Pool) setFatal(err error) {
	p.fatalMu.Lock()
	if p.fatal == nil {
		p.fatal = err
	}
	p.fatalMu.Unlock()
}

// Quit tells every worker to stop and waits for them to exit. Order is
// uint64 here, so the spec's signed (-1, nil) sentinel isn't representable;
// a separate shutdown flag is checked inside the pop loop instead, as spec
// §9 allows. Like the sentinel, the flag takes precedence over any job still
// queued.
func (p *Pool) Quit() {
	p.mu.Lock()
	p.shutdown = true
	p.notEmpty.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// pop blocks until a job is available or shutdown is requested. Once
// shutdown is requested it returns no job, even if jobs remain queued.
func (p *Pool) pop() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.shutdown {
		p.notEmpty.Wait()
	}
	if p.shutdown {
		return job{}, false
	}
	j := heap.Pop(&p.queue).(job)
	return j, true
}

// requeue returns a job to the queue so no segment is lost (at-least-once
// delivery on transient error).
func (p *Pool) requeue(j job) {
	p.mu.Lock()
	heap.Push(&p.queue, j)
	p.notEmpty.Signal()
	p.mu.Unlock()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	var client *Client
	closeClient := func() {
		if client != nil {
			client.Close()
			client = nil
		}
	}
	defer closeClient()

	for {
		j, ok := p.pop()
		if !ok {
			return
		}

		if d := p.currentDelay(); d > 0 {
			time.Sleep(d)
		}

		if client == nil {
			c, err := p.connect()
			if err != nil {
				logger.Warn("nntp worker reconnect failed", "worker", id, "err", err)
				p.requeue(j)
				time.Sleep(time.Second)
				continue
			}
			client = c
		}

		start := time.Now()
		raw, err := client.Article(j.messageID)
		if err != nil {
			switch {
			case err == ErrArticleNotFound:
				p.setFatal(err)
				closeClient()
				return
			default:
				closeClient()
				p.requeue(j)
				continue
			}
		}
		end := time.Now()

		art, decErr := yenc.Decode(bytes.NewReader(raw))
		var payload []byte
		if decErr != nil {
			logger.Warn("yenc decode failed", "order", j.order, "err", decErr)
		} else {
			payload = art.Data
			if art.CRCMismatch {
				logger.Warn("yenc crc mismatch", "order", j.order, "name", art.Header.Name)
			}
		}

		p.delivMu.Lock()
		p.deliv[j.order] = Article{Order: j.order, Data: payload, FetchedAt: end}
		p.delivMu.Unlock()

		p.addBytes(len(payload), start, end)
	}
}

func (p *Pool) connect() (*Client, error) {
	c, err := Dial(p.host, p.port, p.useTLS, p.timeout)
	if err != nil {
		return nil, err
	}
	if p.user != "" {
		if err := c.Authenticate(p.user, p.pass); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (p *Pool) currentDelay() time.Duration {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()
	return p.delay
}

// addBytes implements the closed-loop throttle controller from spec §4.2:
// every tick, compare current speed to the throttle target and adjust delay.
func (p *Pool) addBytes(n int, start, end time.Time) {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()

	p.cumulative += uint64(n)
	p.bytesSince += uint64(n)

	if time.Since(p.lastTick) < tick {
		return
	}
	p.lastTick = time.Now()

	if p.throttleBps == 0 {
		p.delay = 0
		return
	}

	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return
	}
	targetBytesPerSec := float64(p.throttleBps) / 8
	currentSpeed := float64(p.cumulative) / elapsed

	if currentSpeed > targetBytesPerSec {
		neededSeconds := float64(p.cumulative)/targetBytesPerSec - elapsed
		if neededSeconds < 0 {
			neededSeconds = 0
		}
		p.delay = time.Duration(neededSeconds/float64(p.threads)*1000) * time.Millisecond
	} else {
		p.delay = 0
	}
}
