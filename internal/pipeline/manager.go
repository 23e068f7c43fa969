// Package pipeline orchestrates the three-phase manager described by the
// stream reassembly engine: initialize, verify, stream.
package pipeline

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"streamnzb/internal/logger"
	"streamnzb/internal/nntp"
	"streamnzb/internal/nzb"
	"streamnzb/internal/par2"
	"streamnzb/internal/rar"
	"streamnzb/internal/sink"
)

// ErrNotMediaExtension is returned by Verify when the first discovered file
// does not carry a recognised media extension.
var ErrNotMediaExtension = errors.New("pipeline: not a recognised media extension")

// ErrBitrateExceedsCap is returned by Verify when the computed bitrate
// exceeds the configured cap.
var ErrBitrateExceedsCap = errors.New("pipeline: bitrate exceeds configured cap")

// ErrNotRarStream is returned when the reassembled byte stream does not
// begin with the RAR magic marker.
var ErrNotRarStream = rar.ErrNotRar

var mediaExt = regexp.MustCompile(`(?i)\.(mkv|avi|mpeg|mpg|mp4)$`)

// par2RecoverySlice matches recovery-volume PAR2 files (volNN+NN.par2),
// which are excluded from the set of file-description sources.
var par2RecoverySlice = regexp.MustCompile(`(?i)(vol[\d+]+)\.par2$`)

const firstSegmentProbeBytes = 16 * 1024

// DurationProbe returns the duration in milliseconds of the media file at
// path. It is supplied by the caller through Config.Probe; media-metadata
// probing itself is out of scope for this package. cmd/nzbstream does not
// set one, and with a nil Probe Verify applies no bitrate cap.
type DurationProbe func(path string) (int64, error)

// Config configures one pipeline run.
type Config struct {
	Host       string
	Port       int
	User       string
	Pass       string
	TLS        bool
	Threads    int
	Timeout    time.Duration
	MaxBitrate uint64 // bits/sec; 0 = no cap
	SkipVerify bool
	Probe      DurationProbe
}

// Manager runs the initialize/verify/stream state machine over a parsed NZB
// document.
type Manager struct {
	cfg  Config
	pool *nntp.Pool

	doc *nzb.Document
	set *rar.Set

	segments   map[uint64]segmentRef // order -> segment location
	nextOrder  atomic.Uint64
	feedCursor uint64 // next order to be fed to the RAR parser; set to the lowest queued order by queueRemainingSegments
	parser     *rar.Parser
	activeSink *sink.FileSink
	sinkMu     sync.Mutex

	mediaFilename string
	bitrate       float64
}

type segmentRef struct {
	file  *nzb.File
	index int // index into file.Segments
}

// New constructs a Manager and its underlying NNTP pool.
func New(cfg Config, doc *nzb.Document) *Manager {
	pool := nntp.NewPool(cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.TLS, cfg.Timeout, cfg.Threads)
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		doc:      doc,
		segments: make(map[uint64]segmentRef),
	}
}

// Pool exposes the underlying fetch pool, e.g. so the CLI can wire SIGINT to
// Quit().
func (m *Manager) Pool() *nntp.Pool { return m.pool }

func (m *Manager) drawOrder() uint64 { return m.nextOrder.Add(1) - 1 }

// Initialize implements spec §4.6's initialize phase: probe every file's
// first segment for a 16 KiB MD5, resolve PAR2 renames, build the rar-set,
// and queue the remaining segments in final stream order.
func (m *Manager) Initialize() error {
	hashes, err := m.probeFirstSegments()
	if err != nil {
		return fmt.Errorf("pipeline: initialize: probe first segments: %w", err)
	}

	if err := m.resolvePar2Renames(hashes); err != nil {
		logger.Warn("pipeline: par2 resolution incomplete", "err", err)
	}

	rar.SetObfuscationWarner(func(filename string) {
		logger.Warn("filename looks obfuscated and was not resolved by PAR2", "filename", filename)
	})

	set, err := rar.Resolve(m.doc.Files)
	if err != nil {
		return fmt.Errorf("pipeline: initialize: %w", err)
	}
	m.set = set

	m.parser = rar.NewParser(m.openSink)
	m.queueRemainingSegments(hashes)
	return nil
}

// probeFirstSegments fetches segment[0] of every NZB file concurrently
// (bounded by cfg.Threads via errgroup), decodes it, and returns each file's
// 16 KiB MD5 together with the decoded bytes (cached so Stream doesn't need
// to re-fetch them).
func (m *Manager) probeFirstSegments() (map[string]probeResult, error) {
	type task struct {
		file  *nzb.File
		order uint64
	}

	var tasks []task
	for _, f := range m.doc.Files {
		if len(f.Segments) == 0 {
			continue
		}
		order := m.drawOrder()
		m.pool.AddSegment(f.Segments[0].MessageID, order)
		tasks = append(tasks, task{file: f, order: order})
	}

	results := make(map[string]probeResult, len(tasks))
	var mu sync.Mutex

	limit := m.cfg.Threads
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, tk := range tasks {
		tk := tk
		g.Go(func() error {
			data, ok := m.pool.GetSegment(tk.order, 30*time.Second)
			if !ok {
				logger.Warn("initialize: first segment fetch timed out", "file", tk.file.Filename)
				return nil
			}
			head := data
			if len(head) > firstSegmentProbeBytes {
				head = head[:firstSegmentProbeBytes]
			}
			sum := md5.Sum(head)

			mu.Lock()
			results[tk.file.Filename] = probeResult{hash16k: sum, data: data, order: tk.order}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type probeResult struct {
	hash16k [16]byte
	data    []byte
	order   uint64
}

// resolvePar2Renames identifies non-recovery-slice .par2 files, fetches and
// parses them in full, and renames any NZB file whose probed 16 KiB hash
// matches a FileDescription packet.
func (m *Manager) resolvePar2Renames(probes map[string]probeResult) error {
	for _, f := range m.doc.Files {
		if !strings.HasSuffix(strings.ToLower(f.Filename), ".par2") {
			continue
		}
		if par2RecoverySlice.MatchString(f.Filename) {
			continue
		}

		data, err := m.fetchWholeFile(f)
		if err != nil {
			logger.Warn("pipeline: failed to fetch par2 file", "name", f.Filename, "err", err)
			continue
		}

		descriptors, err := par2.Parse(bytes.NewReader(data))
		if err != nil {
			logger.Warn("pipeline: failed to parse par2 file", "name", f.Filename, "err", err)
			continue
		}

		for _, fd := range descriptors {
			for _, nf := range m.doc.Files {
				pr, ok := probes[nf.Filename]
				if !ok || pr.hash16k != fd.Hash16k {
					continue
				}
				logger.Info("renaming volume via par2", "from", nf.Filename, "to", fd.Name)
				nf.Filename = fd.Name
				nf.Keep = true
				probes[fd.Name] = pr
			}
		}
	}
	return nil
}

// fetchWholeFile sequentially fetches and decodes every segment of f and
// concatenates the payload, used for PAR2 side files that are not part of
// the rar-set's streamed order.
func (m *Manager) fetchWholeFile(f *nzb.File) ([]byte, error) {
	orders := make([]uint64, len(f.Segments))
	for i, seg := range f.Segments {
		order := m.drawOrder()
		orders[i] = order
		m.pool.AddSegment(seg.MessageID, order)
	}

	var buf bytes.Buffer
	for _, order := range orders {
		data, ok := m.pool.GetSegment(order, 30*time.Second)
		if !ok {
			return nil, fmt.Errorf("segment fetch timed out")
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// queueRemainingSegments assigns final stream order to every segment of
// every resolved rar volume. The first segment of each volume reuses the
// bytes already fetched during the probe (delivered directly into the pool's
// delivery map) instead of being re-fetched.
func (m *Manager) queueRemainingSegments(probes map[string]probeResult) {
	haveMin := false
	var minOrder uint64

	for _, f := range m.set.Volumes {
		for i, seg := range f.Segments {
			order := m.drawOrder()
			m.segments[order] = segmentRef{file: f, index: i}
			if !haveMin || order < minOrder {
				minOrder = order
				haveMin = true
			}

			if i == 0 {
				if pr, ok := probes[f.Filename]; ok {
					m.pool.Deliver(order, pr.data)
					continue
				}
			}
			m.pool.AddSegment(seg.MessageID, order)
		}
	}

	if haveMin {
		m.feedCursor = minOrder
	}
}

// openSink is the rar.OpenFunc passed to the parser: opens the declared
// output filename in the current working directory.
func (m *Manager) openSink(name string, size uint64) (rar.Sink, error) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()

	s, err := sink.Open(filepath.Base(name), size)
	if err != nil {
		return nil, err
	}
	m.activeSink = s
	m.mediaFilename = name
	return s, nil
}

// Verify implements spec §4.6's verify phase: pull segments in order,
// feeding the RAR parser until a FILE block appears, reject unrecognised
// media extensions, and (if both a bitrate cap and a duration probe are set)
// keep pulling until bitrate is computable.
func (m *Manager) Verify() error {
	maxOrder := m.maxQueuedOrder()

	for {
		if err := m.feedNextOrdered(maxOrder); err != nil {
			return err
		}
		if len(m.parser.Files()) > 0 {
			break
		}
		if m.feedCursor > maxOrder {
			return fmt.Errorf("pipeline: verify: %w", ErrNotRarStream)
		}
	}

	if !mediaExt.MatchString(m.mediaFilename) {
		return fmt.Errorf("pipeline: verify: %q: %w", m.mediaFilename, ErrNotMediaExtension)
	}

	if m.cfg.MaxBitrate == 0 || m.cfg.Probe == nil {
		return nil
	}

	for {
		durationMs, err := m.cfg.Probe(m.activeSink.Name())
		if err == nil && durationMs > 0 {
			declared := m.activeSink.DeclaredSize()
			m.bitrate = float64(declared) * 8 * 1000 / float64(durationMs)
			break
		}
		if m.feedCursor > maxOrder {
			break // not enough data yet to probe; proceed without a bitrate verdict
		}
		if err := m.feedNextOrdered(maxOrder); err != nil {
			return err
		}
	}

	if m.bitrate > float64(m.cfg.MaxBitrate) {
		return fmt.Errorf("pipeline: verify: %.0f exceeds cap %d: %w", m.bitrate, m.cfg.MaxBitrate, ErrBitrateExceedsCap)
	}
	return nil
}

// feedNextOrdered fetches a fresh segment at the current feed cursor (never
// rereads a stale buffer, per spec §9's note on the source's verify-loop
// bug) and feeds it to the RAR parser, advancing the cursor on success.
func (m *Manager) feedNextOrdered(maxOrder uint64) error {
	if m.feedCursor > maxOrder {
		return nil
	}
	order := m.feedCursor
	data, ok := m.pool.GetSegment(order, 30*time.Second)
	m.feedCursor++
	if !ok {
		return fmt.Errorf("pipeline: segment %d fetch timed out", order)
	}
	if err := m.parser.Feed(data); err != nil {
		return err
	}
	return nil
}

func (m *Manager) maxQueuedOrder() uint64 {
	var max uint64
	for order := range m.segments {
		if order > max {
			max = order
		}
	}
	return max
}

// Stream implements spec §4.6's stream phase: once bitrate is known, throttle
// to roughly 2x playback rate, then drain segments in order until the active
// logical file is complete.
func (m *Manager) Stream(onProgress func(progress float64, speed float64)) error {
	if m.bitrate > 0 {
		m.pool.SetThrottle(uint64(m.bitrate) * 2)
	}

	maxOrder := m.maxQueuedOrder()
	for m.feedCursor <= maxOrder {
		if err := m.pool.Fatal(); err != nil {
			return fmt.Errorf("pipeline: stream: %w", err)
		}

		order := m.feedCursor
		data, ok := m.pool.GetSegment(order, 30*time.Second)
		m.feedCursor++
		if !ok {
			return fmt.Errorf("pipeline: stream: segment %d fetch timed out", order)
		}
		if err := m.parser.Feed(data); err != nil {
			return fmt.Errorf("pipeline: stream: %w", err)
		}

		if onProgress != nil && m.activeSink != nil {
			onProgress(m.activeSink.Progress(), m.pool.Speed())
		}

		if m.activeSink != nil && m.activeSink.Complete() {
			return nil
		}
	}
	return fmt.Errorf("pipeline: stream: segments exhausted before file completed")
}

// Close releases the active sink, if any.
func (m *Manager) Close() error {
	if m.activeSink != nil {
		return m.activeSink.Close()
	}
	return nil
}
