// Package sink implements the on-disk output side of the pipeline: the
// single media file extracted from the RAR stream.
package sink

import (
	"fmt"
	"os"
	"sync/atomic"
)

// FileSink opens the declared output path truncating for write and tracks
// bytes written against the declared size. No resume file is emitted (an
// explicitly open question upstream); a crash mid-stream leaves a truncated
// file on disk.
type FileSink struct {
	f            *os.File
	path         string
	declaredSize uint64
	written      atomic.Uint64
}

// Open creates (truncating) the output file at path in the current working
// directory, as spec §6 requires.
func Open(path string, declaredSize uint64) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %q: %w", path, err)
	}
	return &FileSink{f: f, path: path, declaredSize: declaredSize}, nil
}

// Name returns the path the sink was opened at.
func (s *FileSink) Name() string { return s.path }

// DeclaredSize returns the file size declared by the RAR header.
func (s *FileSink) DeclaredSize() uint64 { return s.declaredSize }

// Write implements rar.Sink.
func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if n > 0 {
		s.written.Add(uint64(n))
	}
	if err != nil {
		return n, fmt.Errorf("sink: write: %w", err)
	}
	return n, nil
}

// BytesWritten returns the cumulative byte count written so far.
func (s *FileSink) BytesWritten() uint64 { return s.written.Load() }

// Progress returns bytes written as a fraction of the declared size, clamped
// to [0, 1]. A zero declared size reports 0.
func (s *FileSink) Progress() float64 {
	if s.declaredSize == 0 {
		return 0
	}
	p := float64(s.written.Load()) / float64(s.declaredSize)
	if p > 1 {
		p = 1
	}
	return p
}

// Complete reports whether bytes written has reached the declared size.
func (s *FileSink) Complete() bool {
	return s.written.Load() >= s.declaredSize
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.f.Close()
}
