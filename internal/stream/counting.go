package stream

// counting.go provides byte accounting and fan-out for the archive output.
//
//   - CountingWriter: tracks compressed bytes for metrics and logs
//   - FanOut: copies one byte stream to several synchronous pipes, one per
//     consumer, so every consumer paces the producer

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// CountingWriter wraps an io.WriteCloser to track bytes written.
type CountingWriter struct {
	w     io.WriteCloser
	count atomic.Int64
}

// NewCountingWriter creates a counting writer around w.
func NewCountingWriter(w io.WriteCloser) *CountingWriter {
	return &CountingWriter{w: w}
}

// Write implements io.Writer.
func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count.Add(int64(n))
	return n, err
}

// Close closes the wrapped writer.
func (c *CountingWriter) Close() error {
	return c.w.Close()
}

// CloseWithError forwards err to the wrapped writer when it supports it.
func (c *CountingWriter) CloseWithError(err error) error {
	if cw, ok := c.w.(interface{ CloseWithError(error) error }); ok {
		return cw.CloseWithError(err)
	}
	return c.w.Close()
}

// BytesWritten returns the number of bytes written so far.
func (c *CountingWriter) BytesWritten() int64 {
	return c.count.Load()
}

// FanOut writes every byte to a set of pipes. A Write returns only after all
// readers have consumed the bytes, so the slowest reader sets the pace.
type FanOut struct {
	writers []*io.PipeWriter
	once    sync.Once
}

// NewFanOut creates n pipes and returns the writing side plus one reader per
// pipe. A reader that stops early must be closed (or CloseWithError'd) so
// writes fail instead of blocking.
func NewFanOut(n int) (*FanOut, []*io.PipeReader) {
	f := &FanOut{writers: make([]*io.PipeWriter, n)}
	readers := make([]*io.PipeReader, n)
	for i := 0; i < n; i++ {
		readers[i], f.writers[i] = io.Pipe()
	}
	return f, readers
}

// Write implements io.Writer.
func (f *FanOut) Write(p []byte) (int, error) {
	for _, w := range f.writers {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close ends every pipe cleanly.
func (f *FanOut) Close() error {
	return f.CloseWithError(nil)
}

// CloseWithError ends every pipe; readers see err (io.EOF when nil).
func (f *FanOut) CloseWithError(err error) error {
	var errs []error
	f.once.Do(func() {
		for _, w := range f.writers {
			errs = append(errs, w.CloseWithError(err))
		}
	})
	return errors.Join(errs...)
}
