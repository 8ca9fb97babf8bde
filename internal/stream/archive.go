package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ArchiveContentType is the MIME type of the archive byte stream.
const ArchiveContentType = "application/zip"

var (
	// ErrArchiveFinalized is returned by Append after Finalize was called.
	ErrArchiveFinalized = errors.New("archive already finalized")

	// ErrDuplicateEntry is returned when an entry name is appended twice.
	ErrDuplicateEntry = errors.New("duplicate archive entry")

	// ErrEmptyEntryName is returned for an entry without a name.
	ErrEmptyEntryName = errors.New("archive entry name is empty")
)

// EntryError reports an entry whose source failed while being copied. The
// entry is left truncated in the archive; later entries are still written.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("archive entry %s: %v", e.Name, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithEntryErrorHandler registers a callback for entries whose source fails
// mid-copy.
func WithEntryErrorHandler(fn func(*EntryError)) ArchiveOption {
	return func(a *Archive) {
		a.onEntryErr = fn
	}
}

// Archive is a zip container written as a stream.
//
// Entries are queued by Append and written one after another, in append
// order, by a background writer. Each entry is deflated at the best
// compression level and read only as fast as the destination accepts the
// compressed bytes. Finalize closes the queue, waits for every entry to be
// drained, writes the central directory and closes the destination.
type Archive struct {
	dst        io.WriteCloser
	zw         *zip.Writer
	onEntryErr func(*EntryError)

	mu        sync.Mutex
	queue     []archiveEntry
	names     map[string]struct{}
	finalized bool
	failed    error

	wake chan struct{}
	done chan struct{}
	err  error
}

type archiveEntry struct {
	name string
	r    io.ReadCloser
}

// NewArchive starts an archive writing to dst. The destination is attached
// before any entry can be appended, so no compressed output is dropped.
func NewArchive(dst io.WriteCloser, opts ...ArchiveOption) *Archive {
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	a := &Archive{
		dst:   dst,
		zw:    zw,
		names: make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a
}

// Append queues r as an entry called name. It returns immediately; the
// entry is drained by the writer in order. The archive owns r from here on
// and closes it once the entry is written or the archive fails.
func (a *Archive) Append(name string, r io.ReadCloser) error {
	if name == "" {
		r.Close()
		return ErrEmptyEntryName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		r.Close()
		return ErrArchiveFinalized
	}
	if a.failed != nil {
		r.Close()
		return fmt.Errorf("archive failed: %w", a.failed)
	}
	if _, exists := a.names[name]; exists {
		r.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}

	a.names[name] = struct{}{}
	a.queue = append(a.queue, archiveEntry{name: name, r: r})
	a.signal()
	return nil
}

// Finalize stops accepting entries and blocks until the archive has been
// completely written and the destination closed. It returns the first
// write failure, if any. Calling Finalize twice returns ErrArchiveFinalized.
func (a *Archive) Finalize() error {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return ErrArchiveFinalized
	}
	a.finalized = true
	a.signal()
	a.mu.Unlock()

	<-a.done
	return a.err
}

// Len returns the number of entries appended so far.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.names)
}

func (a *Archive) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// next blocks until an entry is queued or the archive is finalized.
func (a *Archive) next() (archiveEntry, bool) {
	for {
		a.mu.Lock()
		if len(a.queue) > 0 {
			e := a.queue[0]
			a.queue[0] = archiveEntry{}
			a.queue = a.queue[1:]
			a.mu.Unlock()
			return e, true
		}
		if a.finalized {
			a.mu.Unlock()
			return archiveEntry{}, false
		}
		a.mu.Unlock()
		<-a.wake
	}
}

func (a *Archive) run() {
	defer close(a.done)

	for {
		e, ok := a.next()
		if !ok {
			break
		}
		if err := a.writeEntry(e); err != nil {
			a.fail(err)
			return
		}
	}

	if err := a.zw.Close(); err != nil {
		a.fail(fmt.Errorf("write central directory: %w", err))
		return
	}
	if err := a.dst.Close(); err != nil {
		a.err = fmt.Errorf("close archive destination: %w", err)
	}
}

// writeEntry copies one entry. Read failures truncate the entry and are
// reported to the entry error handler; write failures end the archive.
func (a *Archive) writeEntry(e archiveEntry) error {
	defer e.r.Close()

	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     e.name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", e.name, err)
	}

	src := &readErrRecorder{r: e.r}
	if _, err := io.Copy(w, src); err != nil {
		if src.err == nil {
			return fmt.Errorf("write entry %s: %w", e.name, err)
		}
		if a.onEntryErr != nil {
			a.onEntryErr(&EntryError{Name: e.name, Err: src.err})
		}
	}
	return nil
}

// fail records err, closes every queued source and aborts the destination
// so its consumer sees the failure instead of a clean end of stream.
func (a *Archive) fail(err error) {
	a.mu.Lock()
	a.failed = err
	queued := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, e := range queued {
		e.r.Close()
	}

	a.err = err
	if cw, ok := a.dst.(interface{ CloseWithError(error) error }); ok {
		cw.CloseWithError(err)
		return
	}
	a.dst.Close()
}

// readErrRecorder remembers a read failure so writeEntry can tell a broken
// source apart from a broken destination.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (r *readErrRecorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}
