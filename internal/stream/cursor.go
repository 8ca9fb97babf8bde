package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultFetchSize is the number of rows pulled per FETCH round trip.
const DefaultFetchSize = 100

// ErrCursorClosed is reported when a cursor is executed after Close.
var ErrCursorClosed = errors.New("cursor closed before execution")

// CursorExecutor runs cursor statements against a database connection.
// Implementations decide how statements from different cursors share the
// connection.
type CursorExecutor interface {
	DeclareCursor(ctx context.Context, name string, stmt Statement) error
	FetchCursor(ctx context.Context, name string, count int) ([]Row, error)
	CloseCursor(ctx context.Context, name string) error
}

var cursorSeq atomic.Uint64

// Cursor is a forward-only Source over a server-side cursor.
//
// Creating a Cursor runs nothing. The cursor is declared when Execute is
// called; until then Next blocks. Rows are fetched FetchSize at a time, so
// at most one batch per cursor is held in memory.
type Cursor struct {
	exec      CursorExecutor
	query     Query
	name      string
	fetchSize int

	executeOnce sync.Once
	executed    chan struct{}
	closing     chan struct{}
	closeSignal sync.Once

	// mu guards the server-side lifecycle: declare and close never overlap.
	mu       sync.Mutex
	declared bool
	closed   bool
	execErr  error
	closeCtx context.Context

	buf  []Row
	done bool
}

// CursorOption configures a Cursor.
type CursorOption func(*Cursor)

// WithFetchSize sets the number of rows fetched per round trip.
func WithFetchSize(n int) CursorOption {
	return func(c *Cursor) {
		if n > 0 {
			c.fetchSize = n
		}
	}
}

// NewCursor creates a cursor for q on exec. Nothing is sent to the database
// until Execute.
func NewCursor(exec CursorExecutor, q Query, opts ...CursorOption) *Cursor {
	c := &Cursor{
		exec:      exec,
		query:     q,
		name:      fmt.Sprintf("export_cursor_%d", cursorSeq.Add(1)),
		fetchSize: DefaultFetchSize,
		executed:  make(chan struct{}),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the server-side cursor name.
func (c *Cursor) Name() string {
	return c.name
}

// Execute declares the cursor. It is safe to call more than once; only the
// first call reaches the database. A failure is also reported by every
// subsequent Next.
func (c *Cursor) Execute(ctx context.Context) error {
	c.executeOnce.Do(func() {
		defer close(c.executed)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed {
			c.execErr = ErrCursorClosed
			return
		}
		c.closeCtx = context.WithoutCancel(ctx)

		stmt, err := Normalize(c.query)
		if err != nil {
			c.execErr = err
			return
		}
		if err := c.exec.DeclareCursor(ctx, c.name, stmt); err != nil {
			c.execErr = fmt.Errorf("declare cursor %s: %w", c.name, err)
			return
		}
		c.declared = true
	})

	<-c.executed
	return c.execErr
}

// Next returns the next row, fetching a new batch when the current one is
// used up. It reports io.EOF after the last row and closes the cursor.
func (c *Cursor) Next(ctx context.Context) (any, error) {
	select {
	case <-c.executed:
	case <-c.closing:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.execErr != nil {
		return nil, c.execErr
	}
	if c.closed {
		return nil, io.EOF
	}

	if len(c.buf) == 0 && !c.done {
		rows, err := c.exec.FetchCursor(ctx, c.name, c.fetchSize)
		if err != nil {
			return nil, fmt.Errorf("fetch cursor %s: %w", c.name, err)
		}
		if len(rows) < c.fetchSize {
			c.done = true
		}
		c.buf = rows
	}

	if len(c.buf) == 0 {
		if err := c.closeLocked(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	row := c.buf[0]
	c.buf[0] = nil
	c.buf = c.buf[1:]
	return row, nil
}

// Close closes the server-side cursor if it was declared. A cursor closed
// before Execute is never declared, and blocked readers see io.EOF.
func (c *Cursor) Close() error {
	c.closeSignal.Do(func() { close(c.closing) })

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Cursor) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil

	if !c.declared {
		return nil
	}
	if err := c.exec.CloseCursor(c.closeCtx, c.name); err != nil {
		return fmt.Errorf("close cursor %s: %w", c.name, err)
	}
	return nil
}
