// Package stream provides the pull-based building blocks of an export:
// row sources, a server-side cursor, a JSON serialization stage, error
// containment wrappers and the zip archive that entries are appended to.
//
// Every stage pulls from the stage before it, so a slow consumer (the
// archive compressor, or ultimately the upload) throttles row production
// without buffering whole result sets in memory.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Row is a single database row keyed by column name.
type Row = map[string]any

// Source produces records one at a time.
//
// Next returns io.EOF once the source is exhausted. Close releases the
// underlying resource and may be called more than once.
type Source interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// Slice returns a Source that yields items in order.
func Slice(items ...any) Source {
	return &sliceSource{items: items}
}

type sliceSource struct {
	items []any
	pos   int
}

func (s *sliceSource) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.items[s.pos] = nil
	s.pos++
	return item, nil
}

func (s *sliceSource) Close() error {
	s.items = nil
	return nil
}

// Opener lazily creates a Source. Used by Concat so that each part is only
// opened once the previous one is drained.
type Opener func(ctx context.Context) (Source, error)

// Concat chains sources end to end. Each opener runs when the preceding
// source reports io.EOF; the drained source is closed before the next opens.
func Concat(openers ...Opener) Source {
	return &concatSource{openers: openers}
}

type concatSource struct {
	openers []Opener
	current Source
	closed  bool
}

func (c *concatSource) Next(ctx context.Context) (any, error) {
	for {
		if c.closed {
			return nil, io.EOF
		}
		if c.current == nil {
			if len(c.openers) == 0 {
				return nil, io.EOF
			}
			open := c.openers[0]
			c.openers = c.openers[1:]
			src, err := open(ctx)
			if err != nil {
				return nil, err
			}
			c.current = src
		}

		item, err := c.current.Next(ctx)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := c.current.Close(); err != nil {
			return nil, err
		}
		c.current = nil
	}
}

func (c *concatSource) Close() error {
	c.closed = true
	c.openers = nil
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// closeOnce runs fn at most once and remembers its result.
type closeOnce struct {
	once sync.Once
	err  error
}

func (c *closeOnce) do(fn func() error) error {
	c.once.Do(func() { c.err = fn() })
	return c.err
}
