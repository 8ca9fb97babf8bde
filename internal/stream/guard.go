package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrorHandler observes a failure contained by EndOnError.
type ErrorHandler func(err error)

// EndOnError wraps src so that its first failure ends the stream instead of
// propagating. onErr is told about the failure, the underlying source is
// closed if it has not been already, and every later Next reports io.EOF.
//
// The archive treats io.EOF as the end of an entry, so a failing source
// yields a truncated entry while sibling entries keep flowing.
func EndOnError(src Source, onErr ErrorHandler) Source {
	return &guardedSource{src: src, onErr: onErr}
}

type guardedSource struct {
	src   Source
	onErr ErrorHandler
	close closeOnce

	mu    sync.Mutex
	ended bool
}

func (g *guardedSource) Next(ctx context.Context) (any, error) {
	g.mu.Lock()
	ended := g.ended
	g.mu.Unlock()
	if ended {
		return nil, io.EOF
	}

	item, err := g.src.Next(ctx)
	if err == nil {
		return item, nil
	}

	g.mu.Lock()
	g.ended = true
	g.mu.Unlock()

	if !errors.Is(err, io.EOF) && g.onErr != nil {
		g.onErr(err)
	}
	g.Close()
	return nil, io.EOF
}

func (g *guardedSource) Close() error {
	return g.close.do(g.src.Close)
}

// EndReaderOnError is EndOnError for byte streams.
func EndReaderOnError(r io.ReadCloser, onErr ErrorHandler) io.ReadCloser {
	return &guardedReader{r: r, onErr: onErr}
}

type guardedReader struct {
	r     io.ReadCloser
	onErr ErrorHandler
	close closeOnce
	ended bool
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if g.ended {
		return 0, io.EOF
	}

	n, err := g.r.Read(p)
	if err == nil {
		return n, nil
	}

	g.ended = true
	if !errors.Is(err, io.EOF) && g.onErr != nil {
		g.onErr(err)
	}
	g.Close()
	return n, io.EOF
}

func (g *guardedReader) Close() error {
	return g.close.do(g.r.Close)
}
