package export

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/fieldexport/internal/stream"
)

// DBClient is the database capability shared by every source of one export.
type DBClient interface {
	stream.CursorExecutor

	// Query runs a small lookup to completion.
	Query(ctx context.Context, q stream.Query) ([]stream.Row, error)

	// Release returns the client. It is called once, when the export ends.
	Release()
}

// ClientProvider checks out database clients.
type ClientProvider interface {
	Acquire(ctx context.Context) (DBClient, error)
}

// ClientProviderFunc adapts a function to ClientProvider.
type ClientProviderFunc func(ctx context.Context) (DBClient, error)

// Acquire calls f.
func (f ClientProviderFunc) Acquire(ctx context.Context) (DBClient, error) {
	return f(ctx)
}

// Identity is the caller an export runs for.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Scope is what a strategy may use while producing its config and what
// stream factories receive when the archive is wired.
type Scope struct {
	Client    DBClient
	Identity  Identity
	FetchSize int
}

// Cursor creates a cursor on the shared client. The caller executes it.
func (s *Scope) Cursor(q stream.Query) *stream.Cursor {
	return stream.NewCursor(s.Client, q, stream.WithFetchSize(s.FetchSize))
}

// QuerySource exports the rows of one query as one file.
type QuerySource struct {
	Query    stream.Query
	FileName string
}

// StreamFactory opens a custom record source once the archive is wired.
type StreamFactory func(ctx context.Context, scope *Scope) (stream.Source, error)

// StreamSource exports the records of a custom source as one file.
type StreamSource struct {
	Open     StreamFactory
	FileName string
}

// Config lists the sources a strategy contributes, in declaration order.
type Config struct {
	Queries []QuerySource
	Streams []StreamSource
}

// FileNames returns every declared file name, queries first.
func (c Config) FileNames() []string {
	names := make([]string, 0, len(c.Queries)+len(c.Streams))
	for _, q := range c.Queries {
		names = append(names, q.FileName)
	}
	for _, s := range c.Streams {
		names = append(names, s.FileName)
	}
	return names
}

// Merge concatenates configs in order. Two sources with the same file name
// are rejected; an entry is never silently overwritten.
func Merge(configs ...Config) (Config, error) {
	var merged Config
	seen := make(map[string]struct{})

	for _, c := range configs {
		for _, name := range c.FileNames() {
			if name == "" {
				return Config{}, validationErrorf("Export file name is empty.")
			}
			if _, dup := seen[name]; dup {
				return Config{}, validationErrorf("%s: %s", msgDuplicateFile, name)
			}
			seen[name] = struct{}{}
		}
		merged.Queries = append(merged.Queries, c.Queries...)
		merged.Streams = append(merged.Streams, c.Streams...)
	}
	return merged, nil
}

// Strategy declares which data an export contains.
//
// Produce must not keep mutable state between calls; everything it needs
// arrives in ctx and scope.
type Strategy interface {
	Produce(ctx context.Context, scope *Scope) (Config, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, scope *Scope) (Config, error)

// Produce calls f.
func (f StrategyFunc) Produce(ctx context.Context, scope *Scope) (Config, error) {
	return f(ctx, scope)
}

// strategyName names s in errors and logs.
func strategyName(s Strategy) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
