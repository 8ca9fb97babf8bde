package export_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/stream"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// fakeTable answers every statement whose text contains match.
type fakeTable struct {
	match string
	rows  []stream.Row
	// fetchErr, when set, is returned by the fetch after the rows ran out
	fetchErr error
	// generate, when positive, serves that many synthetic rows instead of
	// rows, built on demand
	generate int
}

// syntheticRow is a row whose payload compresses poorly.
func syntheticRow(i int) stream.Row {
	sum := sha256.Sum256([]byte(strconv.Itoa(i)))
	return stream.Row{"id": i, "payload": hex.EncodeToString(sum[:])}
}

type fakeCursor struct {
	table fakeTable
	pos   int
}

// fakeClient is an in-memory DBClient.
type fakeClient struct {
	tables   []fakeTable
	releases atomic.Int32
	fetched  atomic.Int64

	mu       sync.Mutex
	cursors  map[string]*fakeCursor
	declared []string
	closed   []string
}

func newFakeClient(tables ...fakeTable) *fakeClient {
	return &fakeClient{tables: tables, cursors: make(map[string]*fakeCursor)}
}

func (c *fakeClient) lookup(text string) fakeTable {
	for _, t := range c.tables {
		if strings.Contains(text, t.match) {
			return t
		}
	}
	return fakeTable{}
}

func (c *fakeClient) DeclareCursor(_ context.Context, name string, stmt stream.Statement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[name] = &fakeCursor{table: c.lookup(stmt.Text)}
	c.declared = append(c.declared, stmt.Text)
	return nil
}

func (c *fakeClient) FetchCursor(_ context.Context, name string, count int) ([]stream.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[name]
	if !ok {
		return nil, errors.New("cursor does not exist")
	}
	if n := cur.table.generate; n > 0 {
		var rows []stream.Row
		for ; cur.pos < n && len(rows) < count; cur.pos++ {
			rows = append(rows, syntheticRow(cur.pos))
		}
		c.fetched.Add(int64(len(rows)))
		return rows, nil
	}
	rest := cur.table.rows[cur.pos:]
	if len(rest) == 0 && cur.table.fetchErr != nil {
		return nil, cur.table.fetchErr
	}
	if len(rest) > count {
		rest = rest[:count]
	}
	cur.pos += len(rest)
	c.fetched.Add(int64(len(rest)))
	return rest, nil
}

func (c *fakeClient) CloseCursor(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, name)
	c.closed = append(c.closed, name)
	return nil
}

func (c *fakeClient) Query(_ context.Context, q stream.Query) ([]stream.Row, error) {
	stmt, err := stream.Normalize(q)
	if err != nil {
		return nil, err
	}
	return c.lookup(stmt.Text).rows, nil
}

func (c *fakeClient) Release() {
	c.releases.Add(1)
}

func (c *fakeClient) openCursors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cursors)
}

// fakeProvider hands out one client and counts acquisitions.
type fakeProvider struct {
	client   *fakeClient
	err      error
	acquires atomic.Int32
}

func (p *fakeProvider) Acquire(context.Context) (export.DBClient, error) {
	p.acquires.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

// fakeStore keeps uploads in memory and signs stored keys.
type fakeStore struct {
	uploadErr error
	// keyErrs fails the upload of individual keys without reading
	keyErrs map[string]error
	// gate, when set, holds every upload before it reads a byte until the
	// channel is closed
	gate chan struct{}
	// readLimit, when positive, makes Upload stop after that many bytes
	// and report success
	readLimit int64
	// links, when set, replaces the default signing
	links func(keys []string) []string

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStore) Upload(ctx context.Context, r io.Reader, contentType, key string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	if err := s.keyErrs[key]; err != nil {
		return err
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.readLimit > 0 {
		r = io.LimitReader(r, s.readLimit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *fakeStore) SignedURLs(_ context.Context, keys []string) ([]string, error) {
	if s.links != nil {
		return s.links(keys), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, len(keys))
	for i, k := range keys {
		if _, ok := s.objects[k]; ok {
			urls[i] = "signed-url-for:" + k
		}
	}
	return urls, nil
}

func (s *fakeStore) object(t *testing.T, key string) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	require.True(t, ok, "no object stored under %s", key)
	return data
}

// recorder collects hook calls in order.
type recorder struct {
	mu     sync.Mutex
	states []export.State
	events []string
}

func (r *recorder) hooks() export.Hooks {
	return export.Hooks{
		OnState: func(s export.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnEvent: func(ev export.Event, name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if name != "" {
				r.events = append(r.events, ev.String()+":"+name)
				return
			}
			r.events = append(r.events, ev.String())
		},
	}
}

func (r *recorder) eventList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) stateList() []export.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]export.State(nil), r.states...)
}

func indexOf(list []string, prefix string) int {
	for i, v := range list {
		if strings.HasPrefix(v, prefix) {
			return i
		}
	}
	return -1
}

type archiveEntry struct {
	name string
	body string
}

func readArchive(t *testing.T, data []byte) []archiveEntry {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make([]archiveEntry, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries = append(entries, archiveEntry{name: f.Name, body: string(body)})
	}
	return entries
}

func querySource(match, fileName string) export.Strategy {
	return export.StrategyFunc(func(context.Context, *export.Scope) (export.Config, error) {
		return export.Config{Queries: []export.QuerySource{
			{Query: stream.Raw("SELECT * FROM " + match), FileName: fileName},
		}}, nil
	})
}

func streamSource(fileName string, items ...any) export.Strategy {
	return export.StrategyFunc(func(context.Context, *export.Scope) (export.Config, error) {
		return export.Config{Streams: []export.StreamSource{{
			FileName: fileName,
			Open: func(context.Context, *export.Scope) (stream.Source, error) {
				return stream.Slice(items...), nil
			},
		}}}, nil
	})
}

func failingStrategy(err error) export.Strategy {
	return export.StrategyFunc(func(context.Context, *export.Scope) (export.Config, error) {
		return export.Config{}, err
	})
}
