package export_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/strategies"
	"github.com/JonMunkholm/fieldexport/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport_EmptyRosterFailsBeforeAcquire(t *testing.T) {
	provider := &fakeProvider{client: newFakeClient()}
	exp := export.NewExporter(provider, newFakeStore())

	_, err := exp.Export(context.Background(), export.Request{Keys: []string{"k1"}})

	var verr *export.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "No export strategies have been defined.", verr.Message)
	assert.Zero(t, provider.acquires.Load())
}

func TestExport_RejectsBadKeysBeforeAcquire(t *testing.T) {
	tests := []struct {
		name string
		keys []string
	}{
		{"no keys", nil},
		{"empty key", []string{"k1", ""}},
		{"duplicate key", []string{"k1", "k1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{client: newFakeClient()}
			exp := export.NewExporter(provider, newFakeStore())

			_, err := exp.Export(context.Background(), export.Request{
				Strategies: []export.Strategy{querySource("a", "a.json")},
				Keys:       tt.keys,
			})
			assert.True(t, export.IsValidation(err), "got %v", err)
			assert.Zero(t, provider.acquires.Load())
		})
	}
}

func TestExport_SingleMetadataStrategy(t *testing.T) {
	client := newFakeClient(fakeTable{
		match: "FROM surveys",
		rows:  []stream.Row{{"id": 1, "title": "Spring count"}},
	})
	store := newFakeStore()
	exp := export.NewExporter(&fakeProvider{client: client}, store)

	res, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{strategies.Metadata{SurveyID: 1}},
		Keys:       []string{"k1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"signed-url-for:k1"}, res.URLs)
	assert.NotEmpty(t, res.ExportID)

	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 1)
	assert.Equal(t, "survey_metadata.json", entries[0].name)
	assert.JSONEq(t, `{"id":1,"title":"Spring count"}`, entries[0].body)
	assert.Equal(t, stream.ArchiveContentType, store.types["k1"])

	assert.Equal(t, int32(1), client.releases.Load())
	assert.Zero(t, client.openCursors())
}

func TestExport_ConsumerAttachedBeforeFirstAppend(t *testing.T) {
	client := newFakeClient(
		fakeTable{match: "alpha", rows: []stream.Row{{"n": 1}, {"n": 2}, {"n": 3}}},
		fakeTable{match: "beta", rows: []stream.Row{{"n": 4}}},
	)
	store := newFakeStore()
	rec := &recorder{}
	exp := export.NewExporter(&fakeProvider{client: client}, store,
		export.WithHooks(rec.hooks()),
		export.WithFetchSize(2),
	)

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{
			querySource("alpha", "alpha.json"),
			querySource("beta", "beta.json"),
			streamSource("gamma.json", map[string]any{"n": 5}),
		},
		Keys: []string{"k1"},
	})
	require.NoError(t, err)

	events := rec.eventList()
	attached := indexOf(events, "consumer_attached")
	firstAppend := indexOf(events, "entry_appended")
	require.NotEqual(t, -1, attached)
	require.NotEqual(t, -1, firstAppend)
	assert.Less(t, attached, firstAppend)
	assert.Less(t, indexOf(events, "entry_appended:gamma.json"), indexOf(events, "finalized"))

	// Nothing was truncated by a late consumer
	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha.json", entries[0].name)
	assert.Equal(t, `{"n":1}{"n":2}{"n":3}`, entries[0].body)
	assert.Equal(t, "beta.json", entries[1].name)
	assert.Equal(t, `{"n":4}`, entries[1].body)
	assert.Equal(t, "gamma.json", entries[2].name)
	assert.Equal(t, `{"n":5}`, entries[2].body)

	assert.Equal(t, []export.State{
		export.StateInit,
		export.StateClientAcquired,
		export.StateProducing,
		export.StateWiring,
		export.StateFinalizing,
		export.StateUploading,
		export.StateLinking,
		export.StateDone,
	}, rec.stateList())
}

func TestExport_StrategyFailureAbortsBeforeArchive(t *testing.T) {
	telemetryErr := errors.New("telemetry: device registry unavailable")
	client := newFakeClient(fakeTable{match: "observations"})
	store := newFakeStore()
	rec := &recorder{}
	exp := export.NewExporter(&fakeProvider{client: client}, store, export.WithHooks(rec.hooks()))

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{
			strategies.Observation{SurveyID: 1},
			failingStrategy(telemetryErr),
		},
		Keys: []string{"k1"},
	})

	require.ErrorIs(t, err, telemetryErr)
	var serr *export.StrategyError
	require.ErrorAs(t, err, &serr)

	assert.Equal(t, -1, indexOf(rec.eventList(), "finalized"))
	assert.Equal(t, -1, indexOf(rec.eventList(), "consumer_attached"))
	assert.Empty(t, store.objects)
	assert.Equal(t, int32(1), client.releases.Load())

	states := rec.stateList()
	assert.Equal(t, export.StateFailed, states[len(states)-1])
	assert.NotContains(t, states, export.StateWiring)
}

func TestExport_ReleasesClientExactlyOnce(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		roster  []export.Strategy
		store   func() *fakeStore
		opts    []export.Option
		wantErr bool
	}{
		{
			name:   "success",
			roster: []export.Strategy{querySource("a", "a.json")},
			store:  newFakeStore,
		},
		{
			name:    "strategy failure",
			roster:  []export.Strategy{querySource("a", "a.json"), failingStrategy(boom)},
			store:   newFakeStore,
			wantErr: true,
		},
		{
			name:    "duplicate file names",
			roster:  []export.Strategy{querySource("a", "a.json"), querySource("b", "a.json")},
			store:   newFakeStore,
			wantErr: true,
		},
		{
			name:   "upload failure swallowed then link failure",
			roster: []export.Strategy{querySource("a", "a.json")},
			store: func() *fakeStore {
				s := newFakeStore()
				s.uploadErr = boom
				return s
			},
			wantErr: true,
		},
		{
			name:   "upload failure surfaced",
			roster: []export.Strategy{querySource("a", "a.json")},
			store: func() *fakeStore {
				s := newFakeStore()
				s.uploadErr = boom
				return s
			},
			opts:    []export.Option{export.WithPolicy(export.PolicySurface)},
			wantErr: true,
		},
		{
			name:   "link failure",
			roster: []export.Strategy{querySource("a", "a.json")},
			store: func() *fakeStore {
				s := newFakeStore()
				s.links = func(keys []string) []string { return make([]string, len(keys)) }
				return s
			},
			wantErr: true,
		},
		{
			name: "strategy releases the client itself",
			roster: []export.Strategy{export.StrategyFunc(func(_ context.Context, scope *export.Scope) (export.Config, error) {
				scope.Client.Release()
				return export.Config{}, nil
			})},
			store: newFakeStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(fakeTable{match: "a", rows: []stream.Row{{"id": 1}}})
			exp := export.NewExporter(&fakeProvider{client: client}, tt.store(), tt.opts...)

			_, err := exp.Export(context.Background(), export.Request{
				Strategies: tt.roster,
				Keys:       []string{"k1"},
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, int32(1), client.releases.Load())
		})
	}
}

func TestExport_AcquireFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	exp := export.NewExporter(provider, newFakeStore())

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{querySource("a", "a.json")},
		Keys:       []string{"k1"},
	})
	require.Error(t, err)
	assert.Equal(t, "DB001", export.MapError(err).Code)
}

func TestExport_LinkCompleteness(t *testing.T) {
	t.Run("missing link fails", func(t *testing.T) {
		store := newFakeStore()
		store.links = func(keys []string) []string { return []string{"url-a", ""} }
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store)

		_, err := exp.Export(context.Background(), export.Request{
			Strategies: []export.Strategy{streamSource("s.json")},
			Keys:       []string{"a", "b"},
		})

		var lerr *export.LinkError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, []string{"b"}, lerr.Missing)
		assert.Contains(t, err.Error(), export.MsgMissingLinks)
	})

	t.Run("every link present keeps request order", func(t *testing.T) {
		store := newFakeStore()
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store)

		res, err := exp.Export(context.Background(), export.Request{
			Strategies: []export.Strategy{streamSource("s.json", map[string]any{"x": 1})},
			Keys:       []string{"zeta", "alpha"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"signed-url-for:zeta", "signed-url-for:alpha"}, res.URLs)

		// Each key received the complete archive
		assert.Equal(t, store.object(t, "zeta"), store.object(t, "alpha"))
		entries := readArchive(t, store.object(t, "alpha"))
		require.Len(t, entries, 1)
		assert.Equal(t, `{"x":1}`, entries[0].body)
	})

	t.Run("count mismatch fails", func(t *testing.T) {
		store := newFakeStore()
		store.links = func([]string) []string { return []string{"url-a"} }
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store)

		_, err := exp.Export(context.Background(), export.Request{
			Strategies: []export.Strategy{streamSource("s.json")},
			Keys:       []string{"a", "b"},
		})
		var lerr *export.LinkError
		assert.ErrorAs(t, err, &lerr)
	})
}

func TestExport_SourceFailureTruncatesOnlyItsEntry(t *testing.T) {
	client := newFakeClient(
		fakeTable{
			match:    "flaky",
			rows:     []stream.Row{{"n": 1}, {"n": 2}},
			fetchErr: errors.New("connection reset by peer"),
		},
		fakeTable{match: "steady", rows: []stream.Row{{"n": 9}}},
	)
	store := newFakeStore()
	rec := &recorder{}
	exp := export.NewExporter(&fakeProvider{client: client}, store,
		export.WithHooks(rec.hooks()),
		export.WithFetchSize(2),
	)

	res, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{
			querySource("flaky", "flaky.json"),
			querySource("steady", "steady.json"),
		},
		Keys: []string{"k1"},
	})
	require.NoError(t, err)
	assert.Len(t, res.URLs, 1)

	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 2)
	assert.Equal(t, `{"n":1}{"n":2}`, entries[0].body)
	assert.Equal(t, `{"n":9}`, entries[1].body)

	assert.Contains(t, rec.eventList(), "source_failed:flaky.json")
	assert.Zero(t, client.openCursors())
}

func TestExport_StreamFactoryFailureLeavesEmptyEntry(t *testing.T) {
	store := newFakeStore()
	rec := &recorder{}
	exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store, export.WithHooks(rec.hooks()))

	broken := export.StrategyFunc(func(context.Context, *export.Scope) (export.Config, error) {
		return export.Config{Streams: []export.StreamSource{{
			FileName: "broken.json",
			Open: func(context.Context, *export.Scope) (stream.Source, error) {
				return nil, errors.New("device list unavailable")
			},
		}}}, nil
	})

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{broken, streamSource("ok.json", map[string]any{"ok": true})},
		Keys:       []string{"k1"},
	})
	require.NoError(t, err)

	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 2)
	assert.Equal(t, "broken.json", entries[0].name)
	assert.Empty(t, entries[0].body)
	assert.Equal(t, `{"ok":true}`, entries[1].body)
	assert.Contains(t, rec.eventList(), "source_failed:broken.json")
}

func TestExport_NonObjectRecordTruncatesEntry(t *testing.T) {
	store := newFakeStore()
	exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store)

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{streamSource("mixed.json", map[string]any{"a": 1}, "not an object", map[string]any{"b": 2})},
		Keys:       []string{"k1"},
	})
	require.NoError(t, err)

	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 1)
	assert.Equal(t, `{"a":1}`, entries[0].body)
}

func TestExport_UploadFailurePolicy(t *testing.T) {
	uploadErr := errors.New("bucket unavailable")
	newStore := func() *fakeStore {
		s := newFakeStore()
		s.uploadErr = uploadErr
		// Links are issued even though nothing was stored
		s.links = func(keys []string) []string {
			urls := make([]string, len(keys))
			for i, k := range keys {
				urls[i] = "signed-url-for:" + k
			}
			return urls
		}
		return s
	}
	roster := []export.Strategy{querySource("a", "a.json")}

	t.Run("swallow reports success", func(t *testing.T) {
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, newStore())
		res, err := exp.Export(context.Background(), export.Request{Strategies: roster, Keys: []string{"k1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"signed-url-for:k1"}, res.URLs)
	})

	t.Run("surface returns the upload error", func(t *testing.T) {
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, newStore(),
			export.WithPolicy(export.PolicySurface))
		_, err := exp.Export(context.Background(), export.Request{Strategies: roster, Keys: []string{"k1"}})

		var uerr *export.UploadError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, "k1", uerr.Key)
		assert.ErrorIs(t, err, uploadErr)
	})
}

func TestExport_DuplicateFileNamesRejected(t *testing.T) {
	client := newFakeClient()
	exp := export.NewExporter(&fakeProvider{client: client}, newFakeStore())

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{querySource("a", "same.json"), streamSource("same.json")},
		Keys:       []string{"k1"},
	})
	assert.True(t, export.IsValidation(err))
	assert.Equal(t, "EXP003", export.MapError(err).Code)
	assert.Equal(t, int32(1), client.releases.Load())
}

func TestExport_LimiterSaturated(t *testing.T) {
	limiter := export.NewLimiter(1, 10*time.Millisecond)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	provider := &fakeProvider{client: newFakeClient()}
	exp := export.NewExporter(provider, newFakeStore(), export.WithLimiter(limiter))

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{streamSource("s.json")},
		Keys:       []string{"k1"},
	})
	assert.ErrorIs(t, err, export.ErrTooManyExports)
	assert.Zero(t, provider.acquires.Load())
}

func TestExport_FinalizeFailurePolicy(t *testing.T) {
	// The upload stops reading after a few bytes, so the archive cannot be
	// completed while the upload itself reports success.
	newStore := func() *fakeStore {
		s := newFakeStore()
		s.readLimit = 8
		return s
	}
	roster := []export.Strategy{streamSource("s.json", map[string]any{"payload": "abcdefghijklmnopqrstuvwxyz"})}

	t.Run("swallow", func(t *testing.T) {
		store := newStore()
		exp := export.NewExporter(&fakeProvider{client: newFakeClient()}, store)
		res, err := exp.Export(context.Background(), export.Request{Strategies: roster, Keys: []string{"k1"}})
		require.NoError(t, err)
		assert.Len(t, res.URLs, 1)
		assert.Len(t, store.object(t, "k1"), 8)
	})

	t.Run("surface", func(t *testing.T) {
		client := newFakeClient()
		exp := export.NewExporter(&fakeProvider{client: client}, newStore(),
			export.WithPolicy(export.PolicySurface))
		_, err := exp.Export(context.Background(), export.Request{Strategies: roster, Keys: []string{"k1"}})

		var ferr *export.FinalizeError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, int32(1), client.releases.Load())
	})
}

func TestExport_StalledUploadThrottlesCursor(t *testing.T) {
	const total = 50000
	client := newFakeClient(fakeTable{match: "FROM readings", generate: total})
	store := newFakeStore()
	store.gate = make(chan struct{})
	exp := export.NewExporter(&fakeProvider{client: client}, store, export.WithFetchSize(10))

	type outcome struct {
		res export.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exp.Export(context.Background(), export.Request{
			Strategies: []export.Strategy{querySource("readings", "readings.json")},
			Keys:       []string{"k1"},
		})
		done <- outcome{res, err}
	}()

	// Production stops once the compressor and the pipe are full.
	require.Eventually(t, func() bool { return client.fetched.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	var stalled int64
	require.Eventually(t, func() bool {
		before := client.fetched.Load()
		time.Sleep(50 * time.Millisecond)
		stalled = client.fetched.Load()
		return stalled == before
	}, 5*time.Second, time.Millisecond)
	assert.Less(t, stalled, int64(total/5), "rows kept flowing while the upload was stalled")

	select {
	case out := <-done:
		t.Fatalf("export finished while the upload was stalled: %v", out.err)
	default:
	}

	close(store.gate)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, []string{"signed-url-for:k1"}, out.res.URLs)
	assert.Equal(t, int64(total), client.fetched.Load())

	entries := readArchive(t, store.object(t, "k1"))
	require.Len(t, entries, 1)
	assert.Equal(t, total, strings.Count(entries[0].body, `"payload":`))
	assert.Zero(t, client.openCursors())
}

func TestExport_SurfacePolicyReportsFailingKey(t *testing.T) {
	diskFull := errors.New("disk full")
	store := newFakeStore()
	store.keyErrs = map[string]error{"k2": diskFull}
	client := newFakeClient(fakeTable{match: "FROM a", rows: []stream.Row{{"id": 1}}})
	exp := export.NewExporter(&fakeProvider{client: client}, store, export.WithPolicy(export.PolicySurface))

	_, err := exp.Export(context.Background(), export.Request{
		Strategies: []export.Strategy{querySource("a", "a.json")},
		Keys:       []string{"k1", "k2", "k3"},
	})

	var uerr *export.UploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "k2", uerr.Key)
	assert.Same(t, diskFull, uerr.Err)
	assert.Equal(t, int32(1), client.releases.Load())
}

func TestExport_CancelledRunFails(t *testing.T) {
	client := newFakeClient(fakeTable{match: "FROM a", generate: 1000})
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hooks := export.Hooks{OnEvent: func(ev export.Event, _ string) {
		if ev == export.EventCursorExecuted {
			cancel()
		}
	}}
	// The fake store ignores ctx once it reads, so only the exporter can
	// notice the cancellation.
	exp := export.NewExporter(&fakeProvider{client: client}, store, export.WithHooks(hooks))

	_, err := exp.Export(ctx, export.Request{
		Strategies: []export.Strategy{querySource("a", "a.json")},
		Keys:       []string{"k1"},
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "REQ001", export.MapError(err).Code)
	assert.Equal(t, int32(1), client.releases.Load())
	assert.Zero(t, client.openCursors())
}
