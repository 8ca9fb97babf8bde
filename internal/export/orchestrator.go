package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/JonMunkholm/fieldexport/internal/storage"
	"github.com/JonMunkholm/fieldexport/internal/stream"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a step of one export.
type State int

const (
	StateInit State = iota
	StateClientAcquired
	StateProducing
	StateWiring
	StateFinalizing
	StateUploading
	StateLinking
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateClientAcquired:
		return "client_acquired"
	case StateProducing:
		return "producing"
	case StateWiring:
		return "wiring"
	case StateFinalizing:
		return "finalizing"
	case StateUploading:
		return "uploading"
	case StateLinking:
		return "linking"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a wiring milestone within an export.
type Event int

const (
	// EventConsumerAttached: the archive output is connected to the uploads.
	EventConsumerAttached Event = iota
	// EventEntryAppended: an entry was queued in the archive.
	EventEntryAppended
	// EventCursorExecuted: a query source's cursor was declared.
	EventCursorExecuted
	// EventSourceFailed: a source failed and its entry was truncated.
	EventSourceFailed
	// EventFinalized: the archive was finalized.
	EventFinalized
)

func (e Event) String() string {
	switch e {
	case EventConsumerAttached:
		return "consumer_attached"
	case EventEntryAppended:
		return "entry_appended"
	case EventCursorExecuted:
		return "cursor_executed"
	case EventSourceFailed:
		return "source_failed"
	case EventFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Hooks observe an export's progress. OnEvent may be called from the
// archive writer goroutine, so hooks must be safe for concurrent use.
type Hooks struct {
	OnState func(State)
	OnEvent func(ev Event, fileName string)
}

// Policy decides what happens to finalize and upload failures.
type Policy int

const (
	// PolicySwallow logs finalize and upload failures and carries on to
	// linking. A key whose upload never completed still fails there.
	PolicySwallow Policy = iota

	// PolicySurface returns finalize and upload failures to the caller.
	PolicySurface
)

// Request is one export call.
type Request struct {
	Strategies []Strategy
	Keys       []string
	Identity   Identity
}

// Result holds one signed link per requested key, in request order.
type Result struct {
	ExportID string
	URLs     []string
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithPolicy sets the finalize and upload failure policy.
func WithPolicy(p Policy) Option {
	return func(e *Exporter) {
		e.policy = p
	}
}

// WithMetrics records export metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Exporter) {
		e.metrics = m
	}
}

// WithHooks installs progress hooks.
func WithHooks(h Hooks) Option {
	return func(e *Exporter) {
		e.hooks = h
	}
}

// WithFetchSize sets the rows fetched per cursor round trip.
func WithFetchSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.fetchSize = n
		}
	}
}

// WithLimiter caps concurrent exports.
func WithLimiter(l *Limiter) Option {
	return func(e *Exporter) {
		e.limiter = l
	}
}

// Exporter runs exports. It is safe for concurrent use; every call to
// Export has its own client, archive and uploads.
type Exporter struct {
	clients   ClientProvider
	store     storage.ObjectStorage
	policy    Policy
	metrics   *Metrics
	hooks     Hooks
	fetchSize int
	limiter   *Limiter
}

// NewExporter creates an exporter reading through clients and writing to
// store.
func NewExporter(clients ClientProvider, store storage.ObjectStorage, opts ...Option) *Exporter {
	e := &Exporter{
		clients:   clients,
		store:     store,
		fetchSize: stream.DefaultFetchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export runs req and returns one signed link per destination key.
func (e *Exporter) Export(ctx context.Context, req Request) (res Result, err error) {
	exportID := uuid.NewString()
	ctx, logger := logging.WithFields(ctx, "export_id", exportID)
	run := &exportRun{Exporter: e, logger: logger}

	run.enter(StateInit)
	if err := validateRequest(req); err != nil {
		run.enter(StateFailed)
		logger.Warn("export rejected", "error", err)
		return Result{}, err
	}

	if e.limiter != nil {
		if err := e.limiter.Acquire(ctx); err != nil {
			run.enter(StateFailed)
			return Result{}, err
		}
		defer e.limiter.Release()
	}

	start := time.Now()
	e.metrics.started()
	defer func() {
		if err != nil {
			run.enter(StateFailed)
			logger.Error("export failed", "error", err, "duration", time.Since(start))
		}
		e.metrics.finished(err, time.Since(start), run.archiveBytes)
	}()

	client, err := e.clients.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire database client: %w", err)
	}
	shared := &releaseOnce{DBClient: client}
	defer shared.Release()
	run.enter(StateClientAcquired)

	scope := &Scope{Client: shared, Identity: req.Identity, FetchSize: e.fetchSize}

	run.enter(StateProducing)
	cfg, err := produceAll(ctx, scope, req.Strategies)
	if err != nil {
		return Result{}, err
	}
	logger.Info("export sources declared",
		"strategies", len(req.Strategies),
		"queries", len(cfg.Queries),
		"streams", len(cfg.Streams),
	)

	if err := run.build(ctx, scope, cfg, req.Keys); err != nil {
		return Result{}, err
	}

	run.enter(StateLinking)
	urls, err := run.link(ctx, req.Keys)
	if err != nil {
		return Result{}, err
	}

	run.enter(StateDone)
	logger.Info("export complete",
		"keys", len(req.Keys),
		"archive_bytes", run.archiveBytes,
		"duration", time.Since(start),
	)
	return Result{ExportID: exportID, URLs: urls}, nil
}

func validateRequest(req Request) error {
	if len(req.Strategies) == 0 {
		return &ValidationError{Message: MsgNoStrategies}
	}
	if len(req.Keys) == 0 {
		return &ValidationError{Message: MsgNoKeys}
	}
	seen := make(map[string]struct{}, len(req.Keys))
	for _, k := range req.Keys {
		if k == "" {
			return validationErrorf("Export destination key is empty.")
		}
		if _, dup := seen[k]; dup {
			return validationErrorf("%s: %s", msgDuplicateKey, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// produceAll runs every strategy concurrently and merges the configs in
// roster order. The first failure is returned as is.
func produceAll(ctx context.Context, scope *Scope, strategies []Strategy) (Config, error) {
	configs := make([]Config, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			cfg, err := s.Produce(gctx, scope)
			if err != nil {
				return wrapStrategyError(strategyName(s), err)
			}
			configs[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Config{}, err
	}
	return Merge(configs...)
}

// exportRun is the state of one Export call.
type exportRun struct {
	*Exporter
	logger       *slog.Logger
	archiveBytes int64
}

func (r *exportRun) enter(s State) {
	r.logger.Debug("export state", "state", s.String())
	if r.hooks.OnState != nil {
		r.hooks.OnState(s)
	}
}

func (r *exportRun) emit(ev Event, fileName string) {
	if r.hooks.OnEvent != nil {
		r.hooks.OnEvent(ev, fileName)
	}
}

// contain returns the failure handler for one entry: the failure is logged
// and counted, and the entry ends where it failed.
func (r *exportRun) contain(fileName string) stream.ErrorHandler {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			rerr := &ResourceError{FileName: fileName, Err: err}
			r.logger.Warn("export source failed, entry truncated", "file", fileName, "error", rerr)
			r.metrics.sourceFailed()
			r.emit(EventSourceFailed, fileName)
		})
	}
}

// build runs the wiring, finalizing and uploading states.
func (r *exportRun) build(ctx context.Context, scope *Scope, cfg Config, keys []string) error {
	r.enter(StateWiring)

	fan, readers := stream.NewFanOut(len(keys))
	out := stream.NewCountingWriter(fan)

	// Uploads start before the first entry exists and run alongside the
	// appends; each consumes its own copy of the archive bytes.
	uploadErrs := make([]error, len(keys))
	// firstFailed is the upload that failed before any other. It is set
	// before its reader is closed, so uploads that only fail because the
	// shared archive broke can never claim it.
	var firstFailed atomic.Int32
	firstFailed.Store(-1)
	var uploads sync.WaitGroup
	for i, key := range keys {
		i, key := i, key
		uploads.Add(1)
		go func() {
			defer uploads.Done()
			err := r.store.Upload(ctx, readers[i], stream.ArchiveContentType, key)
			uploadErrs[i] = err
			if err != nil {
				firstFailed.CompareAndSwap(-1, int32(i))
			}
			// Unblock the archive if the upload stopped reading early
			readers[i].CloseWithError(err)
		}()
	}

	archive := stream.NewArchive(out, stream.WithEntryErrorHandler(func(ee *stream.EntryError) {
		r.contain(ee.Name)(ee.Err)
	}))
	r.emit(EventConsumerAttached, "")

	wireErr := r.appendSources(ctx, scope, archive, cfg)

	r.enter(StateFinalizing)
	finalizeErr := archive.Finalize()
	r.emit(EventFinalized, "")
	if wireErr != nil && finalizeErr == nil {
		finalizeErr = wireErr
	}
	if finalizeErr != nil {
		r.logger.Error("export archive incomplete", "error", finalizeErr)
	}

	r.enter(StateUploading)
	uploads.Wait()
	r.archiveBytes = out.BytesWritten()
	for i, err := range uploadErrs {
		if err != nil {
			r.logger.Error("export upload failed", "key", keys[i], "error", err)
		}
	}

	// Contained source errors do not fail the call, but a cancelled run
	// has truncated entries whatever the store reported.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("export interrupted: %w", err)
	}

	if r.policy != PolicySurface {
		return nil
	}
	// A failed upload also breaks the archive, so it is the root cause
	if i := firstFailed.Load(); i >= 0 {
		return &UploadError{Key: keys[i], Err: uploadErrs[i]}
	}
	if finalizeErr != nil {
		return &FinalizeError{Err: finalizeErr}
	}
	return nil
}

// appendSources appends one entry per declared source, in declaration
// order: queries first, then streams. It stops at the first append the
// archive refuses, which only happens once the archive itself has failed.
func (r *exportRun) appendSources(ctx context.Context, scope *Scope, archive *stream.Archive, cfg Config) error {
	for _, q := range cfg.Queries {
		onErr := r.contain(q.FileName)
		cursor := scope.Cursor(q.Query)

		if err := r.appendEntry(ctx, archive, q.FileName, cursor, onErr); err != nil {
			return err
		}

		// The entry only advances once its cursor is declared
		if err := cursor.Execute(ctx); err != nil {
			r.logger.Debug("export cursor not declared", "file", q.FileName, "error", err)
			continue
		}
		r.emit(EventCursorExecuted, q.FileName)
	}

	for _, s := range cfg.Streams {
		onErr := r.contain(s.FileName)

		src, err := s.Open(ctx, scope)
		if err != nil {
			onErr(err)
			src = stream.Slice()
		}

		if err := r.appendEntry(ctx, archive, s.FileName, src, onErr); err != nil {
			return err
		}
	}
	return nil
}

func (r *exportRun) appendEntry(ctx context.Context, archive *stream.Archive, name string, src stream.Source, onErr stream.ErrorHandler) error {
	guarded := stream.EndOnError(src, onErr)
	body := stream.EndReaderOnError(stream.NewJSONReader(ctx, guarded), onErr)
	if err := archive.Append(name, body); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	r.metrics.entryAppended()
	r.emit(EventEntryAppended, name)
	return nil
}

// link issues one signed link per key. Any key without a link fails the
// export regardless of policy.
func (r *exportRun) link(ctx context.Context, keys []string) ([]string, error) {
	urls, err := r.store.SignedURLs(ctx, keys)
	if err != nil {
		return nil, &LinkError{Missing: keys, Err: err}
	}
	if len(urls) != len(keys) {
		return nil, &LinkError{
			Missing: keys,
			Err:     fmt.Errorf("storage returned %d links for %d keys", len(urls), len(keys)),
		}
	}

	var missing []string
	for i, u := range urls {
		if u == "" {
			missing = append(missing, keys[i])
		}
	}
	if len(missing) > 0 {
		return nil, &LinkError{Missing: missing}
	}
	return urls, nil
}

// releaseOnce guarantees a single Release whatever the strategies or the
// export do with the client.
type releaseOnce struct {
	DBClient
	once sync.Once
}

func (c *releaseOnce) Release() {
	c.once.Do(c.DBClient.Release)
}

var _ DBClient = (*releaseOnce)(nil)

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
