package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/JonMunkholm/fieldexport/internal/logging"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultChunkSize is the size of each stored object chunk.
	DefaultChunkSize = 1 << 20

	// DefaultRetention is how long objects are kept before expiring.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultGCSchedule runs value-log garbage collection hourly.
	DefaultGCSchedule = "@hourly"
)

// BadgerConfig holds embedded object store settings.
type BadgerConfig struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// ChunkSize is the object chunk size in bytes
	ChunkSize int

	// Retention is the TTL applied to every stored object
	Retention time.Duration

	// GCSchedule is a cron spec for value-log garbage collection
	GCSchedule string
}

// Badger implements ObjectStorage on an embedded BadgerDB.
//
// An object is stored as a metadata record plus numbered chunks. Each upload
// writes a fresh generation of chunks and only then switches the metadata
// to it, so readers never see a half-written object and an overwritten
// object's old chunks are deleted afterwards.
type Badger struct {
	db     *badger.DB
	signer *Signer
	cfg    BadgerConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string    `json:"key"`
	Generation  string    `json:"generation"`
	Chunks      int       `json:"chunks"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// OpenBadger opens (or creates) the store. signer issues links for
// SignedURLs and may be nil when links are not needed.
func OpenBadger(cfg BadgerConfig, signer *Signer) (*Badger, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = DefaultGCSchedule
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		// Chunks are large; keep them in the value log, metadata in the LSM
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Badger{db: db, signer: signer, cfg: cfg, logger: slog.Default()}, nil
}

// Upload implements ObjectStorage. The reader is consumed one chunk at a
// time, so memory use is bounded by the chunk size regardless of object
// size.
func (b *Badger) Upload(ctx context.Context, r io.Reader, contentType, key string) error {
	if key == "" {
		return errors.New("object key is empty")
	}

	info := ObjectInfo{
		Key:         key,
		Generation:  uuid.NewString(),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	buf := make([]byte, b.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			entry := badger.NewEntry(chunkKey(key, info.Generation, info.Chunks), chunk).
				WithTTL(b.cfg.Retention)
			if setErr := wb.SetEntry(entry); setErr != nil {
				return fmt.Errorf("write chunk %d of %s: %w", info.Chunks, key, setErr)
			}
			info.Chunks++
			info.Size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read upload stream for %s: %w", key, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush chunks of %s: %w", key, err)
	}

	return b.commit(ctx, info)
}

// commit points the object's metadata at the new generation and removes
// the chunks of the generation it replaces.
func (b *Badger) commit(ctx context.Context, info ObjectInfo) error {
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode object info: %w", err)
	}

	var previous *ObjectInfo
	err = b.db.Update(func(txn *badger.Txn) error {
		old, err := getInfo(txn, info.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		previous = old
		return txn.SetEntry(badger.NewEntry(metaKey(info.Key), meta).WithTTL(b.cfg.Retention))
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", info.Key, err)
	}

	if previous != nil && previous.Generation != info.Generation {
		b.deleteChunks(ctx, *previous)
	}
	return nil
}

func (b *Badger) deleteChunks(ctx context.Context, info ObjectInfo) {
	logger := logging.FromContext(ctx)
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for i := 0; i < info.Chunks; i++ {
		if err := wb.Delete(chunkKey(info.Key, info.Generation, i)); err != nil {
			logger.Warn("badger: failed to delete stale chunk", "key", info.Key, "chunk", i, "error", err)
			return
		}
	}
	if err := wb.Flush(); err != nil {
		logger.Warn("badger: failed to flush stale chunk deletes", "key", info.Key, "error", err)
	}
}

// SignedURLs implements ObjectStorage.
func (b *Badger) SignedURLs(ctx context.Context, keys []string) ([]string, error) {
	if b.signer == nil {
		return nil, errors.New("badger store has no link signer")
	}

	urls := make([]string, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := getInfo(txn, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			urls[i] = b.signer.Sign(key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return urls, nil
}

// Stat returns the metadata of a stored object.
func (b *Badger) Stat(key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		info, err = getInfo(txn, key)
		return err
	})
	return info, err
}

// Open returns a reader over a stored object. Chunks are loaded one at a
// time as the reader is drained.
func (b *Badger) Open(key string) (*ObjectInfo, io.ReadCloser, error) {
	info, err := b.Stat(key)
	if err != nil {
		return nil, nil, err
	}
	return info, &chunkReader{db: b.db, info: *info}, nil
}

// StartGC schedules value-log garbage collection until ctx is done. GC
// runs are logged with the logger carried by ctx.
func (b *Badger) StartGC(ctx context.Context) error {
	b.logger = logging.FromContext(ctx).With("component", "badger_gc")

	c := cron.New()
	_, err := c.AddFunc(b.cfg.GCSchedule, b.runGC)
	if err != nil {
		return fmt.Errorf("schedule badger gc %q: %w", b.cfg.GCSchedule, err)
	}
	b.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// runGC rewrites value-log files until badger reports nothing left to do.
func (b *Badger) runGC() {
	rewrites := 0
	for {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				b.logger.Warn("value log gc failed", "error", err)
			}
			break
		}
		rewrites++
	}
	b.logger.Debug("value log gc finished", "rewrites", rewrites)
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	if b.cron != nil {
		<-b.cron.Stop().Done()
	}
	return b.db.Close()
}

func getInfo(txn *badger.Txn, key string) (*ObjectInfo, error) {
	item, err := txn.Get(metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}

	var info ObjectInfo
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &info)
	})
	if err != nil {
		return nil, fmt.Errorf("decode object info for %s: %w", key, err)
	}
	return &info, nil
}

func metaKey(key string) []byte {
	return []byte("meta/" + key)
}

func chunkKey(key, generation string, idx int) []byte {
	return []byte("chunk/" + key + "/" + generation + "/" + strconv.Itoa(idx))
}

// chunkReader streams an object's chunks in order.
type chunkReader struct {
	db   *badger.DB
	info ObjectInfo
	next int
	buf  []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= r.info.Chunks {
			return 0, io.EOF
		}
		err := r.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(r.info.Key, r.info.Generation, r.next))
			if err != nil {
				return err
			}
			r.buf, err = item.ValueCopy(nil)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("read chunk %d of %s: %w", r.next, r.info.Key, err)
		}
		r.next++
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.next = r.info.Chunks
	return nil
}
