package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/datastore/walog"
	"github.com/foldsync/core/internal/engine"
	"github.com/foldsync/core/internal/objects"
)

// FileStore wraps a MemStore with a periodic write-coalescing flush
// to one JSON document per object path under baseDir — the
// persistSync half of the DataStore contract. It is a coalescing
// syncer in the same spirit as a metrics collector's sample-and-publish ticker
// (metrics.go's periodic collect()), generalized from "sample and
// publish" to "snapshot and persist."
type FileStore struct {
	*MemStore
	baseDir string
	wal     *walog.Log // optional durability log, nil if disabled
	logger  zerolog.Logger
}

// NewFileStore builds a FileStore rooted at baseDir. wal may be nil to
// disable the Kafka write-ahead log.
func NewFileStore(baseDir string, factory Factory, reg *codec.Registry, wal *walog.Log, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("datastore: create base dir: %w", err)
	}
	return &FileStore{
		MemStore: NewMemStore(factory, reg, logger),
		baseDir:  baseDir,
		wal:      wal,
		logger:   logger,
	}, nil
}

func (f *FileStore) docPath(path string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(path)
	return filepath.Join(f.baseDir, safe+".json")
}

// Flush writes every currently-known object's snapshot to disk,
// appending the same snapshot to the write-ahead log first (if
// configured) so persistSync only reports success once the record is
// durable.
func (f *FileStore) Flush(ctx context.Context) error {
	for path, obj := range f.Snapshot() {
		if err := f.flushOne(ctx, path, obj); err != nil {
			f.logger.Warn().Err(err).Str("path", path).Msg("filestore: flush failed")
		}
	}
	return nil
}

func (f *FileStore) flushOne(ctx context.Context, path string, obj *engine.Object) error {
	snap := obj.Snapshot(objects.SystemAuth)
	doc := make(jsonDoc, len(snap.Props))
	for _, entry := range snap.Props {
		prop, ok := obj.Meta.ByIndex(entry.PropIndex)
		if !ok {
			continue
		}
		doc[prop.Name] = valueToLeaf(entry.Val)
	}

	if f.wal != nil {
		if err := f.wal.Append(ctx, path, doc); err != nil {
			return fmt.Errorf("write-ahead append: %w", err)
		}
	}
	return writeDoc(f.docPath(path), doc)
}

// Shutdown flushes synchronously before releasing objects.
func (f *FileStore) Shutdown(ctx context.Context) error {
	if err := f.Flush(ctx); err != nil {
		return err
	}
	if f.wal != nil {
		f.wal.Close()
	}
	return f.MemStore.Shutdown(ctx)
}

// Run flushes on the given period until ctx is canceled, then does one
// final synchronous flush on shutdown.
func (f *FileStore) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.Warn().Err(err).Msg("filestore: periodic flush failed")
			}
		case <-ctx.Done():
			_ = f.Flush(context.Background())
			return
		}
	}
}

// writeDoc serializes doc via a temp-file rename, so a flush racing a
// process crash never leaves a partially written document behind.
func writeDoc(path string, doc jsonDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadDoc reads back a previously flushed document, for a FileStore's
// factory to seed an object's initial values from disk on first
// resolution after a restart.
func LoadDoc(baseDir, path string) (map[string]codec.Value, error) {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(path)
	data, err := os.ReadFile(filepath.Join(baseDir, safe+".json"))
	if err != nil {
		return nil, err
	}
	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("datastore: decode document: %w", err)
	}
	out := make(map[string]codec.Value, len(doc))
	for name, leaf := range doc {
		v, err := leafToValue(leaf)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
