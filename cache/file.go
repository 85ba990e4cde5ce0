package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulnwatch/epss-go/config"
)

// fileBackend stores one file per key inside a configured directory.
// Expiry is derived from file modification time plus the configured TTL;
// no expiry metadata is stored in the files themselves, so the per-call
// TTL passed to Set is not representable and the configured TTL governs
// every entry.
type fileBackend struct {
	dir      string
	maxBytes int64
	compress bool
	enc      Encoding
	ttl      time.Duration
	log      logrus.FieldLogger
}

var _ Backend = (*fileBackend)(nil)

var keySanitizer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

func newFileBackend(cfg config.File, ttl time.Duration, log logrus.FieldLogger) (*fileBackend, error) {
	dir := config.ExpandHome(cfg.Directory)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	enc := EncodingJSON
	if cfg.Format == "msgpack" {
		enc = EncodingMsgpack
	}
	b := &fileBackend{
		dir:      dir,
		maxBytes: int64(cfg.MaxSizeMB) * 1024 * 1024,
		compress: cfg.Compression,
		enc:      enc,
		ttl:      ttl,
		log:      log,
	}
	b.sweep()
	return b, nil
}

func (b *fileBackend) path(key string) string {
	name := keySanitizer.Replace(key)
	if b.enc == EncodingMsgpack {
		name += ".msgpack"
	} else {
		name += ".json"
	}
	if b.compress {
		name += ".gz"
	}
	return filepath.Join(b.dir, name)
}

func (b *fileBackend) Get(_ context.Context, key string) (*Entry, error) {
	path := b.path(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// A stale file is a miss but is deliberately not deleted here; only
	// the post-write size sweep removes files.
	if b.ttl > 0 && time.Since(info.ModTime()) > b.ttl {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if b.compress {
		data, err = gunzip(data)
		if err != nil {
			b.discardCorrupted(path, err)
			return nil, nil
		}
	}

	e := &Entry{Data: data, Encoding: b.enc}
	var probe any
	if err := e.decode(&probe); err != nil {
		b.discardCorrupted(path, err)
		return nil, nil
	}
	return e, nil
}

func (b *fileBackend) discardCorrupted(path string, cause error) {
	b.log.WithError(cause).WithField("path", path).Warn("removing corrupted cache file")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.log.WithError(err).WithField("path", path).Warn("failed to remove corrupted cache file")
	}
}

func (b *fileBackend) Set(_ context.Context, key string, e *Entry, _ time.Duration) error {
	data := e.Data
	if b.compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(b.path(key), data, 0o644); err != nil {
		return err
	}
	b.sweep()
	return nil
}

func (b *fileBackend) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fileBackend) Clear(_ context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (b *fileBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fileBackend) Close() error { return nil }

// sweep enforces the directory size budget after every write: when the
// aggregate size exceeds the budget, oldest-mtime files are deleted
// first until the budget is satisfied. Per-file stat and remove failures
// are skipped, not fatal.
func (b *fileBackend) sweep() {
	if b.maxBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.log.WithError(err).Warn("cache size sweep failed to list directory")
		return
	}

	type fileInfo struct {
		path  string
		size  int64
		mtime time.Time
	}
	var total int64
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, fileInfo{
			path:  filepath.Join(b.dir, entry.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}
	if total <= b.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		if total <= b.maxBytes {
			break
		}
	}
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
