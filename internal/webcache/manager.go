// Package webcache persists rendered HTTP payloads on disk so they can be
// served across requests and process restarts without regenerating them.
//
// Each cache key owns three sibling files under the cache directory: the
// raw payload, a pre-compressed gzip variant, and a small file holding the
// integrity tag. Freshness is decided by comparing file modification times
// against a data clock supplied by the caller, and publication happens via
// rename so concurrent readers never observe a partially written file.
package webcache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Manager materializes and loads cached artifacts in a single directory.
// Collision avoidance between in-flight materializations is best effort:
// leftover temp files make a second attempt back off, and in the rare
// window where two attempts both proceed, the regenerated content is
// equivalent and the wasted write is accepted.
type Manager struct {
	dir string
}

// Entry is a materialized artifact loaded for serving.
type Entry struct {
	Body    []byte
	GzBody  []byte // nil when the gzip sibling is missing or older than the raw file
	ETag    string
	ModTime time.Time
}

// New creates a Manager rooted at dir, creating the directory if needed.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key)
}

// Fresh reports whether the artifact for key can serve requests against
// the given data clock. Both the raw and gzip files must be at least as
// new as the clock and the tag file must exist.
func (m *Manager) Fresh(key string, clock time.Time) bool {
	base := m.path(key)

	raw, err := os.Stat(base)
	if err != nil {
		return false
	}
	gz, err := os.Stat(base + ".gz")
	if err != nil {
		return false
	}
	if raw.ModTime().Before(clock) || gz.ModTime().Before(clock) {
		return false
	}
	if _, err := os.Stat(base + ".etag"); err != nil {
		return false
	}
	return true
}

// Load reads the artifact for key. The gzip variant is only attached when
// it is at least as new as the raw file, so a half-updated pair degrades
// to serving raw bytes instead of stale compressed ones.
func (m *Manager) Load(key string) (*Entry, error) {
	base := m.path(key)

	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("failed to stat cached artifact: %w", err)
	}
	body, err := os.ReadFile(base)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached artifact: %w", err)
	}
	tag, err := os.ReadFile(base + ".etag")
	if err != nil {
		return nil, fmt.Errorf("failed to read cache tag: %w", err)
	}

	entry := &Entry{
		Body:    body,
		ETag:    strings.TrimSpace(string(tag)),
		ModTime: info.ModTime(),
	}

	if gzInfo, err := os.Stat(base + ".gz"); err == nil && !gzInfo.ModTime().Before(info.ModTime()) {
		if gzBody, err := os.ReadFile(base + ".gz"); err == nil {
			entry.GzBody = gzBody
		}
	}
	return entry, nil
}

// Store materializes the raw, gzip and tag files for key. If temp files
// from another in-flight materialization are present the attempt is a
// silent no-op.
func (m *Manager) Store(key string, body []byte) error {
	base := m.path(key)
	rawTmp := base + ".tmp"
	gzTmp := base + ".gz.tmp"
	tagTmp := base + ".etag.tmp"

	for _, tmp := range []string{rawTmp, gzTmp, tagTmp} {
		if _, err := os.Stat(tmp); err == nil {
			slog.Debug("cache materialization already in flight", "key", key)
			return nil
		}
	}

	cleanup := func() {
		os.Remove(rawTmp)
		os.Remove(gzTmp)
		os.Remove(tagTmp)
	}

	if err := os.WriteFile(rawTmp, body, 0o644); err != nil {
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}
	info, err := os.Stat(rawTmp)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to stat cache temp file: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		cleanup()
		return fmt.Errorf("failed to compress cache artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to compress cache artifact: %w", err)
	}
	if err := os.WriteFile(gzTmp, buf.Bytes(), 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}

	if err := os.WriteFile(tagTmp, []byte(ETag(body, info.ModTime())), 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}

	// Rename preserves the temp file's mtime, so the tag computed above
	// stays consistent with the published raw file.
	for _, pair := range [][2]string{{rawTmp, base}, {gzTmp, base + ".gz"}, {tagTmp, base + ".etag"}} {
		if err := os.Rename(pair[0], pair[1]); err != nil {
			cleanup()
			return fmt.Errorf("failed to publish cache file: %w", err)
		}
	}
	return nil
}

// StoreAsync materializes in a detached goroutine. Failures are logged
// and never reach the caller, which has already been served from the
// generated bytes.
func (m *Manager) StoreAsync(key string, body []byte) {
	go func() {
		if err := m.Store(key, body); err != nil {
			slog.Warn("cache materialization failed", "key", key, "error", err)
		}
	}()
}

// ETag builds the integrity tag for a raw artifact from its content hash
// and modification time.
func ETag(body []byte, modTime time.Time) string {
	return fmt.Sprintf(`"%016x-%x"`, xxhash.Sum64(body), modTime.UnixNano())
}
