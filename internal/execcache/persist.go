package execcache

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/veluca93/task-maker-go/internal/logging"
)

// snapshot is the gob-serializable form of the cache's entry map, spec
// §6: "the serialized form of map<CacheKey, list<CacheEntry>>". This is
// a one-shot, write-on-shutdown/read-on-startup snapshot rather than a
// live transactional store, so it is encoded with encoding/gob directly
// instead of bbolt (see SPEC_FULL.md domain stack and DESIGN.md).
type snapshot struct {
	Entries map[Key][]Entry
}

// cachePath returns the canonical path of spec §6: <store>/cache/cache.bin.
func cachePath(root string) string {
	return filepath.Join(root, "cache", "cache.bin")
}

// Load attempts to read a previously saved cache snapshot. Any
// deserialization failure resets the cache to empty rather than
// preventing server startup (spec §4.2/§7: "on parse failure, log and
// start empty"; "A cache load failure MUST NOT prevent server startup").
func Load(ctx context.Context, root string) *Cache {
	c := New()
	path := cachePath(root)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.G(ctx).WithError(err).Warn("execcache: failed to open cache file, starting empty")
		}
		return c
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		logging.G(ctx).WithError(err).Warn("execcache: failed to parse cache file, starting empty")
		return c
	}
	if snap.Entries != nil {
		c.entries = snap.Entries
	}
	logging.G(ctx).WithField("groups", len(c.entries)).Info("execcache: loaded cache")
	return c
}

// Save serializes the cache to <root>/cache/cache.bin atomically
// (temp file + rename), called on shutdown (spec §4.2 Persistence).
func (c *Cache) Save(ctx context.Context, root string) error {
	path := cachePath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	c.mu.Lock()
	snap := snapshot{Entries: c.entries}
	c.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	logging.G(ctx).WithField("groups", len(snap.Entries)).Info("execcache: saved cache")
	return nil
}
