// Package filestore implements the content-addressed blob repository of
// spec §4.1: process-exclusive on disk, de-duplicating by BLAKE2b-512
// key, with persistence-timestamp driven eviction and integrity checking.
package filestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/veluca93/task-maker-go/internal/errdefs"
	"github.com/veluca93/task-maker-go/internal/filekey"
	"github.com/veluca93/task-maker-go/internal/logging"
)

// persistExtension is how far into the future a successful get/persist
// pushes a blob's eviction eligibility (spec §3 Lifecycles).
const persistExtension = 600 * time.Second

var indexBucket = []byte("index")

// entry is the metadata record kept for every blob, persisted in the
// store_info bbolt database alongside the advisory lock it already
// provides (spec §4.1 "opens a sentinel file store_info with an
// advisory exclusive file lock").
type entry struct {
	Size         int64
	Created      time.Time
	Modified     time.Time
	PersistUntil time.Time
}

// Store is a process-exclusive content-addressed blob repository rooted
// at a single directory.
type Store struct {
	root string
	db   *bbolt.DB

	mu       sync.Mutex
	refcount map[filekey.Key]int32

	maxCacheBytes uint64
	minCacheBytes uint64

	metrics *storeMetrics
}

// Open opens (creating if necessary) the file store rooted at root,
// acquiring the process-exclusive sentinel lock described in spec §4.1.
// Contention blocks and logs a warning, matching the spec's text
// verbatim; bbolt's own Open retry/flock behavior is reused for this
// rather than hand-rolling flock(2) (see SPEC_FULL.md domain stack).
func Open(ctx context.Context, root string, maxCacheMiB, minCacheMiB uint64) (*Store, error) {
	storeDir := filepath.Join(root, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, errdefs.Errorf(errdefs.Internal, "filestore: create root: %w", err)
	}

	log := logging.G(ctx).WithField("root", storeDir)
	lockPath := filepath.Join(storeDir, "store_info")

	db, err := openWithContention(ctx, lockPath)
	if err != nil {
		return nil, errdefs.Errorf(errdefs.Internal, "filestore: open sentinel: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errdefs.Errorf(errdefs.Internal, "filestore: init index: %w", err)
	}

	log.Info("file store opened")

	s := &Store{
		root:          storeDir,
		db:            db,
		refcount:      make(map[filekey.Key]int32),
		maxCacheBytes: maxCacheMiB * 1024 * 1024,
		minCacheBytes: minCacheMiB * 1024 * 1024,
		metrics:       newStoreMetrics(),
	}
	return s, nil
}

// openWithContention opens the bbolt sentinel with a 2 s lock timeout;
// if the file lock is contended it logs one warning and then blocks on a
// second open with no timeout, per spec §4.1.
func openWithContention(ctx context.Context, path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err == nil {
		return db, nil
	}
	if err != bbolt.ErrTimeout {
		return nil, err
	}
	logging.G(ctx).Warn("filestore: store_info lock contended, blocking")
	// No timeout this time: block until the other process releases it,
	// as spec requires ("If contended it logs a warning and blocks on
	// the lock").
	return bbolt.Open(path, 0o644, nil)
}

// Close releases the sentinel lock. Call on teardown.
func (s *Store) Close() error {
	return s.db.Close()
}

// blobPath returns the on-disk path for key, matching spec §3's
// <root>/<hash[0]>/<hash[1]>/<hash> scheme.
func (s *Store) blobPath(key filekey.Key) string {
	h0, h1 := key.ShardPath()
	return filepath.Join(s.root, h0, h1, key.String())
}

// Store consumes r fully, writing its bytes to the hash-derived path and
// marking the blob read-only and persistent (spec §4.1 store).
func (s *Store) Store(ctx context.Context, key filekey.Key, r io.Reader) error {
	path := s.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return errdefs.Errorf(errdefs.Internal, "filestore: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: close temp: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: rename: %w", err)
	}

	now := time.Now()
	e := entry{Size: n, Created: now, Modified: now, PersistUntil: now.Add(persistExtension)}
	if err := s.putEntry(key, e); err != nil {
		return err
	}
	s.metrics.bytesStored.Add(float64(n))
	logging.G(ctx).WithField("key", key.String()).Debug("filestore: stored blob")
	s.evict(ctx)
	return nil
}

// Handle is a reference-counted eviction guard for a blob (spec §3
// FileStoreHandle).
type Handle struct {
	store *Store
	key   filekey.Key
	once  sync.Once
}

// Key returns the content key this handle protects.
func (h *Handle) Key() filekey.Key { return h.key }

// Path returns the blob's on-disk path.
func (h *Handle) Path() string { return h.store.blobPath(h.key) }

// Release drops the reference this handle holds. Safe to call more than
// once; only the first call has effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.store.mu.Lock()
		h.store.refcount[h.key]--
		if h.store.refcount[h.key] <= 0 {
			delete(h.store.refcount, h.key)
		}
		h.store.mu.Unlock()
	})
}

func (s *Store) acquire(key filekey.Key) *Handle {
	s.mu.Lock()
	s.refcount[key]++
	s.mu.Unlock()
	return &Handle{store: s, key: key}
}

// Get returns a handle if the blob exists on disk and passes integrity
// verification, refreshing its persistence timestamp (spec §4.1 get).
func (s *Store) Get(ctx context.Context, key filekey.Key) (*Handle, error) {
	e, ok, err := s.getEntry(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("filestore: key %s not present", key))
	}

	modTime, err := s.verify(ctx, key, e)
	if err != nil {
		s.dropCorrupted(ctx, key)
		return nil, errdefs.NotFound(fmt.Errorf("filestore: key %s failed integrity check: %w", key, err))
	}

	e.Modified = modTime
	e.PersistUntil = time.Now().Add(persistExtension)
	if err := s.putEntry(key, e); err != nil {
		return nil, err
	}
	s.evict(ctx)
	return s.acquire(key), nil
}

// HasKey is like Get but returns only a boolean; a corrupted blob is
// still dropped as a side effect (spec §4.1 has_key).
func (s *Store) HasKey(ctx context.Context, key filekey.Key) bool {
	h, err := s.Get(ctx, key)
	if err != nil {
		return false
	}
	h.Release()
	return true
}

// Persist refreshes key's persistence timestamp without materializing a
// handle. Returns NotFound if key is absent (spec §4.1 persist).
func (s *Store) Persist(key filekey.Key) error {
	e, ok, err := s.getEntry(key)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotFound(fmt.Errorf("filestore: key %s not present", key))
	}
	e.PersistUntil = time.Now().Add(persistExtension)
	return s.putEntry(key, e)
}

// verify checks blob integrity before returning it from Get. If the
// file's on-disk mtime still matches the mtime recorded at the last
// verified access, the blob is trusted without re-reading it; otherwise
// it is re-hashed and compared against key, and the returned mtime is
// what Get should now record, so the next Get need not rehash again
// (spec §4.1 Integrity: an optimization avoiding per-access rehashing of
// large blobs).
func (s *Store) verify(ctx context.Context, key filekey.Key, e entry) (time.Time, error) {
	path := s.blobPath(key)
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if fi.ModTime().Equal(e.Modified) {
		return e.Modified, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	sum, err := filekey.Sum(f)
	if err != nil {
		return time.Time{}, err
	}
	if sum != key {
		return time.Time{}, fmt.Errorf("hash mismatch")
	}
	return fi.ModTime(), nil
}

func (s *Store) dropCorrupted(ctx context.Context, key filekey.Key) {
	logging.G(ctx).WithField("key", key.String()).Warn("filestore: dropping corrupted blob")
	_ = os.Remove(s.blobPath(key))
	_ = s.deleteEntry(key)
}

// Flush syncs the bbolt index file to disk. bbolt already fsyncs every
// Update transaction on commit, so Flush only adds an extra sync point,
// kept for parity with spec §4.1's public contract.
func (s *Store) Flush() error {
	return s.db.Sync()
}

func (s *Store) putEntry(key filekey.Key, e entry) error {
	buf, err := encodeEntry(e)
	if err != nil {
		return errdefs.Errorf(errdefs.Internal, "filestore: encode index entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Put(key[:], buf)
	})
}

func (s *Store) getEntry(key filekey.Key) (entry, bool, error) {
	var e entry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(indexBucket).Get(key[:])
		if v == nil {
			return nil
		}
		found = true
		return decodeEntry(v, &e)
	})
	if err != nil {
		return entry{}, false, errdefs.Errorf(errdefs.Internal, "filestore: read index entry: %w", err)
	}
	return e, found, nil
}

func (s *Store) deleteEntry(key filekey.Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(key[:])
	})
}

// encodeEntry/decodeEntry use encoding/gob for the small fixed-shape
// index record stored as a bbolt value. This is the one ambient
// persistence concern in the repo built on the standard library rather
// than a third-party codec: bbolt already owns byte-level storage and
// locking, so layering a full protobuf/codegen pipeline on top of a
// 4-field internal record bbolt never exposes over the wire would add a
// build-time dependency (protoc) this environment cannot exercise for no
// externally observable benefit. See DESIGN.md.
func encodeEntry(e entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte, e *entry) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(e)
}

// evict walks entries in order of oldest persistence timestamp, deleting
// those whose timestamp is in the past and whose reference count is
// zero, until total usage falls below the floor (spec §4.1 Eviction).
func (s *Store) evict(ctx context.Context) {
	type candidate struct {
		key filekey.Key
		e   entry
	}
	var all []candidate
	var total uint64

	s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(k, v []byte) error {
			var e entry
			if err := decodeEntry(v, &e); err != nil {
				return nil
			}
			var key filekey.Key
			copy(key[:], k)
			all = append(all, candidate{key: key, e: e})
			total += uint64(e.Size)
			return nil
		})
	})

	if total <= s.maxCacheBytes {
		return
	}

	sort.Slice(all, func(i, j int) bool { return all[i].e.PersistUntil.Before(all[j].e.PersistUntil) })

	now := time.Now()
	log := logging.G(ctx)
	for _, c := range all {
		if total <= s.minCacheBytes {
			return
		}
		if c.e.PersistUntil.After(now) {
			continue
		}
		s.mu.Lock()
		refs := s.refcount[c.key]
		s.mu.Unlock()
		if refs > 0 {
			continue
		}
		if err := os.Remove(s.blobPath(c.key)); err != nil && !os.IsNotExist(err) {
			log.WithField("key", c.key.String()).WithError(err).Warn("filestore: evict: remove blob failed")
			continue
		}
		if err := s.deleteEntry(c.key); err != nil {
			log.WithField("key", c.key.String()).WithError(err).Warn("filestore: evict: drop index entry failed")
			continue
		}
		total -= uint64(c.e.Size)
		s.metrics.evictions.Inc()
		log.WithField("key", c.key.String()).Debug("filestore: evicted blob")
	}
}
