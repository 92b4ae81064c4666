// Package lockcache implements the file-locking cache base shared by every
// cache variant: a file-per-entry cache on a shared POSIX file system,
// coordinated between processes with advisory flock locks instead of a
// coordinating daemon. Specialized variants (see the sibling taggedcache,
// decompresscache, httpcache packages) build on Cache by overriding name
// generation and validity checks; Cache itself owns the directory, the
// cache-info accounting file, and the lock protocol.
//
// Locking uses flock(2) via golang.org/x/sys/unix rather than fcntl(2): a
// flock is scoped to the open file description, so two goroutines in the
// same process that each open() the same path get independent locks that
// correctly exclude one another. This buys intra-process thread-safety
// that a straight fcntl port would not have, at the usual flock cost of
// unreliable semantics on some NFS configurations — an explicit trade-off,
// not an oversight.
package lockcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opendap-go/bescache/internal/namekey"
)

const cacheInfoSuffix = ".cache_info"

// purgeFraction is the fraction of the size cap that a purge pass reduces
// the cache to.
const purgeFraction = 0.8

// Cache is a persistent collection of artifacts stored under one directory
// with one name prefix and one soft maximum total size. The triple
// (dir, prefix, maxSizeBytes) identifies the cache.
type Cache struct {
	dir      string
	prefix   string
	maxBytes int64 // 0 means unbounded; TooBig always returns false

	mu      sync.Mutex // guards enabled, open, and infoFD
	enabled bool
	open    map[string]*Handle

	infoPath string
	infoFD   *os.File // lazily opened, held for the cache's lifetime

	sidecarSuffixes []string // file-name suffixes excluded from entry accounting and purge

	// cacheInfoMu serializes compound cache-info operations (the ones that
	// read-modify-write the total) within this process. flock on infoFD
	// only excludes *other* processes, or other open()s of the same path in
	// this process — two goroutines sharing this Cache share infoFD, and
	// flock cannot serialize a file descriptor against itself. See the
	// intra-process serialization notes in DESIGN.md.
	cacheInfoMu sync.Mutex
}

// NewCache opens a cache rooted at dir with the given name prefix and soft
// maximum size in megabytes. If dir does not exist, the cache is
// constructed successfully but disabled: CreateAndLock and ReadLock report
// every attempt as a miss rather than erroring.
func NewCache(dir, prefix string, maxSizeMB int64) *Cache {
	prefix = strings.ToLower(prefix)
	c := &Cache{
		dir:      dir,
		prefix:   prefix,
		maxBytes: maxSizeMB * 1024 * 1024,
		open:     make(map[string]*Handle),
		infoPath: filepath.Join(dir, prefix+cacheInfoSuffix),
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		c.enabled = true
	}
	return c
}

// Enabled reports whether the cache currently accepts create/read attempts.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Disable marks the cache disabled for the remainder of the process, for
// administrative use (e.g. during maintenance). It does not close or
// remove anything already on disk.
func (c *Cache) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// Enable re-enables a cache previously disabled by Disable. It sets the
// flag without checking the directory: a cache that was disabled at
// construction because its directory was missing becomes enabled too, and
// its CreateAndLock/ReadLock calls then return the filesystem error rather
// than a miss.
func (c *Cache) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// Dir returns the cache's root directory.
func (c *Cache) Dir() string { return c.dir }

// Prefix returns the cache's file-name prefix.
func (c *Cache) Prefix() string { return c.prefix }

// ExcludeSidecarSuffix marks file names ending in suffix as companions of a
// real entry rather than entries themselves: listEntries skips them, so
// they are neither counted in cache-info accounting nor individually
// evicted by UpdateAndPurge. Variants that keep a sidecar file next to an
// entry (e.g. httpcache's ".headers" file) call this once at construction.
// Sidecar bytes are not counted in the cache-info total, and UpdateAndPurge
// does not remove a sidecar when it evicts the owning entry.
func (c *Cache) ExcludeSidecarSuffix(suffix string) {
	c.sidecarSuffixes = append(c.sidecarSuffixes, suffix)
}

func (c *Cache) isSidecar(name string) bool {
	for _, suffix := range c.sidecarSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// FileName deterministically computes the file path for a logical source
// name. If mangle is true, path separators in source are replaced with a
// sentinel and the result is used as the entry's file-name suffix. If
// false, source is used verbatim as the suffix (the caller is expected to
// have already produced a safe, unique suffix, e.g. a content hash).
// FileName performs no I/O.
func (c *Cache) FileName(source string, mangle bool) string {
	suffix := source
	if mangle {
		suffix = namekey.Mangle(source)
	}
	return filepath.Join(c.dir, c.prefix+suffix)
}

// CreateAndLock atomically creates target iff it does not exist and
// acquires an exclusive advisory lock on it. ok is true iff this call won
// the race to create the file; a false return with a nil error means the
// file already existed and the caller should fall back to ReadLock.
func (c *Cache) CreateAndLock(target string) (h *Handle, ok bool, err error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, &IOError{Kind: "create", Path: target, Err: err}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		os.Remove(target)
		return nil, false, &IOError{Kind: "flock", Path: target, Err: err}
	}

	handle := &Handle{f: f, path: target, shared: false}
	c.record(target, handle)
	return handle, true, nil
}

// ReadLock opens target for reading and blocks until a shared advisory
// lock is granted. ok is false without blocking if target does not exist.
func (c *Cache) ReadLock(target string) (h *Handle, ok bool, err error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &IOError{Kind: "open", Path: target, Err: err}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		return nil, false, &IOError{Kind: "flock", Path: target, Err: err}
	}

	handle := &Handle{f: f, path: target, shared: true}
	c.record(target, handle)
	return handle, true, nil
}

// Downgrade converts an exclusive handle to a shared one in place, without
// releasing the lock in between (re-flocking the same descriptor replaces
// the existing lock rather than dropping it).
func (c *Cache) Downgrade(h *Handle) error {
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_SH); err != nil {
		return &IOError{Kind: "flock", Path: h.path, Err: err}
	}
	h.shared = true
	return nil
}

// Unlock releases the advisory lock held on target, closes its descriptor,
// and forgets it. It is a no-op if target has no recorded open handle.
func (c *Cache) Unlock(target string) error {
	c.mu.Lock()
	h, ok := c.open[target]
	if ok {
		delete(c.open, target)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	unix.Flock(int(h.f.Fd()), unix.LOCK_UN) //nolint:errcheck
	return h.f.Close()
}

func (c *Cache) record(target string, h *Handle) {
	c.mu.Lock()
	c.open[target] = h
	c.mu.Unlock()
}

// LockWrite acquires an exclusive advisory lock on the cache-info file,
// opening it (and lazily creating it at value 0) if needed.
func (c *Cache) LockWrite() error {
	f, err := c.infoDescriptor()
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return &IOError{Kind: "flock", Path: c.infoPath, Err: err}
	}
	return nil
}

// LockRead acquires a shared advisory lock on the cache-info file.
func (c *Cache) LockRead() error {
	f, err := c.infoDescriptor()
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return &IOError{Kind: "flock", Path: c.infoPath, Err: err}
	}
	return nil
}

// UnlockCache releases the whole-cache lock acquired by LockRead/LockWrite.
func (c *Cache) UnlockCache() error {
	c.mu.Lock()
	f := c.infoFD
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return &IOError{Kind: "flock", Path: c.infoPath, Err: err}
	}
	return nil
}

// infoDescriptor returns the long-lived descriptor used for whole-cache
// locks, opening and lazily initializing the cache-info file on first use.
func (c *Cache) infoDescriptor() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infoFD != nil {
		return c.infoFD, nil
	}
	f, err := os.OpenFile(c.infoPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &IOError{Kind: "open", Path: c.infoPath, Err: err}
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() == 0 {
		if _, err := f.WriteString("0\n"); err != nil {
			f.Close()
			return nil, &IOError{Kind: "write", Path: c.infoPath, Err: err}
		}
	}
	c.infoFD = f
	return f, nil
}

// Close releases the cache-info descriptor. It does not touch per-entry
// handles, which callers are responsible for unlocking.
func (c *Cache) Close() error {
	c.mu.Lock()
	f := c.infoFD
	c.infoFD = nil
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// readTotalLocked reads the current total from the cache-info file. Caller
// must hold the whole-cache lock.
func (c *Cache) readTotalLocked() (int64, error) {
	data, err := os.ReadFile(c.infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &IOError{Kind: "read", Path: c.infoPath, Err: err}
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	total, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &CorruptEntryError{Path: c.infoPath, Reason: fmt.Sprintf("non-numeric cache-info contents: %q", s)}
	}
	return total, nil
}

// writeTotalLocked truncates and rewrites the cache-info file. Caller must
// hold the whole-cache lock.
func (c *Cache) writeTotalLocked(total int64) error {
	f, err := c.infoDescriptor()
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return &IOError{Kind: "truncate", Path: c.infoPath, Err: err}
	}
	if _, err := f.WriteAt([]byte(strconv.FormatInt(total, 10)+"\n"), 0); err != nil {
		return &IOError{Kind: "write", Path: c.infoPath, Err: err}
	}
	return nil
}

// UpdateInfo stats newEntryPath and adds its size to the persisted total
// under an exclusive whole-cache lock, returning the new total.
func (c *Cache) UpdateInfo(newEntryPath string) (int64, error) {
	c.cacheInfoMu.Lock()
	defer c.cacheInfoMu.Unlock()

	if err := c.LockWrite(); err != nil {
		return 0, err
	}
	defer c.UnlockCache()

	info, err := os.Stat(newEntryPath)
	if err != nil {
		return 0, &IOError{Kind: "stat", Path: newEntryPath, Err: err}
	}

	total, err := c.readTotalLocked()
	if err != nil {
		return 0, err
	}
	total += info.Size()
	if err := c.writeTotalLocked(total); err != nil {
		return 0, err
	}
	return total, nil
}

// TooBig reports whether size exceeds the cache's configured maximum. A
// zero maxBytes means unbounded: TooBig always returns false.
func (c *Cache) TooBig(size int64) bool {
	if c.maxBytes <= 0 {
		return false
	}
	return size > c.maxBytes
}

// purgeTarget returns the size a purge pass reduces the cache to.
func (c *Cache) purgeTarget() int64 {
	return int64(float64(c.maxBytes) * purgeFraction)
}

type dirEntryInfo struct {
	path  string
	size  int64
	atime int64 // seconds
}

// listEntries returns every file directly under dir whose name starts with
// prefix, excluding the cache-info file and any registered sidecar suffix.
func (c *Cache) listEntries() ([]dirEntryInfo, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, &IOError{Kind: "readdir", Path: c.dir, Err: err}
	}
	infoName := filepath.Base(c.infoPath)
	var entries []dirEntryInfo
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if name == infoName || !strings.HasPrefix(name, c.prefix) || c.isSidecar(name) {
			continue
		}
		full := filepath.Join(c.dir, name)
		var st unix.Stat_t
		if err := unix.Stat(full, &st); err != nil {
			continue // entry vanished concurrently; skip
		}
		entries = append(entries, dirEntryInfo{
			path:  full,
			size:  st.Size,
			atime: st.Atim.Sec,
		})
	}
	return entries, nil
}

// UpdateAndPurge deletes entries oldest-access-first, skipping exempt and
// any entry currently locked (shared or exclusive) through another open
// descriptor, until the
// cumulative size is at or below 80% of the cap. The cache-info total is
// recomputed from the post-purge directory contents rather than tracked by
// delta, so it stays correct even when exempt survives the pass.
func (c *Cache) UpdateAndPurge(exempt string) error {
	c.cacheInfoMu.Lock()
	defer c.cacheInfoMu.Unlock()

	if err := c.LockWrite(); err != nil {
		return err
	}
	defer c.UnlockCache()

	entries, err := c.listEntries()
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].atime < entries[j].atime })

	var total int64
	for _, e := range entries {
		total += e.size
	}

	target := c.purgeTarget()
	for _, e := range entries {
		if total <= target {
			break
		}
		if e.path == exempt {
			continue
		}
		if !c.tryEvict(e.path) {
			continue
		}
		total -= e.size
	}

	return c.writeTotalLocked(total)
}

// tryEvict removes path if no other open descriptor holds a lock on it
// (shared or exclusive), detected with a non-blocking exclusive-lock probe.
func (c *Cache) tryEvict(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false // in use by another process
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	return os.Remove(path) == nil
}

// PurgeFile deletes path if it exists and subtracts its size from the
// persisted total, under an exclusive whole-cache lock.
func (c *Cache) PurgeFile(path string) error {
	c.cacheInfoMu.Lock()
	defer c.cacheInfoMu.Unlock()

	if err := c.LockWrite(); err != nil {
		return err
	}
	defer c.UnlockCache()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Kind: "stat", Path: path, Err: err}
	}

	if err := os.Remove(path); err != nil {
		return &IOError{Kind: "remove", Path: path, Err: err}
	}

	total, err := c.readTotalLocked()
	if err != nil {
		return err
	}
	total -= info.Size()
	if total < 0 {
		total = 0
	}
	return c.writeTotalLocked(total)
}

// CacheStats is a diagnostic snapshot of a cache's configuration and
// current occupancy, used by administrative tooling and metrics export.
type CacheStats struct {
	Dir          string
	Prefix       string
	MaxBytes     int64
	CurrentBytes int64
	EntryCount   int
}

// Stats reads the current accounted size and entry count under a shared
// whole-cache lock. It takes cacheInfoMu like every other compound
// cache-info operation: LockRead/UnlockCache re-flock the single
// long-lived infoFD shared by every goroutine in this process, so without
// cacheInfoMu a concurrent Stats could downgrade an in-flight UpdateInfo's
// exclusive lock to shared and then release it out from under that write.
func (c *Cache) Stats() (CacheStats, error) {
	c.cacheInfoMu.Lock()
	defer c.cacheInfoMu.Unlock()

	if err := c.LockRead(); err != nil {
		return CacheStats{}, err
	}
	defer c.UnlockCache()

	total, err := c.readTotalLocked()
	if err != nil {
		return CacheStats{}, err
	}
	entries, err := c.listEntries()
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{
		Dir:          c.dir,
		Prefix:       c.prefix,
		MaxBytes:     c.maxBytes,
		CurrentBytes: total,
		EntryCount:   len(entries),
	}, nil
}
