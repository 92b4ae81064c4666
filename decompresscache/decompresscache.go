// Package decompresscache caches the decompressed contents of compressed
// source files. The cache key is the source path with its final extension
// stripped, so there are no hash collisions by design: the key is fully
// determined by the source path and the tagged-payload collision-chain
// protocol of taggedcache is not needed here.
//
// Grounded on original_source/dispatch/BESUncompressCache.cc, which
// dispatches on the source file's extension to pick a decompression
// routine before delegating to the file-locking cache base.
package decompresscache

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/opendap-go/bescache/cachemetrics"
	"github.com/opendap-go/bescache/lockcache"
)

// Decoder decompresses the file at compressedPath, writing the
// decompressed bytes to w. Implementations are expected to use ctx only to
// honor cancellation of long-running decompression, not to touch the
// cache.
type Decoder func(ctx context.Context, compressedPath string, w io.Writer) error

// Cache is the decompression cache variant built on a lockcache.Cache.
type Cache struct {
	base *lockcache.Cache
	rec  *cachemetrics.Recorder
}

// New wraps base with the decompression-cache protocol.
func New(base *lockcache.Cache) *Cache {
	return &Cache{base: base, rec: cachemetrics.NewRecorder("decompresscache:" + base.Prefix())}
}

// stripExtension removes the substring after the last '.' in name, if any,
// matching the source's cache-key rule: "foo.nc.gz" and "foo.nc.bz2" both
// key off "foo.nc".
func stripExtension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// FileName returns the cache file path for a compressed source path,
// stripping its final extension before mangling, matching the override of
// name generation for this variant.
func (c *Cache) FileName(compressedPath string) string {
	return c.base.FileName(stripExtension(compressedPath), true)
}

// isValid reports whether the cached entry's mtime is not older than the
// compressed source's mtime.
func isValid(entryPath, sourcePath string) (bool, error) {
	entryInfo, err := os.Stat(entryPath)
	if err != nil {
		return false, err
	}
	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return false, err
	}
	return !entryInfo.ModTime().Before(sourceInfo.ModTime()), nil
}

// Get returns a read-locked handle to the decompressed contents of
// compressedPath, decompressing and caching them with decode if no valid
// entry exists yet. If another process is concurrently building the same
// entry, Get loops on ReadLock until that process downgrades its lock.
func (c *Cache) Get(ctx context.Context, compressedPath string, decode Decoder) (h *lockcache.Handle, err error) {
	wasHit := false
	opErr := c.rec.Operation(ctx, "get", func(ctx context.Context) (bool, int64, error) {
		var written int64
		h, written, err = c.get(ctx, compressedPath, decode)
		wasHit = err == nil && written == 0
		return wasHit, written, err
	})
	return h, opErr
}

func (c *Cache) get(ctx context.Context, compressedPath string, decode Decoder) (h *lockcache.Handle, written int64, err error) {
	cacheFile := c.FileName(compressedPath)

	if hit, ok, err := c.base.ReadLock(cacheFile); err != nil {
		return nil, 0, err
	} else if ok {
		valid, verr := isValid(cacheFile, compressedPath)
		if verr != nil {
			c.base.Unlock(cacheFile)
			return nil, 0, &lockcache.IOError{Kind: "stat", Path: compressedPath, Err: verr}
		}
		if valid {
			return hit, 0, nil
		}
		c.base.Unlock(cacheFile)
		if err := c.base.PurgeFile(cacheFile); err != nil {
			return nil, 0, err
		}
	}

	h, created, err := c.base.CreateAndLock(cacheFile)
	if err != nil {
		return nil, 0, err
	}
	if created {
		if err := decode(ctx, compressedPath, h.File()); err != nil {
			c.base.Unlock(cacheFile)
			return nil, 0, fmt.Errorf("decompress %s: %w", compressedPath, err)
		}
		if info, statErr := h.File().Stat(); statErr == nil {
			written = info.Size()
		}
		if err := c.base.Downgrade(h); err != nil {
			c.base.Unlock(cacheFile)
			return nil, written, err
		}
		total, err := c.base.UpdateInfo(cacheFile)
		if err != nil {
			c.base.Unlock(cacheFile)
			return nil, written, err
		}
		if c.base.TooBig(total) {
			if err := c.base.UpdateAndPurge(cacheFile); err != nil {
				c.base.Unlock(cacheFile)
				return nil, written, err
			}
		}
		if _, err := h.File().Seek(0, io.SeekStart); err != nil {
			c.base.Unlock(cacheFile)
			return nil, written, &lockcache.IOError{Kind: "seek", Path: cacheFile, Err: err}
		}
		return h, written, nil
	}

	// Another process won the create race and is building the entry now;
	// poll ReadLock until it downgrades to shared.
	built, err := c.waitForBuild(ctx, cacheFile)
	return built, 0, err
}

// waitForBuild blocks on ReadLock until the concurrently-building process
// downgrades its exclusive lock to shared, or ctx is done.
func (c *Cache) waitForBuild(ctx context.Context, cacheFile string) (*lockcache.Handle, error) {
	const pollInterval = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		h, ok, err := c.base.ReadLock(cacheFile)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		time.Sleep(pollInterval)
	}
}
