// Package taggedcache implements the tagged-payload cache variant: entries
// are keyed by a composite (dataset path, constraint expression) whose
// combined textual form is hashed down to a short numeric fingerprint, with
// the full composite stored verbatim as the entry's first line so that hash
// collisions can be detected and resolved by linear suffix probing.
//
// Grounded on original_source/dap/BESDapFunctionResponseCache.cc, which
// hashes dataset-filename+"#"+constraint with std::hash<string> and probes
// "<hash>_0", "<hash>_1", ... comparing the stored resource id at each step.
package taggedcache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opendap-go/bescache/cachemetrics"
	"github.com/opendap-go/bescache/internal/namekey"
	"github.com/opendap-go/bescache/lockcache"
)

// MaxResourceIDLength is the combined dataset-path+constraint length past
// which an entry is refused caching. The source calls this implausibly
// generous, not a protocol limit.
const MaxResourceIDLength = 4096

// DefaultCollisionLimit is the default ceiling on linear suffix probing.
// The source calls 50 "implausibly large"; callers needing a different
// ceiling pass one to New.
const DefaultCollisionLimit = 50

const dataMarker = "--DATA:\n"

// DecodeFunc reconstructs a value from the bytes following the resource-id
// line: the reader starts at the metadata section, so the decoder itself
// reads past the --DATA: marker to the data section. It is supplied by the
// caller (the constraint-evaluation layer is out of scope for this cache).
type DecodeFunc func(r io.Reader) (any, error)

// BuildFunc evaluates constraint against datasetPath and writes the
// metadata section to w. The cache writes the --DATA: marker itself after
// BuildFunc returns, then calls WriteData.
type BuildFunc func(w io.Writer, datasetPath, constraint string) error

// WriteDataFunc writes the binary data section following the --DATA:
// marker. Kept separate from BuildFunc so implementations can stream
// serialized payload data without buffering it alongside metadata.
type WriteDataFunc func(w io.Writer, datasetPath, constraint string) error

// Cache is the tagged-payload cache variant built on a lockcache.Cache.
type Cache struct {
	base  *lockcache.Cache
	limit int
	rec   *cachemetrics.Recorder
}

// New wraps base with the tagged-payload protocol. collisionLimit <= 0
// selects DefaultCollisionLimit.
func New(base *lockcache.Cache, collisionLimit int) *Cache {
	if collisionLimit <= 0 {
		collisionLimit = DefaultCollisionLimit
	}
	return &Cache{base: base, limit: collisionLimit, rec: cachemetrics.NewRecorder("taggedcache:" + base.Prefix())}
}

// CollisionLimit returns the configured collision ceiling.
func (c *Cache) CollisionLimit() int { return c.limit }

// CanBeCached reports whether the composite key fits within
// MaxResourceIDLength. Callers must check this before Store; oversize
// responses must be computed and returned without being cached.
func CanBeCached(datasetPath, constraint string) bool {
	return len(datasetPath)+len(constraint) <= MaxResourceIDLength
}

// ResourceID builds the composite key used to identify a cached response.
func ResourceID(datasetPath, constraint string) string {
	return datasetPath + "#" + constraint
}

// BasePath returns the un-suffixed candidate path for resourceID — the
// value to pass to Load and, on a miss, to Store.
func (c *Cache) BasePath(resourceID string) string {
	return c.base.FileName(namekey.Hash64Decimal(resourceID), false)
}

// Load probes the collision chain at basePath for an entry whose first
// line equals resourceID. On a hit, it decodes the payload with decode and
// returns the result. On a miss, it returns the candidate path a
// subsequent Store should use. If the chain depth exceeds the configured
// limit, it returns a *lockcache.CollisionLimitError.
func (c *Cache) Load(ctx context.Context, resourceID, basePath string, decode DecodeFunc) (value any, candidatePath string, err error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	opErr := c.rec.Operation(ctx, "load", func(ctx context.Context) (hit bool, written int64, err error) {
		value, candidatePath, err = c.load(resourceID, basePath, decode)
		return value != nil, 0, err
	})
	return value, candidatePath, opErr
}

func (c *Cache) load(resourceID, basePath string, decode DecodeFunc) (value any, candidatePath string, err error) {
	for n := 0; ; n++ {
		if n > c.limit {
			return nil, "", &lockcache.CollisionLimitError{ResourceID: resourceID, Limit: c.limit}
		}

		candidate := suffixed(basePath, n)
		h, ok, err := c.base.ReadLock(candidate)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, candidate, nil // cache miss: caller creates at this path
		}

		line, err := readFirstLine(h.File())
		if err != nil {
			c.base.Unlock(candidate)
			return nil, "", &lockcache.IOError{Kind: "read", Path: candidate, Err: err}
		}

		if line != resourceID {
			c.base.Unlock(candidate)
			continue
		}

		value, err = decode(h.File())
		c.base.Unlock(candidate)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", candidate, err)
		}
		return value, candidate, nil
	}
}

// Store creates path exclusively, writes the resource-id line, invokes
// build to write the metadata section, writes the --DATA: marker, invokes
// writeData to write the payload, then downgrades the lock, updates
// accounting, and purges if the cache is now over its cap.
//
// If path was created by another process first, Store returns
// lockcache.ErrAlreadyExists; the caller is expected to restart by calling
// Load again. Any error during the write phases leaves the partial file in
// place for a future purge pass to reclaim — Store never unlinks on
// failure.
func (c *Cache) Store(ctx context.Context, resourceID, datasetPath, constraint, path string, build BuildFunc, writeData WriteDataFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.rec.Operation(ctx, "store", func(ctx context.Context) (bool, int64, error) {
		n, err := c.store(resourceID, datasetPath, constraint, path, build, writeData)
		return false, n, err
	})
}

func (c *Cache) store(resourceID, datasetPath, constraint, path string, build BuildFunc, writeData WriteDataFunc) (written int64, err error) {
	h, ok, err := c.base.CreateAndLock(path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, lockcache.ErrAlreadyExists
	}

	if err := writeEntry(h.File(), resourceID, datasetPath, constraint, build, writeData); err != nil {
		// Leave the partial file for purge; only release our lock on it.
		c.base.Unlock(path)
		return 0, err
	}

	if info, statErr := h.File().Stat(); statErr == nil {
		written = info.Size()
	}

	if err := c.base.Downgrade(h); err != nil {
		c.base.Unlock(path)
		return written, err
	}

	total, err := c.base.UpdateInfo(path)
	if err != nil {
		c.base.Unlock(path)
		return written, err
	}
	if c.base.TooBig(total) {
		if err := c.base.UpdateAndPurge(path); err != nil {
			c.base.Unlock(path)
			return written, err
		}
	}

	return written, c.base.Unlock(path)
}

func writeEntry(f *os.File, resourceID, datasetPath, constraint string, build BuildFunc, writeData WriteDataFunc) error {
	if _, err := fmt.Fprintf(f, "%s\n", resourceID); err != nil {
		return &lockcache.IOError{Kind: "write", Path: f.Name(), Err: err}
	}
	if err := build(f, datasetPath, constraint); err != nil {
		return fmt.Errorf("build metadata for %s: %w", resourceID, err)
	}
	if _, err := f.WriteString(dataMarker); err != nil {
		return &lockcache.IOError{Kind: "write", Path: f.Name(), Err: err}
	}
	if err := writeData(f, datasetPath, constraint); err != nil {
		return fmt.Errorf("write data for %s: %w", resourceID, err)
	}
	return nil
}

// readFirstLine reads exactly the first newline-terminated line of f,
// leaving the descriptor positioned at the start of the metadata section.
// It scans byte-for-byte rather than using a locale-aware text reader,
// since the stream goes binary immediately after the --DATA: marker later
// in the file.
func readFirstLine(f *os.File) (string, error) {
	r := bufio.NewReader(f)
	raw, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	// bufio.Reader may have buffered well past the line; reposition the
	// underlying descriptor to exactly the bytes ReadString consumed so the
	// metadata section starts at the right offset for the caller.
	if _, err := f.Seek(int64(len(raw)), io.SeekStart); err != nil {
		return "", err
	}
	return strings.TrimSuffix(raw, "\n"), nil
}

func suffixed(basePath string, n int) string {
	return basePath + "_" + strconv.Itoa(n)
}
