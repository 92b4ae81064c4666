// Package httpcache caches the body of an HTTP GET response, keyed by URL
// and isolated per authenticated user. Staleness is deferred to an
// out-of-scope HTTP-cache-control layer; the only validity rule here is
// "the entry exists".
//
// Grounded on original_source/http/BESRemoteCache.cc, which hashes the
// resource URL with a SHA-256-family digest (picosha2 in the original) to
// name the cache file.
package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/opendap-go/bescache/cachemetrics"
	"github.com/opendap-go/bescache/internal/namekey"
	"github.com/opendap-go/bescache/lockcache"
)

const headersSuffix = ".headers"

// Fetcher performs the actual HTTP GET for a cache miss. It is the
// out-of-scope HTTP client collaborator; httpcache only knows how to store
// and retrieve the body it returns.
type Fetcher func(ctx context.Context, url string) (body io.Reader, headers http.Header, err error)

// Cache is the HTTP resource cache variant built on a lockcache.Cache.
type Cache struct {
	base *lockcache.Cache
	rec  *cachemetrics.Recorder
}

// New wraps base with the HTTP-resource-cache protocol.
func New(base *lockcache.Cache) *Cache {
	base.ExcludeSidecarSuffix(headersSuffix)
	return &Cache{base: base, rec: cachemetrics.NewRecorder("httpcache:" + base.Prefix())}
}

// FileName returns the cache file path for (userID, url). An empty userID
// omits the user-scoping separator.
func (c *Cache) FileName(userID, url string) string {
	return c.base.FileName(namekey.UserScoped("", userID, url), false)
}

func headersPath(entryPath string) string { return entryPath + headersSuffix }

// Get returns a read-locked handle to the cached body for (userID, url),
// fetching and storing it with fetch on a miss. headers are the response
// headers stored beside the body (nil if none were stored). Fetch failures
// and filesystem errors are both returned as err.
func (c *Cache) Get(ctx context.Context, userID, url string, fetch Fetcher) (h *lockcache.Handle, headers http.Header, err error) {
	opErr := c.rec.Operation(ctx, "get", func(ctx context.Context) (bool, int64, error) {
		var written int64
		h, headers, written, err = c.get(ctx, userID, url, fetch)
		return err == nil && written == 0, written, err
	})
	return h, headers, opErr
}

func (c *Cache) get(ctx context.Context, userID, url string, fetch Fetcher) (h *lockcache.Handle, headers http.Header, written int64, err error) {
	entry := c.FileName(userID, url)

	if hit, ok, err := c.base.ReadLock(entry); err != nil {
		return nil, nil, 0, err
	} else if ok {
		headers, err := readHeaders(headersPath(entry))
		if err != nil {
			c.base.Unlock(entry)
			return nil, nil, 0, err
		}
		return hit, headers, 0, nil
	}

	h, created, err := c.base.CreateAndLock(entry)
	if err != nil {
		return nil, nil, 0, err
	}
	if !created {
		// Lost the create race; another process is building this entry now.
		// Poll ReadLock until it downgrades to shared, like
		// decompresscache.waitForBuild.
		h2, err := c.waitForBuild(ctx, entry)
		if err != nil {
			return nil, nil, 0, err
		}
		headers, err := readHeaders(headersPath(entry))
		if err != nil {
			c.base.Unlock(entry)
			return nil, nil, 0, err
		}
		return h2, headers, 0, nil
	}

	body, headers, err := fetch(ctx, url)
	if err != nil {
		c.base.Unlock(entry)
		return nil, nil, 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	n, err := io.Copy(h.File(), body)
	if err != nil {
		c.base.Unlock(entry)
		return nil, nil, n, &lockcache.IOError{Kind: "write", Path: entry, Err: err}
	}
	if err := writeHeaders(headersPath(entry), headers); err != nil {
		c.base.Unlock(entry)
		return nil, nil, n, err
	}

	if err := c.base.Downgrade(h); err != nil {
		c.base.Unlock(entry)
		return nil, nil, n, err
	}
	total, err := c.base.UpdateInfo(entry)
	if err != nil {
		c.base.Unlock(entry)
		return nil, nil, n, err
	}
	if c.base.TooBig(total) {
		if err := c.base.UpdateAndPurge(entry); err != nil {
			c.base.Unlock(entry)
			return nil, nil, n, err
		}
	}
	if _, err := h.File().Seek(0, io.SeekStart); err != nil {
		c.base.Unlock(entry)
		return nil, nil, n, &lockcache.IOError{Kind: "seek", Path: entry, Err: err}
	}
	return h, headers, n, nil
}

// waitForBuild blocks on ReadLock until the concurrently-building process
// downgrades its exclusive lock to shared, or ctx is done.
func (c *Cache) waitForBuild(ctx context.Context, entry string) (*lockcache.Handle, error) {
	const pollInterval = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		h, ok, err := c.base.ReadLock(entry)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		time.Sleep(pollInterval)
	}
}

// readHeaders loads the sibling headers file for a cache entry. A missing
// headers file (an entry written before headers were tracked, or a
// variant that never received any) is not an error; it simply yields nil.
func readHeaders(path string) (http.Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &lockcache.IOError{Kind: "read", Path: path, Err: err}
	}
	var h http.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &lockcache.CorruptEntryError{Path: path, Reason: err.Error()}
	}
	return h, nil
}

func writeHeaders(path string, h http.Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal headers for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &lockcache.IOError{Kind: "write", Path: path, Err: err}
	}
	return nil
}
