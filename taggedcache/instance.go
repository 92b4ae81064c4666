package taggedcache

import (
	"github.com/opendap-go/bescache/cacheconfig"
	"github.com/opendap-go/bescache/lockcache"
)

// ConfigVariant is the three-key configuration shape for the tagged-payload
// cache, following the "DAP.StoredResultsCache.*" naming convention of the
// original BES configuration.
var ConfigVariant = cacheconfig.Variant{
	DirKey:              "DAP.StoredResultsCache.dir",
	PrefixKey:           "DAP.StoredResultsCache.prefix",
	SizeKey:             "DAP.StoredResultsCache.size",
	RequirePositiveSize: true,
}

var instance cacheconfig.Singleton[Cache]

// Instance returns the process-wide tagged-payload cache built from ks,
// initializing it on first call. It returns (nil, nil) if the variant is
// disabled by configuration.
func Instance(ks cacheconfig.KeySource) (*Cache, error) {
	return instance.Get(func() (*Cache, error) {
		resolved, err := cacheconfig.Resolve(ks, ConfigVariant)
		if err != nil {
			return nil, err
		}
		if !resolved.Enabled {
			return nil, nil
		}
		base := lockcache.NewCache(resolved.Dir, resolved.Prefix, int64(resolved.SizeMB))
		return New(base, DefaultCollisionLimit), nil
	})
}
