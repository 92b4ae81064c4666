package decompresscache

import (
	"github.com/opendap-go/bescache/cacheconfig"
	"github.com/opendap-go/bescache/lockcache"
)

// ConfigVariant names the configuration keys of the decompression cache,
// mirroring original_source/dispatch/BESUncompressCache.h's DIR_KEY /
// PREFIX_KEY / SIZE_KEY trio.
var ConfigVariant = cacheconfig.Variant{
	DirKey:              "BES.UncompressCache.dir",
	PrefixKey:           "BES.UncompressCache.prefix",
	SizeKey:             "BES.UncompressCache.size",
	RequirePositiveSize: true,
}

var instance cacheconfig.Singleton[Cache]

// Instance returns the process-wide decompression cache built from ks,
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
		return New(base), nil
	})
}
