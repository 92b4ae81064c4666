package httpcache

import (
	"github.com/opendap-go/bescache/cacheconfig"
	"github.com/opendap-go/bescache/lockcache"
)

// ConfigVariant names the configuration keys of the remote-resource HTTP
// cache, grounded on original_source/http/BESRemoteCache.cc's equivalent
// dir/prefix/size trio.
var ConfigVariant = cacheconfig.Variant{
	DirKey:              "BES.RemoteCache.dir",
	PrefixKey:           "BES.RemoteCache.prefix",
	SizeKey:             "BES.RemoteCache.size",
	RequirePositiveSize: true,
}

var instance cacheconfig.Singleton[Cache]

// Instance returns the process-wide HTTP resource cache built from ks,
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
