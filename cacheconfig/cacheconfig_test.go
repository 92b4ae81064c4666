package cacheconfig_test

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opendap-go/bescache/cacheconfig"
	"github.com/opendap-go/bescache/lockcache"
)

var variant = cacheconfig.Variant{
	DirKey:              "cache.dir",
	PrefixKey:           "cache.prefix",
	SizeKey:             "cache.size",
	RequirePositiveSize: true,
}

func TestResolve_EmptyDirDisables(t *testing.T) {
	r, err := cacheconfig.Resolve(cacheconfig.MapSource{}, variant)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Enabled {
		t.Error("empty dir key should disable the variant")
	}
}

func TestResolve_MissingDirDisables(t *testing.T) {
	ks := cacheconfig.MapSource{
		"cache.dir":    filepath.Join(t.TempDir(), "nope"),
		"cache.prefix": "rc",
		"cache.size":   "10",
	}
	r, err := cacheconfig.Resolve(ks, variant)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Enabled {
		t.Error("nonexistent dir should disable the variant")
	}
}

func TestResolve_EmptyPrefixIsFatal(t *testing.T) {
	ks := cacheconfig.MapSource{
		"cache.dir":  t.TempDir(),
		"cache.size": "10",
	}
	_, err := cacheconfig.Resolve(ks, variant)
	var cfgErr *lockcache.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Resolve error = %v, want *lockcache.ConfigError", err)
	}
	if cfgErr.Key != "cache.prefix" {
		t.Errorf("ConfigError.Key = %q, want cache.prefix", cfgErr.Key)
	}
}

func TestResolve_ZeroSizeIsFatalWhenRequired(t *testing.T) {
	ks := cacheconfig.MapSource{
		"cache.dir":    t.TempDir(),
		"cache.prefix": "rc",
		"cache.size":   "0",
	}
	_, err := cacheconfig.Resolve(ks, variant)
	var cfgErr *lockcache.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Resolve error = %v, want *lockcache.ConfigError", err)
	}
	if cfgErr.Key != "cache.size" {
		t.Errorf("ConfigError.Key = %q, want cache.size", cfgErr.Key)
	}
}

func TestResolve_ZeroSizeAllowedWhenNotRequired(t *testing.T) {
	v := variant
	v.RequirePositiveSize = false
	ks := cacheconfig.MapSource{
		"cache.dir":    t.TempDir(),
		"cache.prefix": "rc",
		"cache.size":   "0",
	}
	r, err := cacheconfig.Resolve(ks, v)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.Enabled || r.SizeMB != 0 {
		t.Errorf("Resolve = %+v, want enabled with SizeMB=0 (unbounded)", r)
	}
}

func TestResolve_Valid(t *testing.T) {
	dir := t.TempDir()
	ks := cacheconfig.MapSource{
		"cache.dir":    dir,
		"cache.prefix": "RC", // exercise lowercasing happening at Cache construction, not here
		"cache.size":   "256",
	}
	r, err := cacheconfig.Resolve(ks, variant)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.Enabled || r.Dir != dir || r.Prefix != "RC" || r.SizeMB != 256 {
		t.Errorf("Resolve = %+v, want enabled dir=%s prefix=RC size=256", r, dir)
	}
}

func TestSingleton_BuildsOnce(t *testing.T) {
	var s cacheconfig.Singleton[lockcache.Cache]
	var calls atomic.Int64

	build := func() (*lockcache.Cache, error) {
		calls.Add(1)
		return lockcache.NewCache(t.TempDir(), "rc", 10), nil
	}

	first, err := s.Get(build)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := s.Get(build)
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if first != second {
		t.Error("Singleton.Get returned different instances")
	}
	if calls.Load() != 1 {
		t.Errorf("build called %d times, want 1", calls.Load())
	}
}

func TestSingleton_RemembersError(t *testing.T) {
	var s cacheconfig.Singleton[lockcache.Cache]
	wantErr := errors.New("boom")
	var calls atomic.Int64

	build := func() (*lockcache.Cache, error) {
		calls.Add(1)
		return nil, wantErr
	}

	_, err1 := s.Get(build)
	_, err2 := s.Get(build)
	if !errors.Is(err1, wantErr) || !errors.Is(err2, wantErr) {
		t.Fatalf("errors = %v, %v, want both %v", err1, err2, wantErr)
	}
	if calls.Load() != 1 {
		t.Errorf("build called %d times, want 1 (error is not retried)", calls.Load())
	}
}
