// Package cacheconfig adapts an opaque key-value configuration source to
// the three-key (dir, prefix, size) pattern every cache variant uses, and
// generalizes the once-only-init/enable-disable singleton lifecycle each
// variant exposes to the rest of the server.
//
// Grounded on matgreaves-rig/connect/wiring.go's ParseWiring: parse a
// single opaque source once, wrap failures with fmt.Errorf("...: %w"),
// and return a typed zero value on the "nothing configured" path rather
// than an error.
package cacheconfig

import (
	"os"
	"sync"

	"github.com/opendap-go/bescache/lockcache"
)

// KeySource is the opaque key-value configuration store every variant's
// directory/prefix/size settings are read from.
// Callers adapt their real configuration mechanism (flags, environment,
// a config file) to this interface; cacheconfig never reads one itself.
type KeySource interface {
	String(key string) (string, bool)
	Int(key string) (int, bool)
}

// Variant names the three configuration keys one cache variant is
// constructed from.
type Variant struct {
	DirKey    string
	PrefixKey string
	SizeKey   string

	// RequirePositiveSize, when true, makes a configured size of zero a
	// ConfigError rather than "unbounded". Every concrete variant in this
	// module sets this true; the knob exists to distinguish "zero is a
	// fatal configuration error" from "zero means unbounded" across
	// variants that might someday permit the latter.
	RequirePositiveSize bool
}

// Resolved is the outcome of resolving a Variant against a KeySource.
type Resolved struct {
	Dir     string
	Prefix  string
	SizeMB  int
	Enabled bool
}

// Resolve implements the variant initialization state machine: an empty or
// missing dir key disables the variant; a dir that does not
// exist on disk disables it; a present dir with an empty prefix or (when
// required) a zero size is a fatal *lockcache.ConfigError; otherwise the
// variant is enabled.
func Resolve(ks KeySource, v Variant) (Resolved, error) {
	dir, _ := ks.String(v.DirKey)
	if dir == "" {
		return Resolved{}, nil // disabled: no directory configured
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Resolved{}, nil // disabled: configured directory missing
	}

	prefix, _ := ks.String(v.PrefixKey)
	if prefix == "" {
		return Resolved{}, &lockcache.ConfigError{Key: v.PrefixKey, Reason: "must be non-empty when dir is configured"}
	}

	size, _ := ks.Int(v.SizeKey)
	if size == 0 && v.RequirePositiveSize {
		return Resolved{}, &lockcache.ConfigError{Key: v.SizeKey, Reason: "must be a positive number of megabytes"}
	}

	return Resolved{Dir: dir, Prefix: prefix, SizeMB: size, Enabled: true}, nil
}

// Singleton memoizes the result of build, calling it exactly once across
// all concurrent first callers, the Go analogue of the once_flag-guarded
// static instance pointer in original_source/dispatch/BESUncompressCache.h.
type Singleton[T any] struct {
	once sync.Once
	val  *T
	err  error
}

// Get returns the memoized instance, calling build on the first call only.
// A build that returns an error is remembered and returned to every caller;
// it is not retried.
func (s *Singleton[T]) Get(build func() (*T, error)) (*T, error) {
	s.once.Do(func() {
		s.val, s.err = build()
	})
	return s.val, s.err
}
