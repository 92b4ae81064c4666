// Package namekey derives stable cache file-name components from logical
// keys: path mangling for sources that are themselves filesystem paths, and
// content hashing (cryptographic and short non-cryptographic) for sources
// that are not.
package namekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// mangleChar replaces path separators in a mangled source name.
const mangleChar = '#'

// Mangle replaces every '/' in source with '#' and strips a trailing
// separator, producing a single filename component that encodes the
// original path lossily but deterministically. Two distinct sources that
// mangle to the same string collide by design.
func Mangle(source string) string {
	source = strings.TrimSuffix(source, "/")
	return strings.ReplaceAll(source, "/", string(mangleChar))
}

// SHA256Hex returns the lowercase hex SHA-256 digest of "/"+key. The leading
// slash means key "foo" and "/foo" hash identically, matching the source
// cache's convention of treating cache keys as rooted paths.
func SHA256Hex(key string) string {
	sum := sha256.Sum256([]byte("/" + key))
	return hex.EncodeToString(sum[:])
}

// Hash64Decimal returns the decimal rendering of a 64-bit non-cryptographic
// hash of key, used where a short fingerprint is wanted and collisions are
// expected to be resolved by a secondary check (the tagged-payload cache's
// resource-id comparison) rather than avoided outright.
func Hash64Decimal(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 10)
}

// UserScoped builds the HTTP resource cache's per-user file name:
// prefix + optional "userID_" + hex(sha256("/"+source)). An empty userID
// omits the separator, so the cache is shared across anonymous callers.
func UserScoped(prefix, userID, source string) string {
	var b strings.Builder
	b.WriteString(prefix)
	if userID != "" {
		b.WriteString(userID)
		b.WriteByte('_')
	}
	b.WriteString(SHA256Hex(source))
	return b.String()
}
